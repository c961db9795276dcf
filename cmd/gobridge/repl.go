package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/caffeineduck/gobridge/executor"
	"github.com/chzyer/readline"
	"github.com/mattn/go-shellwords"
	"github.com/spf13/cobra"
)

var replCmd = &cobra.Command{
	Use:   "repl program.wasm",
	Short: "Call a program's functions interactively",
	Long: `Start a program as a session and call the functions it registers on
the global object.

Each line is a function name followed by its arguments, split like a shell
command line. Arguments are read as JSON values where possible and as plain
strings otherwise:

  >>> add 2 3
  5
  >>> greet "Ada Lovelace"
  "hello, Ada Lovelace"
  >>> lookup '{"id": 7}' verbose

Features:
  - Command history (up/down arrows)
  - Line editing (left/right, backspace, delete)
  - History search (Ctrl+R)
  - Multi-line input (end line with \)

Type 'exit' or 'quit' to end the session, or press Ctrl+D.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runRepl,
}

func init() {
	addSessionFlags(replCmd)
	replCmd.Flags().String("history", "", "History file path (default: ~/.gobridge_history)")
	rootCmd.AddCommand(replCmd)
}

func runRepl(cmd *cobra.Command, args []string) error {
	cfg, err := loadSettings(cmd)
	if err != nil {
		return err
	}
	if len(args) > 1 {
		cfg.Args = args[1:]
	}
	historyFile, _ := cmd.Flags().GetString("history")
	if historyFile == "" {
		home, _ := os.UserHomeDir()
		historyFile = filepath.Join(home, ".gobridge_history")
	}

	prog, err := executor.ProgramFromFile(args[0])
	if err != nil {
		return err
	}
	exec, err := newExecutor(cmd, cfg, nil)
	if err != nil {
		return err
	}
	defer exec.Close()

	opts, err := cfg.runOptions()
	if err != nil {
		return err
	}
	session, err := exec.NewSession(context.Background(), prog, opts...)
	if err != nil {
		return fmt.Errorf("starting session: %w", err)
	}
	defer session.Close()

	rl, err := readline.NewEx(&readline.Config{
		Prompt:            ">>> ",
		HistoryFile:       historyFile,
		HistoryLimit:      1000,
		InterruptPrompt:   "^C",
		EOFPrompt:         "exit",
		HistorySearchFold: true,
	})
	if err != nil {
		return fmt.Errorf("initializing readline: %w", err)
	}
	defer rl.Close()

	out := cmd.OutOrStdout()
	fmt.Fprintf(os.Stderr, "gobridge %s (type 'exit' to quit, Ctrl+D to exit)\n", filepath.Base(args[0]))
	fmt.Fprint(out, session.Output())

	var multiLine strings.Builder
	inMultiLine := false

	for {
		line, err := rl.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) {
				if inMultiLine {
					multiLine.Reset()
					inMultiLine = false
					rl.SetPrompt(">>> ")
				}
				continue
			}
			if errors.Is(err, io.EOF) {
				fmt.Fprintln(out)
				return nil
			}
			return fmt.Errorf("reading input: %w", err)
		}

		if strings.HasSuffix(line, "\\") {
			multiLine.WriteString(strings.TrimSuffix(line, "\\"))
			multiLine.WriteString(" ")
			inMultiLine = true
			rl.SetPrompt("... ")
			continue
		}
		if inMultiLine {
			multiLine.WriteString(line)
			line = multiLine.String()
			multiLine.Reset()
			inMultiLine = false
			rl.SetPrompt(">>> ")
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if line == "exit" || line == "quit" {
			return nil
		}

		name, callArgs, err := parseCall(line)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			continue
		}
		result, err := session.Call(context.Background(), name, callArgs...)
		fmt.Fprint(out, session.Output())
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		} else {
			fmt.Fprintln(out, formatResult(result))
		}

		if session.Exited() {
			fmt.Fprintf(os.Stderr, "program exited with code %d\n", session.ExitCode())
			return nil
		}
		if errors.Is(err, executor.ErrSessionClosed) {
			return err
		}
	}
}

// parseCall splits a REPL line into a function name and its arguments.
// Words are split the way a shell would; each argument is a JSON value if
// it parses as one and a plain string otherwise.
func parseCall(line string) (string, []any, error) {
	words, err := shellwords.Parse(line)
	if err != nil {
		return "", nil, err
	}
	if len(words) == 0 {
		return "", nil, errors.New("empty call")
	}

	args := make([]any, 0, len(words)-1)
	for _, w := range words[1:] {
		var v any
		if err := json.Unmarshal([]byte(w), &v); err == nil {
			args = append(args, v)
		} else {
			args = append(args, w)
		}
	}
	return words[0], args, nil
}

func formatResult(v any) string {
	if v == nil {
		return "undefined"
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(data)
}
