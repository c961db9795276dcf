package main

import (
	"context"
	"io"
	"time"

	"github.com/caffeineduck/gobridge/executor"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run program.wasm [-- args...]",
	Short: "Run a program to completion",
	Long: `Run a GOOS=js GOARCH=wasm program until it exits.

Arguments after the program are passed to it as os.Args[1:]. Stdin and
stdout are connected to the program, and its exit code becomes the exit
code of gobridge.

  gobridge run hello.wasm
  gobridge run --mount /data:./input:ro tool.wasm -- -v /data/in.txt
  echo hi | gobridge run cat.wasm`,
	Args: cobra.MinimumNArgs(1),
	RunE: runRun,
}

func init() {
	addSessionFlags(runCmd)
	rootCmd.AddCommand(runCmd)
}

func addSessionFlags(cmd *cobra.Command) {
	cmd.Flags().Duration("timeout", 30*time.Second, "Execution timeout (0 disables)")
	cmd.Flags().Bool("kv", false, "Enable key-value store")
	cmd.Flags().StringSlice("allow-host", nil, "Allow HTTP to host (repeatable)")
	cmd.Flags().StringSlice("mount", nil, "Mount filesystem virtual:host:mode (repeatable)")
	cmd.Flags().Var(new(stringSliceValue), "env", "Set environment variable KEY=VALUE (repeatable)")
	cmd.Flags().String("workdir", "", "Working directory inside the program (default /)")
	cmd.Flags().String("memory", "256mb", "Memory limit: 16mb, 64mb, 256mb, 1gb")

	// Security limits
	cmd.Flags().Int("http-max-url", 8192, "Max HTTP URL length")
	cmd.Flags().Int64("http-max-body", 1024*1024, "Max HTTP response body size")
	cmd.Flags().Int64("fs-max-file", 10*1024*1024, "Max file read size")
	cmd.Flags().Int64("fs-max-write", 10*1024*1024, "Max file write size")
	cmd.Flags().Int("fs-max-path", 4096, "Max path length")
}

// loadSettings merges the config file with the flags set on cmd.
func loadSettings(cmd *cobra.Command) (config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := loadConfig(path)
	if err != nil {
		return config{}, err
	}
	if err := mergeFlags(cmd.Flags(), &cfg); err != nil {
		return config{}, err
	}
	return cfg, nil
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadSettings(cmd)
	if err != nil {
		return err
	}
	if len(args) > 1 {
		cfg.Args = args[1:]
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

	code, err := runProgram(cmd.Context(), exec, prog, cfg, cmd.InOrStdin(), cmd.OutOrStdout())
	if err != nil {
		return err
	}
	if code != 0 {
		return exitError{code: code}
	}
	return nil
}

// runProgram runs prog with stdio attached and returns its exit code.
func runProgram(ctx context.Context, exec *executor.Executor, prog *executor.Program, cfg config, stdin io.Reader, stdout io.Writer) (int, error) {
	opts, err := cfg.runOptions()
	if err != nil {
		return 0, err
	}
	opts = append(opts, executor.WithStdin(stdin), executor.WithOutput(stdout))

	if ctx == nil {
		ctx = context.Background()
	}
	result := exec.Run(ctx, prog, opts...)
	if result.Error != nil {
		return 0, result.Error
	}
	return result.ExitCode, nil
}
