package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/caffeineduck/gobridge/bridge"
	"github.com/caffeineduck/gobridge/executor"
	"github.com/caffeineduck/gobridge/hostfunc"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

var rootCmd = &cobra.Command{
	Use:   "gobridge",
	Short: "Run Go WebAssembly programs without a JavaScript engine",
	Long: `gobridge - Run programs built with GOOS=js GOARCH=wasm under wazero.

The JavaScript host those programs expect is provided natively, so no
browser or Node.js is needed. By default a program has no access to the
filesystem, network, or other system resources. Enable capabilities
explicitly with flags or a gobridge.toml config file.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: setupLogging,
}

// logger is replaced with a development logger under --verbose.
var logger = zap.NewNop()

// exitError carries a program's nonzero exit code out of a command.
type exitError struct {
	code int
}

func (e exitError) Error() string { return fmt.Sprintf("exit status %d", e.code) }

func Execute() {
	err := rootCmd.Execute()
	var exit exitError
	switch {
	case errors.As(err, &exit):
		os.Exit(exit.code)
	case err != nil:
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "Config file (default: ./gobridge.toml if present)")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Log bridge and executor activity to stderr")
	rootCmd.PersistentFlags().String("log-file", "", "Also write JSON logs to this file, rotated by size")
	rootCmd.PersistentFlags().Bool("no-cache", false, "Disable compilation cache")
}

func setupLogging(cmd *cobra.Command, _ []string) error {
	verbose, _ := cmd.Flags().GetBool("verbose")
	logFile, _ := cmd.Flags().GetString("log-file")
	if !verbose && logFile == "" {
		return nil
	}
	l, err := newLogger(verbose, logFile)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	logger = l
	bridge.SetLogger(l)
	executor.SetLogger(l)
	return nil
}

// newLogger logs to stderr in development format under verbose, and as
// JSON to a size-rotated logFile when one is given.
func newLogger(verbose bool, logFile string) (*zap.Logger, error) {
	if logFile == "" {
		return zap.NewDevelopment()
	}

	level := zapcore.InfoLevel
	if verbose {
		level = zapcore.DebugLevel
	}
	file := zapcore.NewCore(
		zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()),
		zapcore.AddSync(&lumberjack.Logger{
			Filename:   logFile,
			MaxSize:    100, // MB
			MaxBackups: 3,
			MaxAge:     28, // days
		}),
		level,
	)
	if !verbose {
		return zap.New(file), nil
	}
	console := zapcore.NewCore(
		zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig()),
		zapcore.Lock(os.Stderr),
		zapcore.DebugLevel,
	)
	return zap.New(zapcore.NewTee(console, file), zap.AddCaller()), nil
}

// newExecutor builds an executor for cfg. Precompiling prog lets the
// first run or session skip compilation.
func newExecutor(cmd *cobra.Command, cfg config, prog *executor.Program, extra ...executor.ExecutorOption) (*executor.Executor, error) {
	noCache, _ := cmd.Flags().GetBool("no-cache")

	var opts []executor.ExecutorOption
	if !noCache {
		opts = append(opts, executor.WithDiskCache())
	}
	pages, err := parseMemoryLimit(cfg.Memory)
	if err != nil {
		return nil, err
	}
	if pages > 0 {
		opts = append(opts, executor.WithMemoryLimit(pages))
	}
	if prog != nil {
		opts = append(opts, executor.WithPrecompile(prog))
	}
	opts = append(opts, executor.WithLogger(logger))
	opts = append(opts, extra...)

	return executor.New(hostfunc.NewRegistry(), opts...)
}

type stringSliceValue []string

func (s *stringSliceValue) String() string { return strings.Join(*s, ",") }
func (s *stringSliceValue) Set(v string) error {
	*s = append(*s, v)
	return nil
}
func (s *stringSliceValue) Type() string { return "string" }

func parseMemoryLimit(s string) (uint32, error) {
	switch strings.ToLower(s) {
	case "":
		return 0, nil // use default
	case "16mb":
		return executor.MemoryLimit16MB, nil
	case "64mb":
		return executor.MemoryLimit64MB, nil
	case "256mb":
		return executor.MemoryLimit256MB, nil
	case "1gb":
		return executor.MemoryLimit1GB, nil
	default:
		return 0, fmt.Errorf("invalid memory limit %q (want 16mb, 64mb, 256mb or 1gb)", s)
	}
}
