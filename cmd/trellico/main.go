// Command trellico drives coding agents from the terminal: one-shot plan
// sessions, the iteration loop over a task, and the RPC server a frontend
// attaches to.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tailored-agentic-units/trellico/kernel"
	"github.com/tailored-agentic-units/trellico/observability"
)

// options holds the persistent flags shared by every subcommand.
type options struct {
	configFile string
	workDir    string
	logFormat  string
	verbose    bool
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:           "trellico",
		Short:         "Orchestrate coding agent sessions",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&opts.configFile, "config", "c", "", "path to a JSON, YAML, or TOML config file")
	flags.StringVarP(&opts.workDir, "workdir", "w", "", "project directory (overrides config)")
	flags.StringVar(&opts.logFormat, "log-format", "", "log format: text or json (overrides config)")
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "enable verbose logging to stderr")

	root.AddCommand(
		newRunCmd(opts),
		newRalphCmd(opts),
		newTasksCmd(opts),
		newWatchCmd(opts),
		newIterationsCmd(opts),
		newPlansCmd(opts),
		newLinkCmd(opts),
		newCheckCmd(opts),
		newServeCmd(opts),
	)
	return root
}

// loadConfig reads the config file, when given, and applies flag overrides.
func (o *options) loadConfig() (*kernel.Config, error) {
	cfg := kernel.DefaultConfig()
	if o.configFile != "" {
		loaded, err := kernel.LoadConfig(o.configFile)
		if err != nil {
			return nil, err
		}
		cfg = *loaded
	}
	if o.workDir != "" {
		cfg.WorkDir = o.workDir
	}
	wd, err := filepath.Abs(cfg.WorkDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve work dir: %w", err)
	}
	cfg.WorkDir = wd
	if o.logFormat != "" {
		cfg.LogFormat = o.logFormat
	}
	if o.verbose {
		cfg.LogLevel = "verbose"
	}
	return &cfg, nil
}

// setupLogging installs the stderr logger as the default and as the "slog"
// observer that config observer lists resolve to.
func setupLogging(cfg *kernel.Config) error {
	level, err := observability.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	logger := observability.NewLogger(os.Stderr, cfg.LogFormat, level)
	slog.SetDefault(logger)
	observability.RegisterObserver("slog", observability.NewSlogObserver(logger).WithMinLevel(level))
	return nil
}

// open loads config and builds a kernel from it.
func (o *options) open(edit func(*kernel.Config)) (*kernel.Kernel, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, err
	}
	if edit != nil {
		edit(cfg)
	}
	if err := setupLogging(cfg); err != nil {
		return nil, err
	}
	return kernel.New(cfg)
}

// background runs the kernel's dispatch loop until the returned stop is
// called.
func background(ctx context.Context, k *kernel.Kernel) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := k.Run(ctx); err != nil {
			fmt.Fprintln(os.Stderr, "dispatch:", err)
		}
	}()
	return func() {
		cancel()
		<-done
	}
}
