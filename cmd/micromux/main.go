// Command micromux supervises a set of local processes described by a YAML
// config file, presenting each as a PTY-backed service with health checks,
// restart policies, and dependency ordering. Grounded in the teacher's
// cmd/provisr/main.go (cobra root command, flag-struct decoupling,
// subcommands delegating into package logic).
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/loykin/micromux/internal/config"
	"github.com/loykin/micromux/internal/engine"
	"github.com/loykin/micromux/internal/graph"
	"github.com/loykin/micromux/internal/logger"
	"github.com/loykin/micromux/internal/metrics"
)

// Exit codes (spec.md §6 "Process exit codes").
const (
	exitOK        = 0
	exitConfig    = 1
	exitRuntime   = 2
	exitInterrupt = 130
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	root := newRootCommand()
	root.SetArgs(args)
	if err := root.Execute(); err != nil {
		if code, ok := err.(exitCodeError); ok {
			return int(code)
		}
		return exitRuntime
	}
	return exitOK
}

// exitCodeError lets subcommands propagate a specific process exit code
// through cobra's RunE error return.
type exitCodeError int

func (e exitCodeError) Error() string { return fmt.Sprintf("exit %d", int(e)) }

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "micromux",
		Short: "Supervise local processes in PTY-backed terminal sessions",
		Long: `micromux runs a set of services described in a YAML config file,
starting each in a pseudo-terminal, gating starts on dependency conditions,
running health checks, and restarting according to each service's policy.

Examples:
  micromux run
  micromux run --config ./micromux.yaml
  micromux validate
  micromux attach api`,
	}

	runFlags := RunFlags{}
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Load the config and supervise its services until shutdown",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRun(runFlags)
		},
	}
	runCmd.Flags().StringVar(&runFlags.ConfigPath, "config", "", "path to the YAML config file (default: discovered in the current directory)")
	runCmd.Flags().StringVar(&runFlags.LogLevel, "log-level", "info", "log level: debug, info, warn, error")
	runCmd.Flags().BoolVarP(&runFlags.Quiet, "quiet", "q", false, "suppress console logging (session log file still written)")
	root.AddCommand(runCmd)

	validateFlags := ValidateFlags{}
	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Parse the config and validate its dependency graph without running anything",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(validateFlags)
		},
	}
	validateCmd.Flags().StringVar(&validateFlags.ConfigPath, "config", "", "path to the YAML config file")
	root.AddCommand(validateCmd)

	attachFlags := AttachFlags{}
	attachCmd := &cobra.Command{
		Use:   "attach NAME",
		Short: "Attach to a running service's terminal (not yet wired to a running engine in this build)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			attachFlags.Name = args[0]
			return runAttach(attachFlags)
		},
	}
	attachCmd.Flags().StringVar(&attachFlags.ConfigPath, "config", "", "path to the YAML config file")
	root.AddCommand(attachCmd)

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintln(cmd.OutOrStdout(), version)
			return nil
		},
	})

	return root
}

// version is set at build time via -ldflags, following the teacher's
// cmd/provisr convention of a package-level override point.
var version = "dev"

func resolveConfigPath(flagPath string) (string, error) {
	if flagPath != "" {
		return flagPath, nil
	}
	cwd, err := os.Getwd()
	if err != nil {
		return "", err
	}
	found := config.Discover(cwd)
	if found == "" {
		return "", fmt.Errorf("no config file found in %s (looked for %v); pass --config", cwd, config.DiscoveryNames)
	}
	return found, nil
}

func runValidate(flags ValidateFlags) error {
	path, err := resolveConfigPath(flags.ConfigPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitCodeError(exitConfig)
	}
	res, err := config.Load(path)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitCodeError(exitConfig)
	}
	if _, err := graph.Build(res.Specs); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitCodeError(exitConfig)
	}
	for _, w := range res.Warnings {
		fmt.Fprintln(os.Stderr, "warning:", w)
	}
	fmt.Printf("%s: %d services, dependency graph OK\n", path, len(res.Specs))
	return nil
}

func runRun(flags RunFlags) error {
	path, err := resolveConfigPath(flags.ConfigPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitCodeError(exitConfig)
	}
	res, err := config.Load(path)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitCodeError(exitConfig)
	}
	g, err := graph.Build(res.Specs)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitCodeError(exitConfig)
	}
	for _, w := range res.Warnings {
		fmt.Fprintln(os.Stderr, "warning:", w)
	}

	level := parseLevel(flags.LogLevel)
	fileW, logPath, err := logger.OpenSessionFile(logger.SessionFileConfig{})
	if err != nil {
		fmt.Fprintln(os.Stderr, "warning: could not open session log:", err)
		fileW = nil
	}
	var log *slog.Logger
	if flags.Quiet {
		log = slog.New(slog.NewTextHandler(discard{}, &slog.HandlerOptions{Level: level}))
	} else {
		log = logger.New(level, fileW)
	}
	if fileW != nil {
		defer fileW.Close()
		log.Info("session log", "path", logPath)
	}

	if err := metrics.Register(nil); err != nil {
		log.Warn("metrics registration failed", "error", err)
	}

	eng := engine.New(log, res.Specs, g)

	sigCh := make(chan os.Signal, 4)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	if err := eng.Run(context.Background(), sigCh); err != nil {
		if errors.Is(err, engine.ErrForcedShutdown) || errors.Is(err, engine.ErrSignalShutdown) {
			return exitCodeError(exitInterrupt)
		}
		fmt.Fprintln(os.Stderr, err)
		return exitCodeError(exitRuntime)
	}
	return nil
}

func runAttach(flags AttachFlags) error {
	path, err := resolveConfigPath(flags.ConfigPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitCodeError(exitConfig)
	}
	res, err := config.Load(path)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitCodeError(exitConfig)
	}
	found := false
	for _, s := range res.Specs {
		if s.Name == flags.Name {
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("no service named %q in %s", flags.Name, path)
	}

	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return fmt.Errorf("attach requires an interactive terminal on stdin")
	}
	prevState, err := term.MakeRaw(fd)
	if err != nil {
		return fmt.Errorf("putting terminal into raw mode: %w", err)
	}
	defer func() { _ = term.Restore(fd, prevState) }()

	// A real attach streams CmdAttach/CmdSendInput/CmdResize over a control
	// channel to a running engine; this standalone CLI invocation has no
	// connection to one, so it only prepares the local terminal and reports
	// what's still missing rather than faking a session.
	return fmt.Errorf("attach requires connecting to a running micromux instance over its control socket, not yet wired in this build")
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }
