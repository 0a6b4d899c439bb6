// Package cli implements the chatsync command tree.
package cli

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/tOgg1/chatsync/internal/config"
	"github.com/tOgg1/chatsync/internal/logging"
)

const (
	ExitCodeFailure = 1
	ExitCodeUsage   = 2
)

// ExitError carries a process exit code out of a command.
type ExitError struct {
	Code    int
	Err     error
	Printed bool
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("exit %d", e.Code)
	}
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error { return e.Err }

// Exitf builds an ExitError with a formatted message.
func Exitf(code int, format string, args ...any) error {
	return &ExitError{Code: code, Err: fmt.Errorf(format, args...)}
}

func usageError(cmd *cobra.Command, msg string) error {
	return &ExitError{Code: ExitCodeUsage, Err: fmt.Errorf("%s\n\n%s", msg, cmd.UsageString())}
}

// Execute runs the root command.
func Execute(version string) error {
	return newRootCmd(version).Execute()
}

type globalFlags struct {
	configFile string
	logLevel   string
	logFormat  string
}

func newRootCmd(version string) *cobra.Command {
	flags := &globalFlags{}
	cmd := &cobra.Command{
		Use:           "chatsync",
		Short:         "Real-time chat timeline client",
		Long:          "chatsync keeps a local chat timeline in sync with a chat server over HTTP and websockets.",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       version,
	}
	pf := cmd.PersistentFlags()
	pf.StringVar(&flags.configFile, "config", "", "config file (default is $HOME/.config/chatsync/config.yaml)")
	pf.StringVar(&flags.logLevel, "log-level", "", "override logging level (trace, debug, info, warn, error)")
	pf.StringVar(&flags.logFormat, "log-format", "", "override logging format (json, console, auto)")

	cmd.AddCommand(
		newTailCmd(flags),
		newSendCmd(flags),
		newHistoryCmd(flags),
		newConfigCmd(flags),
	)
	return cmd
}

// loadConfig reads the configuration and initializes logging from it.
// The returned closer releases the log file, if any.
func loadConfig(flags *globalFlags) (*config.Config, *config.Loader, func(), error) {
	loader := config.NewLoader()
	if flags.configFile != "" {
		loader.SetConfigFile(flags.configFile)
	}
	if flags.logLevel != "" {
		loader.Set("logging.level", flags.logLevel)
	}
	if flags.logFormat != "" {
		loader.Set("logging.format", flags.logFormat)
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, nil, nil, Exitf(ExitCodeFailure, "load config: %v", err)
	}

	logCfg := logging.Config{
		Level:        cfg.Logging.Level,
		Format:       cfg.Logging.Format,
		Output:       os.Stderr,
		EnableCaller: cfg.Logging.EnableCaller,
	}
	closer := func() {}
	if cfg.Logging.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.Logging.File), 0o755); err != nil {
			return nil, nil, nil, Exitf(ExitCodeFailure, "create log directory: %v", err)
		}
		f, err := os.OpenFile(cfg.Logging.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return nil, nil, nil, Exitf(ExitCodeFailure, "open log file: %v", err)
		}
		logCfg.Output = f
		closer = func() { _ = f.Close() }
	}
	logging.Init(logCfg)
	return cfg, loader, closer, nil
}

// IsExitError reports whether err already carries an exit code.
func IsExitError(err error) (*ExitError, bool) {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr, true
	}
	return nil, false
}
