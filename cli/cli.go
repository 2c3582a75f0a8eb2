// Package cli implements the signflow command line.
package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/georgepadayatti/signflow/config"
	"github.com/georgepadayatti/signflow/logging"
)

// Version information
var (
	Version   = "dev"
	BuildTime = "unknown"
)

// osExit is a variable for os.Exit to allow testing
var osExit = os.Exit

// rootOptions are the flags shared by every command.
type rootOptions struct {
	configPath string
	logLevel   string
	logFormat  string
}

// loadConfig reads the configuration file, with flag overrides for
// logging.
func (o *rootOptions) loadConfig() (*config.AppConfig, error) {
	if o.configPath == "" {
		return nil, fmt.Errorf("--config is required")
	}
	cfg, err := config.LoadConfig(o.configPath)
	if err != nil {
		return nil, err
	}
	if o.logLevel != "" {
		cfg.Logging.Level = o.logLevel
	}
	if o.logFormat != "" {
		cfg.Logging.Format = o.logFormat
	}
	return cfg, nil
}

// logger builds a logger from flags alone, for commands without a
// configuration file.
func (o *rootOptions) logger(w io.Writer) *slog.Logger {
	return logging.NewWithWriter(config.LoggingConfig{Level: o.logLevel, Format: o.logFormat}, w)
}

// NewRootCommand returns the signflow command tree.
func NewRootCommand() *cobra.Command {
	ro := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "signflow",
		Short:         "Multi-party remote PDF signing service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&ro.configPath, "config", "c", "", "Path to the YAML configuration file")
	cmd.PersistentFlags().StringVar(&ro.logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().StringVar(&ro.logFormat, "log-format", "", "Log format (text, json)")

	cmd.AddCommand(
		newServeCommand(ro),
		newReconcileCommand(ro),
		newPreviewCommand(ro),
		newFieldsCommand(),
		newVersionCommand(),
	)
	return cmd
}

// Run executes the CLI with the given arguments, without the program name.
func Run(ctx context.Context, args []string) {
	cmd := NewRootCommand()
	cmd.SetArgs(args)
	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		osExit(1)
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "signflow version %s\n", Version)
			fmt.Fprintf(cmd.OutOrStdout(), "Build time: %s\n", BuildTime)
		},
	}
}
