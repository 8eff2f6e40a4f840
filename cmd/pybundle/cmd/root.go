package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/oshokin/pybundle/internal/config"
	"github.com/oshokin/pybundle/internal/logger"
	"github.com/oshokin/pybundle/internal/service/packager"
	"github.com/oshokin/pybundle/internal/version"
)

// NewRootCommand builds the pybundle command tree. Running it without a
// subcommand packages the application.
func NewRootCommand() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:   "pybundle",
		Short: "Package a Python application and its dependencies for AWS Lambda or Elastic Beanstalk",
		Long: "pybundle resolves the dependencies installed in the local environment, selects pre-built " +
			"artifacts for the target runtime and writes a deployable zip archive.",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runPackage(cmd, configPath)
		},
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to settings file (default "+config.DefaultConfigFilename+")")
	config.RegisterFlags(root.Flags())

	packageCmd := &cobra.Command{
		Use:   "package",
		Short: "Build the deployment archive",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runPackage(cmd, configPath)
		},
	}

	config.RegisterFlags(packageCmd.Flags())

	root.AddCommand(packageCmd, newInitCommand(&configPath))
	version.AttachCobraVersionCommand(root)

	return root
}

// Execute runs the pybundle CLI and exits with non-zero status on error.
func Execute() {
	// Setup graceful shutdown handling.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)

	err := NewRootCommand().ExecuteContext(ctx)

	stop()

	if code := exitCode(ctx, err); code != 0 {
		os.Exit(code)
	}
}

// exitCode logs a failed run and flushes the logger before the process exits.
func exitCode(ctx context.Context, err error) int {
	code := 0
	if err != nil {
		logger.ErrorKV(ctx, "pybundle failed", "error", err)

		code = 1
	}

	logger.Sync(ctx)

	return code
}

func runPackage(cmd *cobra.Command, configPath string) error {
	cfg, err := config.Load(configPath, cmd.Flags())
	if err != nil {
		return err
	}

	if level, ok := logger.ParseLogLevel(cfg.LogLevel); ok {
		logger.SetLevel(level)
	}

	result, err := packager.Run(cmd.Context(), &packager.Options{Config: cfg})
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	_, _ = fmt.Fprintf(out, "archive: %s\n", result.Archive)
	_, _ = fmt.Fprintf(out, "handler: %s\n", result.Handler)
	_, _ = fmt.Fprintf(out, "sha512:  %s\n", result.Checksum)

	return nil
}
