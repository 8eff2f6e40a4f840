package cmd

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/oshokin/pybundle/internal/config"
)

var errSettingsExist = errors.New("settings file already exists (use --force to overwrite)")

func newInitCommand(configPath *string) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init [package-name]",
		Short: "Write a settings template",
		Long:  "Write a " + config.DefaultConfigFilename + " template for the package, named after the current directory by default.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := *configPath
			if path == "" {
				path = config.DefaultConfigFilename
			}

			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s: %w", path, errSettingsExist)
			}

			name, err := packageName(args)
			if err != nil {
				return err
			}

			if err = config.Save(path, config.Template(name)); err != nil {
				return err
			}

			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)

			return nil
		},
	}

	cmd.Flags().BoolVarP(&force, "force", "f", false, "overwrite an existing settings file")

	return cmd
}

func packageName(args []string) (string, error) {
	if len(args) > 0 {
		return args[0], nil
	}

	wd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("determine package name: %w", err)
	}

	return filepath.Base(wd), nil
}
