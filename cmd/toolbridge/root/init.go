package root

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"toolbridge/internal/config"
)

var (
	initName  string
	initRoots []string
	initForce bool
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Generate a starter config at the default location",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfgPath := flagConfig
		if cfgPath == "" {
			cfgPath = config.DefaultPath()
		}
		content, err := config.Template(initName, initRoots)
		if err != nil {
			return err
		}
		if err := os.MkdirAll(filepath.Dir(cfgPath), 0o755); err != nil {
			return err
		}
		if _, err := os.Stat(cfgPath); err == nil && !initForce {
			return fmt.Errorf("config already exists at %s (use --force to overwrite)", cfgPath)
		}
		if err := os.WriteFile(cfgPath, content, 0o644); err != nil {
			return err
		}
		logrus.WithField("path", cfgPath).Info("wrote config")
		fmt.Fprintf(cmd.OutOrStdout(), "Created %s\n", cfgPath)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(initCmd)

	initCmd.Flags().StringVar(&initName, "name", "fs-local", "Name for the filesystem provider entry")
	initCmd.Flags().StringSliceVar(&initRoots, "root", nil, "One or more roots to allow (repeat or comma-separated)")
	initCmd.Flags().BoolVar(&initForce, "force", false, "Overwrite existing config if present")
}
