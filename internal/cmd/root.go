package cmd

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/dimpart/tarsier/internal/config"
	"github.com/spf13/cobra"
)

var (
	sessionDir string
	configPath string
	verbose    bool
	useYAML    bool

	// cfg is loaded by the root command before any subcommand runs.
	cfg config.Config
)

var rootCmd = &cobra.Command{
	Use:   "tarsier",
	Short: "Push registration, token reporting and badge sync for DIM clients",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if verbose {
			slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})))
		}
		loaded, err := loadConfig(cmd.Flags().Changed("session-dir"))
		if err != nil {
			return err
		}
		cfg = loaded
		return nil
	},
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&sessionDir, "session-dir", config.DefaultSessionDir(), "Directory for push credentials and badge state")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default <session-dir>/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&useYAML, "yaml", false, "Print output in YAML format")

	// Allow env override
	if envDir := os.Getenv("TARSIER_SESSION_DIR"); envDir != "" {
		sessionDir = envDir
	}
}

// loadConfig loads the config file and environment. The default config
// path may be absent; an explicit --config must exist. An explicit
// --session-dir wins over both.
func loadConfig(sessionDirFlag bool) (config.Config, error) {
	path := configPath
	if path == "" {
		path = filepath.Join(sessionDir, config.FileName)
	}
	c, err := config.Load(path)
	if err != nil && configPath == "" && errors.Is(err, fs.ErrNotExist) {
		c, err = config.Load("")
	}
	if err != nil {
		return c, err
	}
	if sessionDirFlag || c.SessionDir == config.DefaultSessionDir() {
		c.SessionDir = sessionDir
	} else {
		sessionDir = c.SessionDir
	}
	if err := c.Validate(); err != nil {
		return c, fmt.Errorf("after flags: %w", err)
	}
	return c, nil
}

// SetVersion sets the version string shown by --version.
func SetVersion(v string) {
	rootCmd.Version = v
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
