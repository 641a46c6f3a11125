package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/mpataki/testorch/internal/config"
)

type rootFlags struct {
	configPath string
	dataDir    string
	logLevel   string
	envFile    string
}

func (f *rootFlags) loadOptions() config.LoadOptions {
	opts := config.LoadOptions{ConfigPath: f.configPath, Overrides: map[string]any{}}
	if f.dataDir != "" {
		opts.Overrides["data_dir"] = f.dataDir
	}
	if f.logLevel != "" {
		opts.Overrides["log.level"] = f.logLevel
	}
	return opts
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	flags := &rootFlags{}
	rootCmd := &cobra.Command{
		Use:           "testorch",
		Short:         "API test orchestration engine",
		Long:          "testorch generates, runs and heals API test suites through pluggable agents.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadEnvFile(flags.envFile)
		},
	}
	rootCmd.PersistentFlags().StringVar(&flags.configPath, "config", "", "Config file (default $data_dir/config.toml)")
	rootCmd.PersistentFlags().StringVar(&flags.dataDir, "data-dir", "", "Data directory (default ~/.testorch)")
	rootCmd.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&flags.envFile, "env-file", ".env", "Dotenv file loaded before config")

	rootCmd.AddCommand(newServeCommand(flags))
	rootCmd.AddCommand(newIngestCommand(flags))
	rootCmd.AddCommand(newGenerateCommand(flags))
	rootCmd.AddCommand(newRunCommand(flags))
	rootCmd.AddCommand(newHealCommand(flags))
	rootCmd.AddCommand(newCycleCommand(flags))
	rootCmd.AddCommand(newHistoryCommand(flags))
	rootCmd.AddCommand(newStatsCommand(flags))
	rootCmd.AddCommand(newStatusCommand(flags))
	rootCmd.AddCommand(newRecoverCommand(flags))
	rootCmd.AddCommand(newConfigCommand(flags))

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, errorStyle.Render("error:"), err)
		os.Exit(1)
	}
}

// loadEnvFile loads path into the environment without overriding variables
// already set. A missing file is not an error.
func loadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

// withApp opens the app for one command and closes it afterwards.
func withApp(cmd *cobra.Command, flags *rootFlags, fn func(*app) error) error {
	a, err := openApp(cmd.Context(), flags)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}
