package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"github.com/zulandar/signalbox/internal/config"
	"github.com/zulandar/signalbox/internal/db"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration commands",
	}

	cmd.AddCommand(newConfigCheckCmd())
	return cmd
}

func newConfigCheckCmd() *cobra.Command {
	var (
		configPath string
		ping       bool
	)

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Validate the config file and print the resolved settings",
		Long: `Loads the config file (with environment overrides and defaults applied),
validates it, and checks the database URL with its driver. Secrets are
never printed. With --ping the database is also opened and pinged.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigCheck(cmd, configPath, ping)
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().BoolVar(&ping, "ping", false, "connect to the database and ping it")
	return cmd
}

func runConfigCheck(cmd *cobra.Command, configPath string, ping bool) error {
	out := cmd.OutOrStdout()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := db.ValidateURL(cfg.Database.URL); err != nil {
		return err
	}
	printConfig(out, cfg)

	if ping {
		gormDB, err := db.Open(cfg.Database.URL, db.PoolOptions{})
		if err != nil {
			return err
		}
		defer db.Close(gormDB)
		sqlDB, err := gormDB.DB()
		if err == nil {
			err = sqlDB.Ping()
		}
		if err != nil {
			return fmt.Errorf("ping database: %w", err)
		}
		fmt.Fprintln(out, "Database reachable")
	}

	fmt.Fprintf(out, "%s: OK\n", configPath)
	return nil
}

func printConfig(out io.Writer, cfg *config.Config) {
	dialect, _ := db.Dialect(cfg.Database.URL)
	fmt.Fprintf(out, "Platform:       %s\n", cfg.Platform)
	fmt.Fprintf(out, "Database:       %s\n", dialect)
	fmt.Fprintf(out, "Model:          %s at %s (temperature %.2f, max_tokens %d)\n",
		cfg.LLM.Model, cfg.LLM.BaseURL, cfg.LLM.Temperature, cfg.LLM.MaxTokens)
	fmt.Fprintf(out, "LLM attempts:   %d (timeout %s)\n", cfg.LLM.MaxAttempts, cfg.LLM.TotalTimeout())
	fmt.Fprintf(out, "History:        last %d messages, kept %d days\n", cfg.History.Limit, cfg.History.ExpirationDays)
	fmt.Fprintf(out, "Streaming:      edit every %s, %d chars per message\n", cfg.Stream.EditInterval(), cfg.Stream.MaxMessageLen)
	if cfg.Quota.FreeRequests > 0 {
		fmt.Fprintf(out, "Quota:          %d requests, reset %q\n", cfg.Quota.FreeRequests, cfg.Quota.ResetCron)
	} else {
		fmt.Fprintln(out, "Quota:          unlimited")
	}
	fmt.Fprintf(out, "Lock backend:   %s\n", cfg.Lock.Backend)
	if cfg.HTTP.Port > 0 {
		fmt.Fprintf(out, "Dashboard:      :%d\n", cfg.HTTP.Port)
	} else {
		fmt.Fprintln(out, "Dashboard:      disabled")
	}
}
