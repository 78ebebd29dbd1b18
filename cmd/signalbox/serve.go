package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"github.com/zulandar/signalbox/internal/config"
	"github.com/zulandar/signalbox/internal/dashboard"
	"github.com/zulandar/signalbox/internal/db"
	"github.com/zulandar/signalbox/internal/llm"
	"github.com/zulandar/signalbox/internal/metrics"
	"github.com/zulandar/signalbox/internal/telegraph"
	discordadapter "github.com/zulandar/signalbox/internal/telegraph/discord"
	slackadapter "github.com/zulandar/signalbox/internal/telegraph/slack"
	telegramadapter "github.com/zulandar/signalbox/internal/telegraph/telegram"
	"golang.org/x/sync/errgroup"
)

func newServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the chat bot",
		Long: `Connects to the configured chat platform and answers every message with a
streamed completion. When http.port is set, the dashboard (health, metrics,
active replies and history) is served alongside the bot.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, configPath)
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}

func runServe(cmd *cobra.Command, configPath string) error {
	cfg, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}
	defer db.Close(gormDB)

	if err := db.AutoMigrate(gormDB); err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	client, err := newLLMClient(cfg, m)
	if err != nil {
		return err
	}

	adapter, err := createAdapter(cfg)
	if err != nil {
		return err
	}

	daemon, err := telegraph.NewDaemon(telegraph.DaemonOpts{
		DB:      gormDB,
		Config:  cfg,
		Adapter: adapter,
		LLM:     client,
		Metrics: m,
		Out:     cmd.OutOrStdout(),
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle OS signals for graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case sig := <-sigCh:
			fmt.Fprintf(cmd.OutOrStdout(), "\nReceived %s, shutting down...\n", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		// The dashboard has nothing to show once the bot stops.
		defer cancel()
		return daemon.Run(gctx)
	})
	if cfg.HTTP.Port > 0 {
		g.Go(func() error {
			return dashboard.Start(gctx, dashboard.StartOpts{
				DB:       gormDB,
				Sessions: daemon,
				Gatherer: reg,
				Port:     cfg.HTTP.Port,
				Out:      cmd.OutOrStdout(),
			})
		})
	}
	return g.Wait()
}

// newLLMClient builds the completion client with the configured retry
// budget. Every retry is counted.
func newLLMClient(cfg *config.Config, m *metrics.Metrics) (*llm.Client, error) {
	policy := llm.DefaultPolicy()
	policy.MaxAttempts = cfg.LLM.MaxAttempts
	policy.OnRetry = func(attempt int, err error, wait time.Duration) {
		m.LLMRetry()
		log.Printf("signalbox: llm attempt %d failed, retrying in %s: %v", attempt, wait.Round(time.Millisecond), err)
	}

	client, err := llm.New(llm.Options{
		BaseURL:        cfg.LLM.BaseURL,
		APIKey:         cfg.LLM.APIKey,
		Model:          cfg.LLM.Model,
		Temperature:    cfg.LLM.Temperature,
		MaxTokens:      cfg.LLM.MaxTokens,
		ConnectTimeout: cfg.LLM.ConnectTimeout(),
		ReadTimeout:    cfg.LLM.ReadTimeout(),
		Policy:         policy,
	})
	if err != nil {
		return nil, fmt.Errorf("llm: %w", err)
	}
	return client, nil
}

// createAdapter builds a platform adapter from the config.
func createAdapter(cfg *config.Config) (telegraph.Adapter, error) {
	switch cfg.Platform {
	case config.PlatformTelegram:
		return telegramadapter.New(telegramadapter.AdapterOpts{
			BotToken: cfg.Telegram.BotToken,
		})
	case config.PlatformDiscord:
		return discordadapter.New(discordadapter.AdapterOpts{
			BotToken:  cfg.Discord.BotToken,
			ChannelID: cfg.Discord.ChannelID,
		})
	case config.PlatformSlack:
		return slackadapter.New(slackadapter.AdapterOpts{
			AppToken:  cfg.Slack.AppToken,
			BotToken:  cfg.Slack.BotToken,
			ChannelID: cfg.Slack.ChannelID,
		})
	default:
		return nil, fmt.Errorf("signalbox: unsupported platform %q", cfg.Platform)
	}
}
