package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/zulandar/signalbox/internal/db"
	"github.com/zulandar/signalbox/internal/telegraph"
)

func newHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Inspect and manage stored conversations",
	}

	cmd.AddCommand(newHistoryShowCmd())
	cmd.AddCommand(newHistoryClearCmd())
	cmd.AddCommand(newHistoryPruneCmd())
	return cmd
}

func newHistoryShowCmd() *cobra.Command {
	var (
		configPath string
		limit      int
	)

	cmd := &cobra.Command{
		Use:   "show <platform> <user-id>",
		Short: "Print a user's stored messages, oldest first",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHistoryShow(cmd, configPath, telegraph.UserKey{Platform: args[0], UserID: args[1]}, limit)
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of most recent messages to show (0 for all)")
	return cmd
}

func newHistoryClearCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "clear <platform> <user-id>",
		Short: "Delete a user's stored messages",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHistoryClear(cmd, configPath, telegraph.UserKey{Platform: args[0], UserID: args[1]})
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}

func newHistoryPruneCmd() *cobra.Command {
	var (
		configPath string
		olderThan  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete messages older than the retention window",
		Long: `Deletes every stored message older than --older-than. Without the flag the
window is history.expiration_days from the config file.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHistoryPrune(cmd, configPath, olderThan)
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "retention window, e.g. 168h")
	return cmd
}

// openHistory connects and returns the store plus a cleanup func.
func openHistory(configPath string) (*telegraph.ConversationStore, time.Duration, func(), error) {
	cfg, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return nil, 0, nil, err
	}
	store, err := telegraph.NewConversationStore(telegraph.ConversationStoreOpts{
		DB:        gormDB,
		MaxStored: cfg.History.MaxStored,
	})
	if err != nil {
		db.Close(gormDB)
		return nil, 0, nil, err
	}
	return store, cfg.History.Expiration(), func() { db.Close(gormDB) }, nil
}

func runHistoryShow(cmd *cobra.Command, configPath string, key telegraph.UserKey, limit int) error {
	store, _, closeDB, err := openHistory(configPath)
	if err != nil {
		return err
	}
	defer closeDB()

	entries, err := store.Entries(context.Background(), key, limit)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(entries) == 0 {
		fmt.Fprintf(out, "No stored messages for %s/%s\n", key.Platform, key.UserID)
		return nil
	}
	for _, e := range entries {
		fmt.Fprintf(out, "[%s] %-9s %s\n", e.CreatedAt.Local().Format("2006-01-02 15:04:05"), e.Role, oneLine(e.Content, 120))
	}
	return nil
}

func runHistoryClear(cmd *cobra.Command, configPath string, key telegraph.UserKey) error {
	store, _, closeDB, err := openHistory(configPath)
	if err != nil {
		return err
	}
	defer closeDB()

	n, err := store.Clear(context.Background(), key)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d messages for %s/%s\n", n, key.Platform, key.UserID)
	return nil
}

func runHistoryPrune(cmd *cobra.Command, configPath string, olderThan time.Duration) error {
	store, expiration, closeDB, err := openHistory(configPath)
	if err != nil {
		return err
	}
	defer closeDB()

	if olderThan <= 0 {
		olderThan = expiration
	}
	if olderThan <= 0 {
		return fmt.Errorf("history: no retention window (set --older-than or history.expiration_days)")
	}
	n, err := store.PruneBefore(context.Background(), time.Now().Add(-olderThan))
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Pruned %d messages older than %s\n", n, olderThan)
	return nil
}

// oneLine flattens newlines and truncates s to width runes.
func oneLine(s string, width int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= width {
		return s
	}
	return string(r[:width-1]) + "…"
}
