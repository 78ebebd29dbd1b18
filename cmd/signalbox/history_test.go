package main

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/zulandar/signalbox/internal/db"
	"github.com/zulandar/signalbox/internal/models"
	"github.com/zulandar/signalbox/internal/telegraph"
)

// seed migrates the config's database and stores a short exchange for
// telegram user 100 plus one stale message.
func seed(t *testing.T, path string) {
	t.Helper()
	_, gormDB, err := connectFromConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close(gormDB)
	if err := db.AutoMigrate(gormDB); err != nil {
		t.Fatal(err)
	}
	store, err := telegraph.NewConversationStore(telegraph.ConversationStoreOpts{DB: gormDB})
	if err != nil {
		t.Fatal(err)
	}
	key := telegraph.UserKey{Platform: "telegram", UserID: "100"}
	store.Append(context.Background(), key, "user", "What is Go?")
	store.Append(context.Background(), key, "assistant", "A language.\nStatically typed.")
	gormDB.Create(&models.Conversation{
		Platform: "telegram", UserID: "200", Role: "user", Content: "old",
		CreatedAt: time.Now().Add(-30 * 24 * time.Hour),
	})
}

func TestHistoryCmd_HasSubcommands(t *testing.T) {
	cmd := newHistoryCmd()
	subs := make(map[string]bool)
	for _, c := range cmd.Commands() {
		subs[c.Name()] = true
	}
	for _, expected := range []string{"show", "clear", "prune"} {
		if !subs[expected] {
			t.Errorf("expected subcommand %q", expected)
		}
	}
}

func TestHistoryShow(t *testing.T) {
	path := writeConfig(t, "")
	seed(t, path)

	out, err := run(t, "history", "show", "telegram", "100", "-c", path)
	if err != nil {
		t.Fatalf("show: %v\n%s", err, out)
	}
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 2 {
		t.Fatalf("lines = %d, want 2:\n%s", len(lines), out)
	}
	if !strings.Contains(lines[0], "user") || !strings.Contains(lines[0], "What is Go?") {
		t.Errorf("line 0 = %q", lines[0])
	}
	if !strings.Contains(lines[1], "A language. Statically typed.") {
		t.Errorf("line 1 = %q, want flattened newlines", lines[1])
	}

	out, err = run(t, "history", "show", "telegram", "999", "-c", path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "No stored messages for telegram/999") {
		t.Errorf("output = %q", out)
	}
}

func TestHistoryShow_RequiresArgs(t *testing.T) {
	if _, err := run(t, "history", "show", "telegram"); err == nil {
		t.Error("expected error for missing user id")
	}
}

func TestHistoryClear(t *testing.T) {
	path := writeConfig(t, "")
	seed(t, path)

	out, err := run(t, "history", "clear", "telegram", "100", "-c", path)
	if err != nil {
		t.Fatalf("clear: %v", err)
	}
	if !strings.Contains(out, "Deleted 2 messages for telegram/100") {
		t.Errorf("output = %q", out)
	}
}

func TestHistoryPrune(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"config window", nil, "Pruned 1 messages older than 168h0m0s"},
		{"flag window", []string{"--older-than", "1h"}, "Pruned 1 messages older than 1h0m0s"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, "")
			seed(t, path)
			args := append([]string{"history", "prune", "-c", path}, tt.args...)
			out, err := run(t, args...)
			if err != nil {
				t.Fatalf("prune: %v", err)
			}
			if !strings.Contains(out, tt.want) {
				t.Errorf("output = %q, want to contain %q", out, tt.want)
			}
		})
	}
}

func TestOneLine(t *testing.T) {
	tests := []struct {
		in    string
		width int
		want  string
	}{
		{"short", 10, "short"},
		{"a\n\nb  c", 10, "a b c"},
		{"héllo wörld", 6, "héllo…"},
	}
	for _, tt := range tests {
		if got := oneLine(tt.in, tt.width); got != tt.want {
			t.Errorf("oneLine(%q, %d) = %q, want %q", tt.in, tt.width, got, tt.want)
		}
	}
}
