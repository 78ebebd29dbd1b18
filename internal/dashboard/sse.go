package dashboard

import (
	"encoding/json"
	"fmt"
	"io"
	"slices"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/signalbox/internal/telegraph"
)

// Poll and heartbeat cadence for /api/events. Tests shorten them.
var (
	ssePollInterval = 2 * time.Second
	sseHeartbeat    = 15 * time.Second
)

// sessionsEvent is sent whenever the set of in-flight replies changes.
type sessionsEvent struct {
	Count    int                     `json:"count"`
	Sessions []telegraph.SessionInfo `json:"sessions"`
}

// handleSSE streams the in-flight reply set, pushing an event when it
// changes and a heartbeat otherwise.
func (s *server) handleSSE(c *gin.Context) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	writeSSE(c.Writer, "connected", map[string]string{"type": "connected"})
	last := s.snapshot()
	writeSSE(c.Writer, "sessions", sessionsEvent{Count: len(last), Sessions: last})
	c.Writer.Flush()

	ctx := c.Request.Context()
	ticker := time.NewTicker(ssePollInterval)
	heartbeat := time.NewTicker(sseHeartbeat)
	defer ticker.Stop()
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			writeSSE(c.Writer, "heartbeat", map[string]string{
				"timestamp": time.Now().UTC().Format(time.RFC3339),
			})
			c.Writer.Flush()
		case <-ticker.C:
			cur := s.snapshot()
			if sameTokens(last, cur) {
				continue
			}
			last = cur
			writeSSE(c.Writer, "sessions", sessionsEvent{Count: len(cur), Sessions: cur})
			c.Writer.Flush()
		}
	}
}

// sameTokens compares two snapshots by lease token.
func sameTokens(a, b []telegraph.SessionInfo) bool {
	tokens := func(s []telegraph.SessionInfo) []string {
		out := make([]string, len(s))
		for i, si := range s {
			out[i] = si.Token
		}
		slices.Sort(out)
		return out
	}
	return slices.Equal(tokens(a), tokens(b))
}

// writeSSE writes a single SSE event to the writer.
func writeSSE(w io.Writer, event string, data any) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, string(jsonData))
}
