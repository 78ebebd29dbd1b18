package dashboard

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/zulandar/signalbox/internal/telegraph"
	"gorm.io/gorm"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

// server holds the handlers' shared dependencies.
type server struct {
	db       *gorm.DB
	history  *telegraph.ConversationStore
	sessions SessionLister
	gatherer prometheus.Gatherer
}

// registerRoutes sets up all dashboard routes on the Gin router.
func registerRoutes(router *gin.Engine, s *server) {
	router.GET("/healthz", s.handleHealth)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))

	api := router.Group("/api")
	api.GET("/sessions", s.handleSessions)
	api.GET("/stats", s.handleStats)
	api.GET("/users/:platform/:id/history", s.handleHistory)
	api.GET("/events", s.handleSSE)
}

func (s *server) handleHealth(c *gin.Context) {
	sqlDB, err := s.db.DB()
	if err == nil {
		err = sqlDB.PingContext(c.Request.Context())
	}
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *server) snapshot() []telegraph.SessionInfo {
	if s.sessions == nil {
		return []telegraph.SessionInfo{}
	}
	sessions := s.sessions.Snapshot()
	if sessions == nil {
		sessions = []telegraph.SessionInfo{}
	}
	return sessions
}

func (s *server) handleSessions(c *gin.Context) {
	sessions := s.snapshot()
	c.JSON(http.StatusOK, gin.H{"count": len(sessions), "sessions": sessions})
}

func (s *server) handleStats(c *gin.Context) {
	stats, err := HistoryStats(c.Request.Context(), s.db)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (s *server) handleHistory(c *gin.Context) {
	limit := defaultHistoryLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	key := telegraph.UserKey{Platform: c.Param("platform"), UserID: c.Param("id")}
	entries, err := s.history.Entries(c.Request.Context(), key, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	rows := make([]HistoryRow, 0, len(entries))
	for _, e := range entries {
		rows = append(rows, HistoryRow{Role: e.Role, Content: e.Content, CreatedAt: e.CreatedAt})
	}
	c.JSON(http.StatusOK, gin.H{
		"platform": key.Platform,
		"user_id":  key.UserID,
		"messages": rows,
	})
}
