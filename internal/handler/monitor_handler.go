package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/middleware"
	"github.com/stemsi/exstem-proctor/internal/response"
)

const keepAliveInterval = 30 * time.Second

// LiveFeed delivers journal entries as they are recorded. *journal.Feed implements it.
type LiveFeed interface {
	Subscribe(ctx context.Context) (<-chan string, func() error, error)
}

type MonitorHandler struct {
	feed      LiveFeed
	keepAlive time.Duration
	log       zerolog.Logger
}

func NewMonitorHandler(feed LiveFeed, log zerolog.Logger) *MonitorHandler {
	return &MonitorHandler{
		feed:      feed,
		keepAlive: keepAliveInterval,
		log:       log.With().Str("component", "monitor_handler").Logger(),
	}
}

// MonitorSSE godoc
// GET /api/v1/proctor/monitor
// Streams every session's journal entries as they happen.
func (h *MonitorHandler) MonitorSSE(c *gin.Context) {
	reqCtx := c.Request.Context()

	entries, closeFeed, err := h.feed.Subscribe(reqCtx)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to subscribe to monitor feed")
		response.Fail(c, http.StatusServiceUnavailable, response.ErrInternal)
		return
	}
	defer closeFeed()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)
	c.Writer.Flush()

	keepAliveTicker := time.NewTicker(h.keepAlive)
	defer keepAliveTicker.Stop()

	proctor := 0
	if claims := middleware.GetClaims(c); claims != nil {
		proctor = claims.UserID
	}
	h.log.Info().Int("proctor_id", proctor).Msg("Proctor attached to live monitor SSE")

	// Pre-allocate a reusable ping payload (never changes)
	pingPayload, _ := json.Marshal(map[string]string{"type": "ping"})

	for {
		select {
		case <-reqCtx.Done():
			h.log.Info().Int("proctor_id", proctor).Msg("Proctor disconnected from live monitor SSE")
			return

		case msg, ok := <-entries:
			if !ok {
				h.log.Warn().Msg("Monitor feed closed")
				return
			}
			// Entries are already JSON; forward them untouched.
			writeSSE(c, "entry", []byte(msg))

		case <-keepAliveTicker.C:
			writeSSE(c, "ping", pingPayload)
		}
	}
}

func writeSSE(c *gin.Context, event string, data []byte) {
	c.Writer.Write([]byte("event: " + event + "\ndata: "))
	c.Writer.Write(data)
	c.Writer.Write([]byte("\n\n"))
	c.Writer.Flush()
}
