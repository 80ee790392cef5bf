package http

import (
	"context"
	"time"

	"tradeya-migration/internal/migration/domain/repository"
	"tradeya-migration/internal/shared/errors"
	"tradeya-migration/internal/shared/logger"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
)

// ProgressWSHandler streams backfill progress to operator dashboards over a
// websocket, one JSON frame per poll interval.
type ProgressWSHandler struct {
	progress repository.ProgressStore
	log      logger.Logger
	interval time.Duration
}

// NewProgressWSHandler creates a progress websocket handler.
func NewProgressWSHandler(progress repository.ProgressStore, log logger.Logger, interval time.Duration) *ProgressWSHandler {
	if interval <= 0 {
		interval = time.Second
	}
	return &ProgressWSHandler{
		progress: progress,
		log:      log.WithComponent("progress_ws"),
		interval: interval,
	}
}

// RegisterRoutes mounts the websocket endpoint at /ws/v1/progress.
func (h *ProgressWSHandler) RegisterRoutes(app *fiber.App) {
	ws := app.Group("/ws/v1")

	ws.Use("/progress", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			c.Locals("allowed", true)
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})

	ws.Get("/progress", websocket.New(h.handleConnection))
}

type progressFrame struct {
	Collection string      `json:"collection"`
	Progress   interface{} `json:"progress,omitempty"`
	Error      string      `json:"error,omitempty"`
	SentAt     time.Time   `json:"sentAt"`
}

// handleConnection polls the progress record for the requested collection and
// pushes it until the client disconnects. A read pump runs alongside so close
// frames are noticed promptly.
func (h *ProgressWSHandler) handleConnection(c *websocket.Conn) {
	collection := c.Query("collection")
	if collection == "" {
		_ = c.WriteJSON(progressFrame{Error: "collection query parameter is required", SentAt: time.Now()})
		_ = c.Close()
		return
	}

	h.log.Info("Progress stream opened", "collection", collection)
	defer h.log.Info("Progress stream closed", "collection", collection)
	defer c.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			frame := progressFrame{Collection: collection, SentAt: time.Now()}
			prog, err := h.progress.Get(context.Background(), collection)
			switch {
			case err == nil:
				frame.Progress = prog
			case errors.IsNotFound(err):
				frame.Error = "no backfill has run for this collection"
			default:
				frame.Error = err.Error()
			}
			if err := c.WriteJSON(frame); err != nil {
				return
			}
		}
	}
}
