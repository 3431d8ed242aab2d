package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Progress frames carry no secrets and the job id is unguessable.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleJobSocket streams job snapshots over a websocket until the job
// reaches a terminal status or the client goes away.
func (h *Handler) handleJobSocket(c *gin.Context) {
	id := c.Param("jobId")
	j, found := h.store.Get(id)
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "Job not found"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Warn().Err(err).Str("ID", id).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	updates, cancel := h.hub.Subscribe(id)
	defer cancel()

	// Drain client frames so close messages are processed.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				cancel()
				return
			}
		}
	}()

	if err := conn.WriteJSON(j); err != nil {
		return
	}
	if j.Status.Terminal() {
		return
	}

	for snap := range updates {
		if err := conn.WriteJSON(snap); err != nil {
			log.Debug().Err(err).Str("ID", id).Msg("websocket write failed")
			return
		}
		if snap.Status.Terminal() {
			return
		}
	}
}
