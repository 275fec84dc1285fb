package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/energizer-project/photonmeter/internal/engine"
)

// handleCommand queues an operator command for the engine.
func (s *Server) handleCommand(cmd engine.Command) gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.deps.Controller == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no live session"})
			return
		}
		if !s.deps.Controller.Submit(cmd) {
			c.JSON(http.StatusTooManyRequests, gin.H{"error": "command queue full"})
			return
		}

		log.Info().
			Str("command", string(cmd)).
			Str("client_ip", c.ClientIP()).
			Msg("API: command queued")

		c.JSON(http.StatusAccepted, gin.H{"status": "queued", "command": cmd})
	}
}
