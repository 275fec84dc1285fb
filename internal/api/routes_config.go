package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/energizer-project/photonmeter/internal/meter"
)

func (s *Server) handleGetMeterConfig(c *gin.Context) {
	if s.deps.Settings == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "settings unavailable"})
		return
	}
	c.JSON(http.StatusOK, s.deps.Settings.GetMeter())
}

type setModeRequest struct {
	Mode meter.Mode `json:"mode" binding:"required"`
}

// handleSetMode persists a new session mode. It applies on the next start.
func (s *Server) handleSetMode(c *gin.Context) {
	if s.deps.Settings == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "settings unavailable"})
		return
	}

	var req setModeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if err := s.deps.Settings.SetMeterMode(req.Mode); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.deps.Settings.Save(); err != nil {
		log.Error().Err(err).Msg("API: failed to save config")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to save config"})
		return
	}

	log.Info().Str("mode", string(req.Mode)).Msg("API: meter mode saved")
	c.JSON(http.StatusOK, gin.H{"status": "saved", "mode": req.Mode, "applies": "next start"})
}
