package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/energizer-project/photonmeter/internal/health"
	"github.com/energizer-project/photonmeter/internal/util"
)

const maxHistoryLimit = 500

// handleSnapshot returns the latest rolling meter snapshot.
func (s *Server) handleSnapshot(c *gin.Context) {
	snap, ok := s.deps.Reader.Snapshot()
	if !ok {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no snapshot yet"})
		return
	}
	c.JSON(http.StatusOK, snap)
}

// handleHistory returns archived encounters, most recent first. With
// source=store it reads the persisted history.
func (s *Server) handleHistory(c *gin.Context) {
	limit := 20
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	if c.Query("source") == "store" {
		if s.deps.Store == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "history storage disabled"})
			return
		}
		entries, err := s.deps.Store.Recent(limit)
		if err != nil {
			log.Error().Err(err).Msg("API: history query failed")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "history query failed"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"entries": entries, "count": len(entries)})
		return
	}

	entries := s.deps.Reader.History(limit)
	c.JSON(http.StatusOK, gin.H{"entries": entries, "count": len(entries)})
}

func (s *Server) handleIdentity(c *gin.Context) {
	c.JSON(http.StatusOK, s.deps.Reader.Identity())
}

// handleHealth returns decode health. It answers 503 while degraded so
// monitors can alert on it.
func (s *Server) handleHealth(c *gin.Context) {
	report := s.deps.Reader.Health(time.Now())
	status := http.StatusOK
	if report.Status == health.StatusDegraded {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, report)
}

// handleSystem returns host information and memory usage.
func (s *Server) handleSystem(c *gin.Context) {
	resp := gin.H{"system": util.GetSystemInfo()}
	if memUsage, err := util.GetMemoryUsage(); err == nil {
		resp["memory"] = memUsage
	}
	c.JSON(http.StatusOK, resp)
}
