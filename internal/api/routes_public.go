package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/energizer-project/photonmeter/internal/util"
)

// handlePing returns a simple health check response.
func (s *Server) handlePing(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "photonmeter",
		"version": util.Version,
	})
}

func (s *Server) handleVersion(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"version": util.Version,
		"name":    "photonmeter",
	})
}
