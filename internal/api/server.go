package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/energizer-project/photonmeter/internal/config"
	"github.com/energizer-project/photonmeter/internal/engine"
	"github.com/energizer-project/photonmeter/internal/health"
	"github.com/energizer-project/photonmeter/internal/identity"
	"github.com/energizer-project/photonmeter/internal/meter"
)

// Reader is the read model the API serves.
type Reader interface {
	Snapshot() (meter.Snapshot, bool)
	History(limit int) []meter.HistoryEntry
	Identity() identity.View
	Health(now time.Time) health.Report
}

// Controller accepts operator commands. It is nil for replays.
type Controller interface {
	Submit(cmd engine.Command) bool
}

// HistoryStore serves persisted history beyond what the read model keeps.
type HistoryStore interface {
	Recent(limit int) ([]meter.HistoryEntry, error)
}

// Settings exposes the persisted meter settings.
type Settings interface {
	GetMeter() config.MeterConfig
	SetMeterMode(mode meter.Mode) error
	Save() error
}

// Deps are the server's collaborators. Only Reader is required.
type Deps struct {
	Reader     Reader
	Controller Controller
	Store      HistoryStore
	Settings   Settings
	Stream     *Stream
}

// Server is the REST API server.
type Server struct {
	cfg  config.APIConfig
	deps Deps

	httpServer *http.Server
	router     *gin.Engine
}

// NewServer creates a new API server.
func NewServer(cfg config.APIConfig, deps Deps, debug bool) *Server {
	if debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{cfg: cfg, deps: deps}
	s.router = s.buildRouter()
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Addr returns the configured listen address.
func (s *Server) Addr() string {
	return net.JoinHostPort(s.cfg.Host, fmt.Sprint(s.cfg.Port))
}

// Start listens on the configured address and serves until ctx is
// cancelled.
func (s *Server) Start(ctx context.Context) error {
	addr := s.Addr()
	s.httpServer = &http.Server{
		Addr:        addr,
		Handler:     s.router,
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 120 * time.Second,
	}

	// SO_REUSEADDR allows immediate rebinding after a restart
	lc := reuseAddrListenConfig()
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("API server error: %w", err)
	}

	log.Info().Str("addr", addr).Msg("REST API server starting")

	go func() {
		<-ctx.Done()
		s.Stop()
	}()

	if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("API server error: %w", err)
	}
	return nil
}

// buildRouter creates the Gin router with all routes and middleware.
func (s *Server) buildRouter() *gin.Engine {
	router := gin.New()

	router.Use(gin.Recovery())
	router.Use(RequestLogger())
	router.Use(SecurityHeaders())

	allowedOrigins := s.cfg.AllowedOrigins
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	router.Use(cors.New(cors.Config{
		AllowOrigins:     allowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: false, // Must be false when AllowOrigins is "*"
		MaxAge:           12 * time.Hour,
	}))

	router.Use(NewRateLimiter(s.cfg.RateLimitRPS).Middleware())

	api := router.Group("/api")
	{
		api.GET("/ping", s.handlePing)
		api.GET("/version", s.handleVersion)

		api.GET("/snapshot", s.handleSnapshot)
		api.GET("/history", s.handleHistory)
		api.GET("/identity", s.handleIdentity)
		api.GET("/health", s.handleHealth)
		api.GET("/system", s.handleSystem)

		api.POST("/session/toggle", s.handleCommand(engine.CommandToggle))
		api.POST("/session/end", s.handleCommand(engine.CommandEnd))
		api.POST("/session/reset", s.handleCommand(engine.CommandReset))

		api.GET("/config/meter", s.handleGetMeterConfig)
		api.POST("/config/mode", s.handleSetMode)

		if s.deps.Stream != nil {
			api.GET("/ws", s.deps.Stream.Handle)
		}
	}

	router.NoRoute(func(c *gin.Context) {
		if strings.HasPrefix(c.Request.URL.Path, "/api/") {
			c.JSON(http.StatusNotFound, gin.H{"error": "endpoint not found"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": "photonmeter API is running"})
	})

	return router
}

// Stop gracefully stops the API server.
func (s *Server) Stop() error {
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}
