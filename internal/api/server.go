package api

import (
	"context"
	"log"
	"net/http"
	"time"

	"flock-sim/internal/sim"

	"github.com/go-chi/chi/v5"
)

// ServerConfig configures NewServer.
type ServerConfig struct {
	RateLimit       RateLimitConfig
	CORSOrigins     []string
	AdminToken      string
	MaxSpawnPerCall int
	BroadcastHz     int
}

// Server is the HTTP API server with WebSocket support.
// It combines the HTTP router with WebSocket hub for real-time updates.
type Server struct {
	engine      *sim.Engine
	cfg         ServerConfig
	router      *chi.Mux
	wsHub       *WebSocketHub
	rateLimiter *IPRateLimiter
	httpServer  *http.Server
}

// NewServer creates a new API server.
//
// Background workers do NOT start until Start() is called, so the server
// can be constructed in tests without opening listeners.
func NewServer(engine *sim.Engine, cfg ServerConfig) *Server {
	s := &Server{
		engine:      engine,
		cfg:         cfg,
		wsHub:       NewWebSocketHub(cfg.CORSOrigins),
		rateLimiter: NewIPRateLimiter(cfg.RateLimit),
	}

	s.router = NewRouter(RouterConfig{
		Engine:          engine,
		RateLimiter:     s.rateLimiter,
		CORSOrigins:     cfg.CORSOrigins,
		AdminToken:      cfg.AdminToken,
		MaxSpawnPerCall: cfg.MaxSpawnPerCall,
	})

	// The WebSocket route needs the hub, so it is added here rather than in
	// NewRouter.
	s.router.Get("/ws", s.wsHub.HandleWebSocket)

	return s
}

// Start starts the broadcast loop and serves HTTP on addr. It blocks until
// the server stops; after Shutdown it returns nil.
func (s *Server) Start(addr string) error {
	s.wsHub.StartBroadcastLoop(s.engine, s.cfg.BroadcastHz)

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	log.Printf("🌐 API server starting on %s", addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Router returns the HTTP handler for use with httptest.
func (s *Server) Router() http.Handler {
	return s.router
}

// Hub returns the WebSocket hub.
func (s *Server) Hub() *WebSocketHub {
	return s.wsHub
}

// Shutdown drains HTTP requests, disconnects WebSocket clients and stops
// background workers.
func (s *Server) Shutdown(ctx context.Context) error {
	s.wsHub.Close()
	s.rateLimiter.Stop()
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
