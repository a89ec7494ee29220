// Package api exposes the coordinator's admin HTTP surface (spec.md §6):
// a small set of operator-triggered endpoints around the executor,
// venue adapters and nonce diagnostics, wired with the teacher's
// gin + JWT middleware stack.
package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/maxxit-ai/coordinator/internal/events"
	"github.com/maxxit-ai/coordinator/internal/executor"
	"github.com/maxxit-ai/coordinator/internal/onchain"
	"github.com/maxxit-ai/coordinator/internal/repo"
	"github.com/maxxit-ai/coordinator/internal/signerkey"
	"github.com/maxxit-ai/coordinator/internal/venue"
)

// Server wires the admin HTTP surface around the executor and repo.
type Server struct {
	Router *gin.Engine
	Bus    *events.Bus
	Repo   *repo.Repo
	Exec   *executor.Executor

	Adapters map[repo.Venue]venue.Adapter

	// Chain is the vault-mediated venues' on-chain client, used by the
	// test-nonce diagnostic. Nil is tolerated (the endpoint reports it).
	Chain     *onchain.Client
	Keys      *signerkey.KeyStore
	JWTSecret string
}

// Config bundles Server's dependencies.
type Config struct {
	Bus       *events.Bus
	Repo      *repo.Repo
	Exec      *executor.Executor
	Adapters  map[repo.Venue]venue.Adapter
	Chain     *onchain.Client
	Keys      *signerkey.KeyStore
	JWTSecret string
}

// NewServer builds the gin engine and registers every route.
func NewServer(cfg Config) *Server {
	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(RequestLogger())
	r.Use(RateLimitMiddleware())
	r.Use(TimeoutMiddleware(30 * time.Second))
	r.Use(CORSMiddleware())

	s := &Server{
		Router:    r,
		Bus:       cfg.Bus,
		Repo:      cfg.Repo,
		Exec:      cfg.Exec,
		Adapters:  cfg.Adapters,
		Chain:     cfg.Chain,
		Keys:      cfg.Keys,
		JWTSecret: cfg.JWTSecret,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/healthz", s.health)
	s.Router.GET("/ws", s.websocket)

	auth := s.Router.Group("/auth")
	{
		auth.POST("/register", s.registerUser)
		auth.POST("/login", s.loginUser)
	}

	admin := s.Router.Group("/admin")
	admin.Use(AuthMiddleware(s.JWTSecret))
	{
		admin.POST("/execute-trade", s.executeTrade)
		admin.POST("/close-position", s.closePosition)
		admin.POST("/sync-venue-markets", s.syncVenueMarkets)
		admin.GET("/test-nonce", s.testNonce)
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Start runs the HTTP server on addr, blocking until it exits.
func (s *Server) Start(addr string) error {
	return s.Router.Run(addr)
}
