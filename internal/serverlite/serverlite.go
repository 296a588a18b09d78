// Package serverlite is a lightweight in-memory upstream used by end-to-end
// tests and local demos of the gateway.
package serverlite

import (
	"context"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"

	"github.com/turtacn/ratelimit-gateway/pkg/constants"
)

// Server answers every request with a JSON echo and counts hits per route.
type Server struct {
	HttpServer *http.Server

	mu   sync.Mutex
	hits map[string]int
}

// NewServer creates and configures a new server.
func NewServer(addr string) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	s := &Server{hits: make(map[string]int)}

	router.GET("/health", s.healthCheck)
	router.Any(constants.DefaultPolicyProbePath, s.echo)
	router.NoRoute(s.echo)

	s.HttpServer = &http.Server{
		Addr:    addr,
		Handler: router,
	}
	return s
}

// Handler returns the router, for use with httptest.
func (s *Server) Handler() http.Handler {
	return s.HttpServer.Handler
}

// Start runs the server in a goroutine.
func (s *Server) Start() {
	go func() {
		if err := s.HttpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			panic(err)
		}
	}()
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	return s.HttpServer.Shutdown(ctx)
}

// Hits returns how many requests reached "METHOD path".
func (s *Server) Hits(method, path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits[method+" "+path]
}

func (s *Server) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) echo(c *gin.Context) {
	s.mu.Lock()
	s.hits[c.Request.Method+" "+c.Request.URL.Path]++
	s.mu.Unlock()

	c.JSON(http.StatusOK, gin.H{
		"method":     c.Request.Method,
		"path":       c.Request.URL.Path,
		"request_id": c.GetHeader(constants.HeaderRequestID),
		"api_key":    c.GetHeader(constants.DefaultAPIKeyHeader) != "",
	})
}
