// Package devserver is a self-contained development implementation of the
// DataMind API: cookie sessions with renewal, the chat endpoints and live
// channel, dashboards and alert notifications, all held in memory.
package devserver

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/datamind/internal/chat"
	"github.com/zulandar/datamind/internal/notify"
)

// Demo credentials accepted when StartOpts leaves them empty.
const (
	DefaultEmail    = "demo@datamind.dev"
	DefaultPassword = "demo"
)

// StartOpts holds configuration for the development server.
type StartOpts struct {
	Port       int
	Out        io.Writer
	Secret     string
	AccessTTL  time.Duration
	RefreshTTL time.Duration
	Email      string
	Password   string
	// StreamDelay is the pause between streamed chunks on the live channel.
	StreamDelay time.Duration
}

func (o *StartOpts) applyDefaults() {
	if o.Port <= 0 {
		o.Port = 8000
	}
	if o.Secret == "" {
		o.Secret = "datamind-dev-secret"
	}
	if o.AccessTTL <= 0 {
		o.AccessTTL = 15 * time.Minute
	}
	if o.RefreshTTL <= 0 {
		o.RefreshTTL = 7 * 24 * time.Hour
	}
	if o.Email == "" {
		o.Email = DefaultEmail
	}
	if o.Password == "" {
		o.Password = DefaultPassword
	}
}

// Server is the in-memory API.
type Server struct {
	opts   StartOpts
	tokens *tokens
	router *gin.Engine

	mu            sync.Mutex
	counts        map[string]int
	conversations map[string]*conversation
	convOrder     []string
	dashboards    map[string]*dashboardRecord
	dashOrder     []string
	events        []*notify.Event
	sources       []chat.DataSource
}

// New builds a Server seeded with demo dashboards and alerts.
func New(opts StartOpts) *Server {
	opts.applyDefaults()
	s := &Server{
		opts:          opts,
		tokens:        newTokens(opts.Secret, opts.AccessTTL, opts.RefreshTTL),
		counts:        make(map[string]int),
		conversations: make(map[string]*conversation),
		dashboards:    make(map[string]*dashboardRecord),
	}
	s.seed()

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	registerRoutes(router, s)
	s.router = router
	return s
}

// Handler returns the HTTP handler, for use with httptest.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Count returns how many times the named operation was served. Names:
// login, refresh, logout, connections, chat_http, chat_ws, widget_refresh, layout_save,
// position_save, share, poll, ack, ack_all.
func (s *Server) Count(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[name]
}

func (s *Server) inc(name string) {
	s.mu.Lock()
	s.counts[name]++
	s.mu.Unlock()
}

// ExpireAccess invalidates every access token issued so far. Refresh
// tokens stay good, so clients recover through renewal.
func (s *Server) ExpireAccess() {
	s.tokens.expireAccess()
}

// RevokeAll invalidates every token issued so far, forcing a new login.
func (s *Server) RevokeAll() {
	s.tokens.revokeAll()
}

// Start launches the development server. It blocks until ctx is cancelled,
// then shuts down gracefully.
func Start(ctx context.Context, opts StartOpts) error {
	s := New(opts)
	addr := fmt.Sprintf(":%d", s.opts.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: s.router,
	}

	go func() {
		<-ctx.Done()
		srv.Shutdown(context.Background())
	}()

	if opts.Out != nil {
		fmt.Fprintf(opts.Out, "DataMind dev server running at http://localhost:%d/api/v1 (sign in as %s / %s)\n",
			s.opts.Port, s.opts.Email, s.opts.Password)
	}

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("devserver: %w", err)
	}
	return nil
}
