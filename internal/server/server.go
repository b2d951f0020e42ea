// Package server exposes the node's transfer state and inbox over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/danmuck/meshvmail/internal/inbox"
	"github.com/danmuck/meshvmail/internal/observability"
	"github.com/danmuck/meshvmail/internal/protocol/session"
	"github.com/danmuck/meshvmail/internal/transport"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

const shutdownTimeout = 5 * time.Second

// Mesh is the node surface the admin API drives.
type Mesh interface {
	Local() transport.Address
	Submit(payload []byte, dst transport.Address) (string, error)
	SendTest(ctx context.Context, text string, dst transport.Address) error
	Cancel(messageID string) bool
	Pending() []session.PendingSend
	Transfers() []session.TransferStatus
	Buffers() []session.BufferStatus
}

// Inbox is the read side of the delivered-message store.
type Inbox interface {
	List(limit int) ([]inbox.Record, error)
	Get(id string) (inbox.Record, error)
}

type Config struct {
	Addr        string
	CORSOrigins []string
	// Token enables bearer auth on everything except /health and /metrics.
	Token    string
	CertFile string
	KeyFile  string
}

type Server struct {
	cfg     Config
	mesh    Mesh
	inbox   Inbox
	router  *gin.Engine
	started time.Time
}

func New(mesh Mesh, box Inbox, cfg Config) *Server {
	observability.RegisterMetrics()
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	local := mesh.Local().String()
	r.Use(observability.RequestLogger(log.Logger, local))
	r.Use(observability.RequestMetricsMiddleware(local))
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(cfg.CORSOrigins),
		AllowMethods: []string{"GET", "POST", "DELETE"},
		AllowHeaders: []string{"Origin", "Content-Type", "Authorization"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	s := &Server{
		cfg:     cfg,
		mesh:    mesh,
		inbox:   box,
		router:  r,
		started: time.Now(),
	}
	s.registerRoutes()
	return s
}

func (s *Server) Router() *gin.Engine {
	return s.router
}

// Serve listens on cfg.Addr until ctx ends.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("server: listen %s: %w", s.cfg.Addr, err)
	}
	return s.ServeListener(ctx, ln)
}

// ServeListener serves on ln, with TLS when both cert and key files are set.
func (s *Server) ServeListener(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	tlsOn := strings.TrimSpace(s.cfg.CertFile) != "" && strings.TrimSpace(s.cfg.KeyFile) != ""
	errCh := make(chan error, 1)
	go func() {
		if tlsOn {
			errCh <- srv.ServeTLS(ln, s.cfg.CertFile, s.cfg.KeyFile)
			return
		}
		errCh <- srv.Serve(ln)
	}()
	log.Info().Str("addr", ln.Addr().String()).Bool("tls", tlsOn).Bool("auth", s.cfg.Token != "").Msg("server.Server.Serve listening")

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server: shutdown: %w", err)
		}
		log.Info().Msg("server.Server.Serve stopped")
		return nil
	}
}

func normalizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"http://localhost:3000"}
	}
	return origins
}
