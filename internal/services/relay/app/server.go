// Package server hosts the relay: a websocket service that orders the
// messages of every spreadsheet room, keeps them for catch-up and maintains a
// headless replica of each room for snapshots.
package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/louisbranch/sheetsync/internal/platform/timeouts"
	"github.com/louisbranch/sheetsync/internal/services/sheet/collab"
	"github.com/louisbranch/sheetsync/internal/services/sheet/domain/document"
	"github.com/louisbranch/sheetsync/internal/storage"
)

const (
	maxFramePayloadBytes   = 512 * 1024
	maxFramesPerSecond     = 200
	maxDecodeErrorsPerConn = 3

	peerQueueSize = 1024

	defaultSnapshotEvery = 50
	snapshotTimeout      = 5 * time.Second
)

// Fanout opens a network that receives every sequenced message of a room.
type Fanout interface {
	Network(ctx context.Context, spreadsheetID string) (collab.Network, error)
}

// Config defines the inputs of the relay.
type Config struct {
	HTTPAddr string
	// TokenSecret enables HS256 access tokens. Empty disables auth.
	TokenSecret string
	// Journal persists room messages. Rooms live in memory without it.
	Journal storage.Journal
	// Snapshots stores replica exports every SnapshotEvery messages and
	// when the relay stops.
	Snapshots     storage.SnapshotStore
	SnapshotEvery int
	// Fanout optionally forwards sequenced messages, for example to Redis.
	Fanout Fanout
	// Document is the initial workbook of every room; defaults to
	// document.Default. Clients must start from the same document.
	Document          document.Workbook
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
	Logger            *log.Logger
	Tracer            trace.Tracer
}

// Server hosts the relay HTTP/WebSocket process.
type Server struct {
	httpAddr        string
	shutdownTimeout time.Duration
	httpServer      *http.Server
	hub             *roomHub
	logger          *log.Logger
}

// NewServer builds a relay server.
func NewServer(config Config) (*Server, error) {
	httpAddr := strings.TrimSpace(config.HTTPAddr)
	if httpAddr == "" {
		return nil, errors.New("http address is required")
	}
	if config.ReadHeaderTimeout <= 0 {
		config.ReadHeaderTimeout = timeouts.ReadHeader
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = timeouts.Shutdown
	}
	if config.SnapshotEvery <= 0 {
		config.SnapshotEvery = defaultSnapshotEvery
	}
	if len(config.Document.Sheets) == 0 {
		config.Document = document.Default()
	}
	if config.Logger == nil {
		config.Logger = log.Default()
	}

	hub := newRoomHub(config)
	return &Server{
		httpAddr:        httpAddr,
		shutdownTimeout: config.ShutdownTimeout,
		httpServer: &http.Server{
			Addr:              httpAddr,
			Handler:           newHandler(hub, newTokenAuthorizer(config.TokenSecret), config.Logger),
			ReadHeaderTimeout: config.ReadHeaderTimeout,
		},
		hub:    hub,
		logger: config.Logger,
	}, nil
}

// Handler returns the relay routes.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Run creates and serves a relay until the context ends.
func Run(ctx context.Context, config Config) error {
	server, err := NewServer(config)
	if err != nil {
		return fmt.Errorf("init relay server: %w", err)
	}
	defer server.Close()

	if err := server.ListenAndServe(ctx); err != nil {
		return fmt.Errorf("serve relay: %w", err)
	}
	return nil
}

// ListenAndServe runs the HTTP server until the context ends.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if s == nil {
		return errors.New("relay server is nil")
	}
	if ctx == nil {
		return errors.New("context is required")
	}

	g, gctx := errgroup.WithContext(ctx)
	s.logger.Printf("relay server listening on %s", s.httpAddr)
	g.Go(func() error {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve http: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown http server: %w", err)
		}
		return nil
	})
	return g.Wait()
}

// Close stops every room, writing their final snapshots.
func (s *Server) Close() {
	if s == nil {
		return
	}
	if err := s.hub.close(); err != nil {
		s.logger.Printf("relay: close rooms: %v", err)
	}
}
