package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/parleychat/parley/internal/platform/timeouts"
)

const (
	defaultRoomName = "global"

	maxFramePayloadBytes   = 16 * 1024
	maxFramesPerSecond     = 40
	maxDecodeErrorsPerConn = 3

	maxMessageBodyRunes = 2000
	maxDisplayNameRunes = 64
	maxRoomNameRunes    = 64
	maxReactionRunes    = 16

	maxRoomMessages    = 1000
	maxPrivateMessages = 1000

	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
)

// Config defines the inputs for the chat transport boundary.
type Config struct {
	HTTPAddr          string
	DefaultRoom       string
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
}

// Server hosts the chat HTTP/WebSocket process. All messaging state lives in
// the hub behind the handler; the server only owns the listener lifecycle.
type Server struct {
	httpAddr        string
	shutdownTimeout time.Duration
	httpServer      *http.Server
}

// NewHandler creates chat routes with the default room name, mainly for
// tests and embedding.
func NewHandler() http.Handler {
	return newHandler(defaultRoomName)
}

// NewHandlerWithDefaultRoom creates chat routes that place joining sessions
// into the named room.
func NewHandlerWithDefaultRoom(room string) http.Handler {
	return newHandler(room)
}

// NewServer builds a configured chat server.
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

	httpServer := &http.Server{
		Addr:              httpAddr,
		Handler:           newHandler(config.DefaultRoom),
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}

	return &Server{
		httpAddr:        httpAddr,
		shutdownTimeout: config.ShutdownTimeout,
		httpServer:      httpServer,
	}, nil
}

// Run creates and serves a chat server until the context ends.
func Run(ctx context.Context, config Config) error {
	server, err := NewServer(config)
	if err != nil {
		return fmt.Errorf("init chat server: %w", err)
	}

	if err := server.ListenAndServe(ctx); err != nil {
		return fmt.Errorf("serve chat: %w", err)
	}
	return nil
}

// ListenAndServe runs the HTTP server until the context ends.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if s == nil {
		return errors.New("chat server is nil")
	}
	if ctx == nil {
		return errors.New("context is required")
	}

	serveErr := make(chan error, 1)
	log.Printf("chat server listening on %s", s.httpAddr)
	go func() {
		serveErr <- s.httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		err := s.httpServer.Shutdown(shutdownCtx)
		cancel()
		if err != nil {
			return fmt.Errorf("shutdown http server: %w", err)
		}
		return nil
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve http: %w", err)
	}
}
