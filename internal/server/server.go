package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"frutiger-messenger/internal/auth"
	"frutiger-messenger/internal/chat"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

// Server defines fields used in HTTP processing
type Server struct {
	logger        *zap.SugaredLogger
	httpServer    *http.Server
	afterShutdown []func()
	h             *handler
}

// NewServer returns new Server serving REST endpoints and realtime websocket connections
func NewServer(logger *zap.SugaredLogger, authService *auth.Service, history *chat.History, hub *chat.Hub, opts ...Option) (*Server, error) {
	if authService == nil || history == nil || hub == nil {
		return nil, errors.New("auth service, history and hub are required")
	}

	cfg := &config{
		httpServer: &http.Server{
			Addr:              ":3000",
			ReadHeaderTimeout: 5 * time.Second,
		},
		allowedOrigins: []string{"*"},
	}
	for _, opt := range opts {
		opt.apply(cfg)
	}

	h := &handler{
		logger:  logger,
		auth:    authService,
		history: history,
		hub:     hub,
	}
	origins := newOriginPolicy(logger, cfg.allowedOrigins)
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     origins.check,
	}

	rest := map[string]http.Handler{
		"/api/register":                  enforcePostJson(http.HandlerFunc(h.register)),
		"/api/login":                     enforcePostJson(http.HandlerFunc(h.login)),
		"POST /api/logout":               http.HandlerFunc(h.logout),
		"GET /api/messages/{channelKey}": http.HandlerFunc(h.messages),
		"GET /api/health":                http.HandlerFunc(h.health),
	}
	if cfg.gatherer != nil {
		rest["GET /metrics"] = promhttp.HandlerFor(cfg.gatherer, promhttp.HandlerOpts{})
	}

	mux := http.NewServeMux()
	for pattern, next := range rest {
		if cfg.timeout > 0 {
			next = http.TimeoutHandler(next, cfg.timeout, cfg.timeoutMsg)
		}
		mux.Handle(pattern, next)
	}
	// hijacked connections cannot be wrapped in http.TimeoutHandler
	mux.Handle("GET /ws", http.HandlerFunc(h.connect))

	var root http.Handler = log(mux, logger.Desugar())
	if cfg.tracing != "" {
		root = otelhttp.NewHandler(root, cfg.tracing, cfg.tracingOpts...)
	}
	cfg.httpServer.Handler = root

	return &Server{
		logger:        logger,
		httpServer:    cfg.httpServer,
		afterShutdown: cfg.afterShutdown,
		h:             h,
	}, nil
}

// Handler returns root http.Handler with all routes and middlewares
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start calls ListenAndServe on http.Server instance inside Server struct
// and shuts it down gracefully when ctx is done: HTTP server, then realtime hub,
// then functions registered with RegisterAfterShutdown in order
func (s *Server) Start(ctx context.Context) error {
	idleConnsClosed := make(chan struct{})

	go func() {
		<-ctx.Done()

		s.logger.Info("Shutting down HTTP server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Errorf("srv.Shutdown: %v", err)
		}
		s.logger.Info("HTTP server is stopped")

		// websocket connections are hijacked and not tracked by Shutdown
		s.h.hub.Close()
		s.logger.Info("Realtime hub is closed")

		close(idleConnsClosed)
	}()

	s.logger.Infof("Starting HTTP server on %s", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("s.httpServer.ListenAndServe: %v", err)
	}

	<-idleConnsClosed

	for _, f := range s.afterShutdown {
		f()
	}

	return nil
}
