package web

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/go-chi/chi/v5"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/tessera-dev/tessera/lib/board"
	"github.com/tessera-dev/tessera/web/common"
)

var log = logger.GetLogger("web")

// --------------------------------------------------------------------------
// Server
// --------------------------------------------------------------------------

// Server is the HTTP and WebSocket surface over a board manager. It owns
// the routing table, request authentication and the metrics registry; all
// board semantics live below it in lib/board.
type Server struct {
	config common.ServerConfig
	boards *board.Manager
	auth   Authenticator
	router chi.Router

	// metric set is per server instance so several servers (tests) never
	// collide on one global registry
	metrics    *metrics.Set
	placements *metrics.Counter
	undos      *metrics.Counter
	sockets    *metrics.Counter
}

// NewServer wires the routes over the manager. The authenticator decides
// what a bearer token may do; an empty StaticAuthenticator serves
// anonymous callers only.
func NewServer(config common.ServerConfig, boards *board.Manager, auth Authenticator) *Server {
	s := &Server{
		config:  config,
		boards:  boards,
		auth:    auth,
		metrics: metrics.NewSet(),
	}

	s.placements = s.metrics.NewCounter("tessera_placements_total")
	s.undos = s.metrics.NewCounter("tessera_undos_total")
	s.sockets = s.metrics.NewCounter("tessera_socket_connections_total")
	s.metrics.NewGauge("tessera_boards_open", func() float64 {
		return float64(boards.OpenCount())
	})
	s.metrics.NewGauge("tessera_live_connections", func() float64 {
		total := 0
		for _, b := range boards.Boards() {
			total += b.Subscribers()
		}
		return float64(total)
	})
	s.metrics.NewGauge("tessera_active_users", func() float64 {
		total := 0
		now := time.Now()
		for _, b := range boards.Boards() {
			total += b.UserCount(now)
		}
		return float64(total)
	})

	r := chi.NewRouter()
	r.Use(s.logRequests)

	r.Get("/metrics", s.handleMetrics)
	r.Get("/boards/{board}/socket", s.handleSocket)

	// everything except the socket upgrade runs under a request deadline
	r.Group(func(r chi.Router) {
		r.Use(s.requestTimeout)

		r.Get("/info", s.handleInfo)
		r.Get("/boards", s.handleBoardList)
		r.Post("/boards", s.handleBoardCreate)
		r.Get("/boards/{board}", s.handleBoardGet)
		r.Patch("/boards/{board}", s.handleBoardPatch)
		r.Delete("/boards/{board}", s.handleBoardDelete)
		r.Get("/boards/{board}/users", s.handleUsers)
		r.Get("/boards/{board}/data/{buffer}", s.handleDataGet)
		r.Patch("/boards/{board}/data/{buffer}", s.handleDataPatch)
		r.Get("/boards/{board}/pixels", s.handlePlacementList)
		r.Post("/boards/{board}/pixels/{position}", s.handlePlace)
		r.Get("/boards/{board}/pixels/{position}", s.handleLookup)
		r.Delete("/boards/{board}/pixels/{position}", s.handleUndo)
	})

	s.router = r
	return s
}

// Handler exposes the routing table, mainly for tests driving the server
// through httptest.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Serve listens on the configured endpoint and serves until ctx is
// cancelled, then shuts down gracefully. Live socket connections are not
// waited for; closing the board manager disconnects them.
func (s *Server) Serve(ctx context.Context) error {
	network := s.config.Network
	if network == "" {
		network = "tcp"
	}
	if network == "unix" {
		// a socket file left over from an unclean shutdown blocks the bind
		if err := os.Remove(s.config.Endpoint); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to remove stale socket %s: %w", s.config.Endpoint, err)
		}
	}

	ln, err := net.Listen(network, s.config.Endpoint)
	if err != nil {
		return fmt.Errorf("failed to listen on %s %s: %w", network, s.config.Endpoint, err)
	}

	srv := &http.Server{
		Handler: s.router,
		// upgraded connections stay open indefinitely, so only the header
		// read gets a server-side deadline
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warningf("HTTP shutdown: %v", err)
		}
	}()

	log.Infof("HTTP server listening on %s://%s", network, s.config.Endpoint)
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// --------------------------------------------------------------------------
// Middleware
// --------------------------------------------------------------------------

// responseWriter captures the status code for request logging. Unwrap
// keeps http.ResponseController (and with it the websocket hijack)
// working through the wrapper.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// logRequests logs every request with its status and duration and feeds
// the per-status request counter.
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		rw := &responseWriter{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}
		next.ServeHTTP(rw, r)

		duration := time.Since(start)
		s.metrics.GetOrCreateCounter(
			fmt.Sprintf(`tessera_http_requests_total{code="%d"}`, rw.statusCode)).Inc()
		log.Debugf("%s %s => %d took %s", r.Method, r.URL.Path, rw.statusCode, duration)
	})
}

// requestTimeout bounds each request by the configured timeout.
func (s *Server) requestTimeout(next http.Handler) http.Handler {
	timeout := time.Duration(s.config.TimeoutSecond) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// handleMetrics renders the metric set in Prometheus text format.
func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	s.metrics.WritePrometheus(w)
}
