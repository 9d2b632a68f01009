// Package server is the ingress surface: the HTTP API that accepts compile
// and deploy submissions, the owner-scoped job reads, and the WebSocket hub
// that streams live job events to subscribed clients.
package server

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/kilnworks/kiln/bus"
	"github.com/kilnworks/kiln/config"
	"github.com/kilnworks/kiln/errors"
	"github.com/kilnworks/kiln/logger"
	"github.com/kilnworks/kiln/queue"
	"github.com/kilnworks/kiln/quota"
	"github.com/kilnworks/kiln/store"
)

// Server owns the ingress HTTP endpoints and the socket hub. It never runs
// jobs itself; submissions become store rows plus queue entries, and live
// updates arrive over the bus.
type Server struct {
	cfg      config.ServerConfig
	store    *store.Store
	queues   map[string]*queue.Queue
	bus      *bus.Bus
	gate     *quota.Gate
	rdb      *redis.Client
	networks *config.Networks
	hub      *Hub
	limits   *rateLimiters
	log      *zap.SugaredLogger

	started    time.Time
	httpServer *http.Server
}

// New wires the ingress server. The redis client backs queue stats and
// worker presence reads for /status; the bus feeds the hub.
func New(cfg config.ServerConfig, st *store.Store, rdb *redis.Client, b *bus.Bus, networks *config.Networks, log *zap.SugaredLogger) *Server {
	if log == nil {
		log = logger.Logger
	}
	s := &Server{
		cfg:   cfg,
		store: st,
		queues: map[string]*queue.Queue{
			queue.QueueCompile: queue.New(rdb, queue.QueueCompile, log),
			queue.QueueDeploy:  queue.New(rdb, queue.QueueDeploy, log),
		},
		bus:      b,
		gate:     quota.NewGate(st, log),
		rdb:      rdb,
		networks: networks,
		limits:   newRateLimiters(cfg),
		log:      log,
		started:  time.Now().UTC(),
	}
	s.hub = newHub(b, log)
	return s
}

// RunHub drives the socket hub event loop until ctx is cancelled. Start
// launches it; tests that exercise the handler directly run it themselves.
func (s *Server) RunHub(ctx context.Context) {
	s.hub.run(ctx)
}

// Start runs the hub and serves HTTP until ctx is cancelled, then drains
// with a bounded shutdown window. Blocks until the listener closes.
func (s *Server) Start(ctx context.Context) error {
	hubCtx, cancelHub := context.WithCancel(context.Background())
	defer cancelHub()
	go s.hub.run(hubCtx)

	addr := ":" + strconv.Itoa(s.cfg.ListenPort())
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      0, // websocket connections are long-lived
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.httpServer.ListenAndServe()
	}()

	s.log.Infow("Ingress listening",
		"addr", addr,
		"origins", s.cfg.AllowedOrigins,
	)

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "ingress listener failed")
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.log.Warnw("Forced ingress shutdown", logger.FieldError, err)
	}
	cancelHub()
	s.log.Infow("Ingress stopped")
	return nil
}

// Handler exposes the routed handler for tests.
func (s *Server) Handler() http.Handler {
	return s.routes()
}
