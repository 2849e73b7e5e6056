// Package api exposes the gateway's own JSON endpoints: chaincode invoke and
// query, deployment orchestration, queue and pool introspection, health and
// metrics. Everything else is handed to the resilience proxy.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"ibn-ledger/gateway/internal/auth"
	"ibn-ledger/gateway/internal/fabric"
	"ibn-ledger/gateway/internal/lifecycle"
	"ibn-ledger/gateway/internal/metrics"
	"ibn-ledger/gateway/internal/platform/breaker"
	"ibn-ledger/gateway/internal/queue"
)

type Server struct {
	httpServer *http.Server
	queue      *queue.Queue
	pool       *fabric.Pool
	orch       *lifecycle.Orchestrator
	breakers   *breaker.Registry
	authn      *auth.Authenticator
	metrics    *metrics.Metrics
	log        *slog.Logger
}

// Deps carries everything the HTTP surface needs. Fallback handles any route
// the gateway does not own (usually the resilience proxy).
type Deps struct {
	Queue    *queue.Queue
	Pool     *fabric.Pool
	Orch     *lifecycle.Orchestrator
	Breakers *breaker.Registry
	Auth     *auth.Authenticator
	Metrics  *metrics.Metrics
	Log      *slog.Logger
	Fallback http.Handler
}

func NewServer(addr string, deps Deps) *Server {
	log := deps.Log
	if log == nil {
		log = slog.Default()
	}
	s := &Server{
		queue:    deps.Queue,
		pool:     deps.Pool,
		orch:     deps.Orch,
		breakers: deps.Breakers,
		authn:    deps.Auth,
		metrics:  deps.Metrics,
		log:      log,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/chaincode/invoke", s.requireAuth(s.handleInvoke))
	mux.HandleFunc("POST /api/chaincode/query", s.requireAuth(s.handleQuery))
	mux.HandleFunc("POST /api/chaincode/deploy", s.requireAdmin(s.handleDeploy))
	mux.HandleFunc("GET /api/chaincode/deployments", s.requireAuth(s.handleListDeployments))
	mux.HandleFunc("GET /api/chaincode/deployments/{id}", s.requireAuth(s.handleGetDeployment))
	mux.HandleFunc("GET /api/queue/status", s.requireAuth(s.handleQueueStatus))
	mux.HandleFunc("POST /api/queue/pause", s.requireAdmin(s.handleQueuePause))
	mux.HandleFunc("POST /api/queue/resume", s.requireAdmin(s.handleQueueResume))
	mux.HandleFunc("POST /api/queue/clear", s.requireAdmin(s.handleQueueClear))
	mux.HandleFunc("GET /api/pool/status", s.requireAuth(s.handlePoolStatus))
	mux.HandleFunc("GET /api/health", s.handleHealth)
	if deps.Metrics != nil {
		mux.Handle("GET /metrics", deps.Metrics.Handler())
	}
	if deps.Fallback != nil {
		mux.Handle("/", deps.Fallback)
	}

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler exposes the routing table for tests.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// Run serves until ctx is cancelled, then drains with a short grace period.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		err := s.httpServer.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			errCh <- nil
			return
		}
		errCh <- err
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return <-errCh
	case err := <-errCh:
		return err
	}
}
