// SPDX-License-Identifier: MIT

// Package service assembles and owns every component of the execution
// orchestrator. Background work (pool sweeper, midnight rollover, HTTP
// server) is tied to the service lifecycle through one errgroup.
package service

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/sync/errgroup"

	"github.com/Hemanthkumar2k04/coderunner/internal/admission"
	"github.com/Hemanthkumar2k04/coderunner/internal/api"
	"github.com/Hemanthkumar2k04/coderunner/internal/config"
	"github.com/Hemanthkumar2k04/coderunner/internal/gateway"
	"github.com/Hemanthkumar2k04/coderunner/internal/iomux"
	"github.com/Hemanthkumar2k04/coderunner/internal/lang"
	"github.com/Hemanthkumar2k04/coderunner/internal/log"
	"github.com/Hemanthkumar2k04/coderunner/internal/pipeline"
	"github.com/Hemanthkumar2k04/coderunner/internal/protocol"
	"github.com/Hemanthkumar2k04/coderunner/internal/sandbox"
	"github.com/Hemanthkumar2k04/coderunner/internal/sandbox/runtime"
	"github.com/Hemanthkumar2k04/coderunner/internal/telemetry"
)

const shutdownTimeout = 15 * time.Second

// Service owns the orchestrator components for one process.
type Service struct {
	cfg config.AppConfig

	rec   *telemetry.Recorder
	queue *admission.Queue
	pool  *sandbox.Pool
	mux   *iomux.Mux
	pipe  *pipeline.Pipeline
	gw    *gateway.Gateway
	admin *api.Server

	server *http.Server
	ready  atomic.Bool
}

// New wires all components from configuration. The driver is injected
// so container engines and the local process runtime share one path.
func New(cfg config.AppConfig, driver runtime.Driver, ring *log.Ring) (*Service, error) {
	images := make(lang.Images, len(cfg.SandboxImages))
	for raw, image := range cfg.SandboxImages {
		tag, err := lang.Parse(raw)
		if err != nil {
			return nil, err
		}
		images[tag] = image
	}
	registry := lang.NewRegistry(images)

	rec := telemetry.NewRecorder(cfg.ReportDir)
	queue := admission.New(cfg.MaxConcurrent, rec)
	pool, err := sandbox.NewPool(sandbox.Config{
		MaxSandboxes:   cfg.MaxSandboxes,
		PerLangWarmCap: cfg.PerLangWarmCap,
		IdleTTL:        cfg.IdleTTL,
		MaxAge:         cfg.MaxAge,
		SweepInterval:  cfg.SweepInterval,
		SpawnTimeout:   cfg.SpawnTimeout,
		ReleaseTimeout: cfg.ReleaseTimeout,
		SubnetPool:     cfg.SandboxNetworkSubnetPool,
	}, driver, registry, rec)
	if err != nil {
		return nil, err
	}

	mux := iomux.New(cfg.OutputFrameBufferPerSession)
	pipe := pipeline.New(queue, pool, registry, rec, pipeline.Config{Grace: cfg.Grace})
	gw := gateway.New(mux, pipe, registry, rec, protocol.ValidateLimits{
		DefaultDeadline: cfg.DefaultDeadline,
		HardDeadline:    cfg.HardDeadline,
		MaxSourceBytes:  cfg.MaxSourceBytes,
	})

	s := &Service{
		cfg:   cfg,
		rec:   rec,
		queue: queue,
		pool:  pool,
		mux:   mux,
		pipe:  pipe,
		gw:    gw,
	}
	s.admin = api.New(api.Deps{
		Recorder:  rec,
		Pool:      pool,
		LogRing:   ring,
		TokenHash: cfg.AdministratorCredentialHash,
		Ready:     s.ready.Load,
	})

	root := chi.NewRouter()
	root.Handle("/session", gw)
	root.Mount("/", s.admin.Router())
	s.server = &http.Server{
		Addr:              cfg.Listen,
		Handler:           root,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

// Handler exposes the composed HTTP surface (tests).
func (s *Service) Handler() http.Handler {
	return s.server.Handler
}

// Run serves until ctx ends, then shuts down in order: stop accepting
// sessions, cancel background work, drain the sandbox pool.
func (s *Service) Run(ctx context.Context) error {
	logger := log.WithComponent("service")
	s.ready.Store(true)

	g, runCtx := errgroup.WithContext(ctx)

	// Session contexts derive from runCtx so shutdown cancels running
	// jobs even on hijacked websocket connections.
	s.server.BaseContext = func(net.Listener) context.Context { return runCtx }

	g.Go(func() error {
		err := s.pool.Run(runCtx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		err := s.rec.RunRollover(runCtx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		logger.Info().Str("listen", s.cfg.Listen).Msg("listening")
		err := s.server.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-runCtx.Done()
		s.ready.Store(false)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		// Closing the server cancels every session request context,
		// which cascades into running jobs.
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("http shutdown incomplete, closing")
			_ = s.server.Close()
		}
		s.pool.Shutdown(shutdownCtx)
		if err := s.rec.Flush(); err != nil {
			logger.Warn().Err(err).Msg("telemetry flush failed")
		}
		return nil
	})

	err := g.Wait()
	logger.Info().Msg("service stopped")
	return err
}
