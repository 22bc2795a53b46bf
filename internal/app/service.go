package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"alertbridge/internal/chat"
	"alertbridge/internal/clock"
	"alertbridge/internal/config"
	"alertbridge/internal/domain"
	"alertbridge/internal/identity"
	"alertbridge/internal/ingest"
	"alertbridge/internal/logging"
	"alertbridge/internal/metrics"
	"alertbridge/internal/render"
	"alertbridge/internal/state"
	"alertbridge/internal/tracker"
)

const (
	reactionBuffer = 64
	readyTimeout   = 2 * time.Second
)

// Service composes runtime dependencies and process lifecycle.
// Params: validated config and shared runtime components.
// Returns: runnable alertbridge service.
type Service struct {
	cfg       config.Config
	logger    *slog.Logger
	closeLog  func()
	metrics   *metrics.Metrics
	store     state.Store
	backend   chat.Backend
	tracker   *tracker.Tracker
	ingestor  *Ingestor
	reactions *ReactionHandler
	httpSrv   *http.Server
	listener  net.Listener
	natsSub   interface{ Close() error }
	readyFlag atomic.Bool
	clock     clock.Clock

	cancelWorkers context.CancelFunc
	workers       sync.WaitGroup
}

// NewService builds service instance from config source.
// Params: config source and clock implementation.
// Returns: initialized service, or a *ConfigError when configuration is invalid.
func NewService(source config.ConfigSource, clk clock.Clock) (*Service, error) {
	cfg, err := config.LoadSnapshot(source)
	if err != nil {
		return nil, &ConfigError{Err: err}
	}
	return newService(cfg, clk, nil)
}

// ConfigError marks startup failures caused by configuration.
type ConfigError struct {
	Err error
}

func (e *ConfigError) Error() string {
	return "invalid configuration: " + e.Err.Error()
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// newService wires collaborators; backend overrides chat.backend when not nil.
func newService(cfg config.Config, clk clock.Clock, backend chat.Backend) (*Service, error) {
	if clk == nil {
		clk = clock.RealClock{}
	}
	logger, closeLog, err := logging.New(cfg.Log, cfg.Service.Name)
	if err != nil {
		return nil, err
	}
	location, err := cfg.Render.Location()
	if err != nil {
		closeLog()
		return nil, &ConfigError{Err: err}
	}

	service := &Service{
		cfg:      cfg,
		logger:   logger,
		closeLog: closeLog,
		metrics:  metrics.New(),
		clock:    clk,
	}

	initCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	service.store, err = state.Open(initCtx, cfg.State)
	if err != nil {
		service.cleanupInitResources()
		return nil, fmt.Errorf("open %s state store: %w", cfg.State.Backend, err)
	}

	if backend == nil {
		backend, err = chat.New(cfg.Chat, logger)
		if err != nil {
			service.cleanupInitResources()
			return nil, fmt.Errorf("init %s chat backend: %w", cfg.Chat.Backend, err)
		}
	}
	service.backend = backend

	renderer := render.New(render.Options{Location: location, HiddenLabels: cfg.Render.HiddenLabels})
	service.tracker = tracker.New(service.store, clk, logger, cfg.Chat.SendClaimTTL())
	service.ingestor = NewIngestor(IngestorConfig{
		Tracker:        service.tracker,
		Resolver:       identity.NewResolver(cfg.Identity.RequiredLabels),
		Renderer:       renderer,
		Messenger:      backend,
		ResolvedMarker: cfg.Chat.ResolvedMarker(),
		Parallelism:    cfg.Webhook.Parallelism,
		Metrics:        service.metrics,
		Logger:         logger,
	})
	service.reactions = NewReactionHandler(
		service.tracker,
		renderer,
		backend,
		domain.NewReactionMap(cfg.Chat.AckReactions, cfg.Chat.ResolveReactions),
		service.metrics,
		logger,
	)

	if err := service.buildHTTPServer(); err != nil {
		service.cleanupInitResources()
		return nil, err
	}
	if err := service.buildNATSSubscriber(); err != nil {
		service.cleanupInitResources()
		return nil, err
	}
	return service, nil
}

// Addr returns the bound HTTP listen address.
func (s *Service) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Run starts service lifecycle and blocks until shutdown signal.
// Params: root context for service runtime.
// Returns: terminal run error.
func (s *Service) Run(ctx context.Context) error {
	workerCtx, cancelWorkers := context.WithCancel(context.Background())
	s.cancelWorkers = cancelWorkers

	feed := make(chan domain.ReactionEvent, reactionBuffer)
	s.goWorker(func() {
		s.logger.Info("reaction feed starting", "backend", s.backend.Name())
		if err := s.backend.Run(workerCtx, feed); err != nil && workerCtx.Err() == nil {
			s.logger.Error("reaction feed stopped", "backend", s.backend.Name(), "error", err.Error())
		}
	})
	s.goWorker(func() {
		s.reactions.Run(workerCtx, feed, s.cfg.Chat.ReactionWorkers)
	})
	s.goWorker(func() {
		s.purgeLoop(workerCtx)
	})

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("http server starting", "listen", s.Addr(), "path_prefix", s.cfg.Webhook.PathPrefix)
		err := s.httpSrv.Serve(s.listener)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	s.readyFlag.Store(true)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case <-ctx.Done():
		return s.shutdown()
	case err := <-errChan:
		_ = s.shutdown()
		return fmt.Errorf("http server failed: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
		return s.shutdown()
	}
}

func (s *Service) goWorker(fn func()) {
	s.workers.Add(1)
	go func() {
		defer s.workers.Done()
		fn()
	}()
}

// purgeLoop deletes resolved records older than the retention window.
func (s *Service) purgeLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.State.PurgeInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.purgeOnce(ctx)
		}
	}
}

func (s *Service) purgeOnce(ctx context.Context) {
	started := s.clock.Now()
	cutoff := started.Add(-s.cfg.State.ResolvedRetention())
	purged, err := s.tracker.PurgeResolved(ctx, cutoff)
	s.metrics.Purged(purged)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Error("purge resolved records failed", "error", err.Error())
		}
		return
	}
	if purged > 0 {
		s.logger.Info("resolved records purged", "count", purged, "took", clock.Since(s.clock, started).String())
	}
}

// shutdown closes runtime resources in dependency order.
// Params: none.
// Returns: first close error.
func (s *Service) shutdown() error {
	s.readyFlag.Store(false)
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Service.ShutdownTimeout())
	defer cancel()
	var firstErr error
	markErr := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("http shutdown failed", "error", err.Error())
		markErr(fmt.Errorf("http shutdown: %w", err))
	}
	if s.natsSub != nil {
		if err := s.natsSub.Close(); err != nil {
			s.logger.Error("nats subscriber close failed", "error", err.Error())
			markErr(fmt.Errorf("nats subscriber close: %w", err))
		}
	}

	if s.cancelWorkers != nil {
		s.cancelWorkers()
	}
	done := make(chan struct{})
	go func() {
		s.workers.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn("background workers did not stop before deadline")
		markErr(errors.New("background workers shutdown timed out"))
	}

	if err := s.store.Close(); err != nil {
		s.logger.Error("store close failed", "error", err.Error())
		markErr(fmt.Errorf("store close: %w", err))
	}
	s.logger.Info("service stopped")
	if s.closeLog != nil {
		s.closeLog()
	}
	return firstErr
}

// cleanupInitResources closes partially initialized resources on startup failures.
// Params: none.
// Returns: all acquired resources closed best-effort.
func (s *Service) cleanupInitResources() {
	if s.natsSub != nil {
		_ = s.natsSub.Close()
		s.natsSub = nil
	}
	if s.listener != nil {
		_ = s.listener.Close()
		s.listener = nil
	}
	if s.store != nil {
		_ = s.store.Close()
		s.store = nil
	}
	if s.closeLog != nil {
		s.closeLog()
		s.closeLog = nil
	}
}

// buildHTTPServer wires router with webhook, probe and metrics endpoints.
// Params: none.
// Returns: listen error.
func (s *Service) buildHTTPServer() error {
	cfg := s.cfg.Webhook
	mux := http.NewServeMux()
	mux.HandleFunc(cfg.HealthPath, func(writer http.ResponseWriter, _ *http.Request) {
		writer.WriteHeader(http.StatusOK)
		_, _ = writer.Write([]byte("ok"))
	})
	mux.HandleFunc(cfg.ReadyPath, func(writer http.ResponseWriter, request *http.Request) {
		if !s.readyFlag.Load() {
			writer.WriteHeader(http.StatusServiceUnavailable)
			_, _ = writer.Write([]byte("not-ready"))
			return
		}
		ctx, cancel := context.WithTimeout(request.Context(), readyTimeout)
		defer cancel()
		if err := s.store.Ping(ctx); err != nil {
			s.logger.Warn("readiness probe failed", "error", err.Error())
			writer.WriteHeader(http.StatusServiceUnavailable)
			_, _ = writer.Write([]byte("store-unavailable"))
			return
		}
		writer.WriteHeader(http.StatusOK)
		_, _ = writer.Write([]byte("ready"))
	})
	mux.Handle(cfg.MetricsPath, s.metrics.Handler())

	webhook := ingest.NewHTTPHandler(
		s.ingestor,
		ingest.NewRoomResolver(s.cfg.Rooms, cfg.StrictRooms),
		cfg.PathPrefix,
		cfg.MaxBodyBytes,
		s.metrics,
		s.logger,
	)
	mux.Handle(webhook.Pattern(), webhook)

	listener, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.Listen, err)
	}
	s.listener = listener
	s.httpSrv = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return nil
}

// buildNATSSubscriber starts NATS ingest when enabled.
// Params: none.
// Returns: initialization error.
func (s *Service) buildNATSSubscriber() error {
	if !s.cfg.Webhook.NATS.Enabled {
		return nil
	}
	subscriber, err := ingest.NewNATSSubscriber(
		s.cfg.Webhook.NATS,
		s.ingestor,
		ingest.NewRoomResolver(s.cfg.Rooms, s.cfg.Webhook.StrictRooms),
		s.metrics,
		s.logger,
	)
	if err != nil {
		return err
	}
	s.natsSub = subscriber
	return nil
}
