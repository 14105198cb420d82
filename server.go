package showcase

import (
	"context"
	"errors"
	"sync"

	"pkt.systems/showcase/core"
	"pkt.systems/showcase/httpapi"
	"pkt.systems/showcase/internal/eventbus"
	"pkt.systems/showcase/schema"
	"pkt.systems/pslog"
)

// Server composes the HTTP API and the spawner daemon.
type Server interface {
	Start(ctx context.Context) error
	Wait() error
	Stop(ctx context.Context) error
}

// SpawnerServer serves a spawner over a transport until ctx ends.
type SpawnerServer interface {
	ListenAndServe(ctx context.Context) error
}

// ServerConfig configures the compositor.
type ServerConfig struct {
	Service schema.ServiceConfig
	HTTP    httpapi.Config
}

// ServerDeps captures dependencies required to build the server.
type ServerDeps struct {
	ServiceDeps core.ServiceDeps
	// Spawner serves the local spawner to remote orchestrators.
	Spawner SpawnerServer
}

// ServerOption toggles compositor components.
type ServerOption func(*serverOptions)

type serverOptions struct {
	enableHTTP    bool
	enableSpawner bool
}

// WithHTTP enables the HTTP API server.
func WithHTTP() ServerOption {
	return func(o *serverOptions) { o.enableHTTP = true }
}

// WithSpawner enables the spawner server (if provided in deps).
func WithSpawner() ServerOption {
	return func(o *serverOptions) { o.enableSpawner = true }
}

// New constructs a composable showcase server.
func New(cfg ServerConfig, deps ServerDeps, opts ...ServerOption) (Server, error) {
	options := serverOptions{}
	for _, opt := range opts {
		opt(&options)
	}
	if !options.enableHTTP && !options.enableSpawner {
		return nil, errors.New("no services enabled")
	}

	var service core.Service
	var httpSrv *httpapi.Server
	if options.enableHTTP {
		if deps.ServiceDeps.Spawner == nil {
			return nil, schema.ErrSpawnerUnavailable
		}
		normalized, err := schema.NormalizeServiceConfig(cfg.Service)
		if err != nil {
			return nil, err
		}
		cfg.Service = normalized

		serviceDeps := deps.ServiceDeps
		hub := httpapi.NewHub(cfg.HTTP.EventHistory)
		bus := eventbus.New(serviceDeps.Logger)
		serviceDeps.EventSink = newEventFanout(serviceDeps.EventSink, hub, bus)

		service, err = core.NewService(cfg.Service, serviceDeps)
		if err != nil {
			return nil, err
		}
		httpSrv = httpapi.NewServer(cfg.HTTP, service, hub, bus)
	}

	if options.enableSpawner && deps.Spawner == nil {
		return nil, errors.New("spawner server dependency is required")
	}

	return &compositeServer{
		cfg:     cfg,
		options: options,
		service: service,
		httpSrv: httpSrv,
		spawner: deps.Spawner,
	}, nil
}

type compositeServer struct {
	cfg     ServerConfig
	options serverOptions
	service core.Service
	httpSrv *httpapi.Server
	spawner SpawnerServer
	logger  pslog.Logger

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	errCh   chan error
	started bool
}

func (s *compositeServer) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		pslog.Ctx(ctx).Warn("server start rejected", "reason", "already started")
		return errors.New("server already started")
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.errCh = make(chan error, 2)
	s.started = true
	s.logger = pslog.Ctx(s.ctx)
	s.mu.Unlock()

	log := s.logger
	log.Info(
		"server start",
		"http", s.options.enableHTTP,
		"spawner", s.options.enableSpawner,
		"http_addr", s.cfg.HTTP.Addr,
		"http_base_url", s.cfg.HTTP.BaseURL,
		"http_base_path", s.cfg.HTTP.BasePath,
	)
	if s.options.enableHTTP && s.httpSrv != nil {
		go func() {
			if err := httpapi.ListenAndServe(s.ctx, s.cfg.HTTP.Addr, s.httpSrv.Handler()); err != nil {
				log.Error("http server failed", "err", err)
				s.errCh <- err
			}
		}()
	}
	if s.options.enableSpawner && s.spawner != nil {
		go func() {
			if err := s.spawner.ListenAndServe(s.ctx); err != nil {
				log.Error("spawner server failed", "err", err)
				s.errCh <- err
			}
		}()
	}
	return nil
}

func (s *compositeServer) Wait() error {
	s.mu.Lock()
	ctx := s.ctx
	errCh := s.errCh
	started := s.started
	s.mu.Unlock()
	if !started {
		return errors.New("server not started")
	}

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		if err != nil {
			pslog.Ctx(ctx).Error("server stopped", "err", err)
			_ = s.Stop(context.Background())
			return err
		}
		return nil
	}
}

// Stop cancels in-flight builds, then the listeners.
func (s *compositeServer) Stop(ctx context.Context) error {
	s.mu.Lock()
	cancel := s.cancel
	started := s.started
	log := s.logger
	s.mu.Unlock()
	if !started {
		return nil
	}
	if log == nil {
		log = pslog.Ctx(context.Background())
	}
	log.Info("server stop requested")
	if s.service != nil {
		closeCtx := ctx
		if closeCtx == nil {
			closeCtx = context.Background()
		}
		if err := s.service.Close(closeCtx); err != nil {
			log.Warn("server builds close failed", "err", err)
		} else {
			log.Info("server builds close ok")
		}
	}
	if cancel != nil {
		cancel()
	}
	if ctx == nil {
		log.Info("server stop completed")
		return nil
	}
	select {
	case <-ctx.Done():
		log.Warn("server stop timed out", "err", ctx.Err())
		return ctx.Err()
	case <-s.ctx.Done():
		log.Info("server stopped")
		return nil
	}
}
