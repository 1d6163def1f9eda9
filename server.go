package handd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"pkt.systems/handd/internal/clock"
	"pkt.systems/handd/internal/core"
	"pkt.systems/handd/internal/httpapi"
	"pkt.systems/handd/internal/provision"
	"pkt.systems/handd/internal/slotstore"
	"pkt.systems/handd/internal/svcfields"
	"pkt.systems/handd/internal/version"
	"pkt.systems/pslog"
)

// Server wraps the HTTP server, slot store and sweeper.
type Server struct {
	cfg          Config
	logger       pslog.Logger
	store        slotstore.Store
	ownedStore   bool
	core         *core.Service
	httpSrv      *http.Server
	listener     net.Listener
	clock        clock.Clock
	telemetry    *telemetryBundle
	lastServeErr error

	mu          sync.Mutex
	shutdown    bool
	sweeperStop context.CancelFunc
	sweeperDone chan struct{}
	watchCancel context.CancelFunc
	readyOnce   sync.Once
	readyCh     chan struct{}
}

// Option configures server instances.
type Option func(*options)

type options struct {
	Logger pslog.Logger
	Store  slotstore.Store
	Clock  clock.Clock
}

// WithLogger supplies a custom logger.
func WithLogger(l pslog.Logger) Option {
	return func(o *options) {
		o.Logger = l
	}
}

// WithStore injects a pre-built slot store (useful for tests). The caller
// keeps ownership; Shutdown does not close it.
func WithStore(s slotstore.Store) Option {
	return func(o *options) {
		o.Store = s
	}
}

// WithClock injects a custom clock implementation.
func WithClock(c clock.Clock) Option {
	return func(o *options) {
		o.Clock = c
	}
}

// NewServer constructs a handd server according to cfg. When cfg.SlotsFile
// is set the inventory is applied before the server is returned.
// Example:
//
//	cfg := handd.Config{Store: "mem://", Listen: ":9361", Password: "s3cret"}
//	srv, err := handd.NewServer(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	go srv.Start()
func NewServer(cfg Config, opts ...Option) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	logger := o.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	serverClock := o.Clock
	if serverClock == nil {
		serverClock = clock.Real{}
	}

	telemetry, err := setupTelemetry(context.Background(), cfg, svcfields.WithSubsystem(logger, "telemetry"))
	if err != nil {
		return nil, err
	}
	closeTelemetry := func() {
		if telemetry != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			_ = telemetry.Shutdown(shutdownCtx)
			cancel()
		}
	}

	store := o.Store
	ownedStore := false
	if store == nil {
		store, err = OpenStore(context.Background(), cfg, logger)
		if err != nil {
			closeTelemetry()
			return nil, err
		}
		ownedStore = true
	}
	if cfg.SlotsFile != "" {
		if err := provisionFromFile(context.Background(), cfg.SlotsFile, store, logger); err != nil {
			if ownedStore {
				_ = store.Close()
			}
			closeTelemetry()
			return nil, err
		}
	}

	svc := core.New(core.Config{
		Store:        store,
		Clock:        serverClock,
		Logger:       logger,
		Password:     cfg.Password,
		VerifyClaims: cfg.VerifyClaims,
	})
	handler := httpapi.New(httpapi.Config{
		Core:              svc,
		Logger:            logger,
		StrictAuthStatus:  cfg.StrictAuthStatus,
		JSONMaxBytes:      cfg.JSONMaxBytes,
		EnableHTTPTracing: telemetry != nil && telemetry.tracerProvider != nil,
		Version:           version.Current(),
	})
	mux := http.NewServeMux()
	handler.Register(mux)

	h2s := &http2.Server{MaxConcurrentStreams: uint32(cfg.HTTP2MaxConcurrentStreams)}
	httpSrv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           h2c.NewHandler(mux, h2s),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(net.Listener) context.Context {
			return context.Background()
		},
	}
	if err := http2.ConfigureServer(httpSrv, h2s); err != nil {
		if ownedStore {
			_ = store.Close()
		}
		closeTelemetry()
		return nil, fmt.Errorf("configure http2: %w", err)
	}

	return &Server{
		cfg:        cfg,
		logger:     svcfields.WithSubsystem(logger, "server"),
		store:      store,
		ownedStore: ownedStore,
		core:       svc,
		httpSrv:    httpSrv,
		clock:      serverClock,
		telemetry:  telemetry,
		readyCh:    make(chan struct{}),
	}, nil
}

func provisionFromFile(ctx context.Context, path string, store slotstore.Store, logger pslog.Logger) error {
	inventory, err := provision.Load(path)
	if err != nil {
		return err
	}
	res, err := provision.Apply(ctx, store, inventory, logger)
	if err != nil {
		return err
	}
	svcfields.WithSubsystem(logger, "server").Info("server.provision.applied",
		"path", path,
		"created", len(res.Created),
		"refreshed", len(res.Refreshed),
		"unchanged", len(res.Unchanged),
	)
	return nil
}

// Handler returns the HTTP handler so the API can be mounted inside an
// existing server.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

// Service exposes the reservation service backing the server.
func (s *Server) Service() *core.Service {
	return s.core
}

// Start begins serving requests and blocks until the server stops.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen (tcp %s): %w", s.cfg.Listen, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	s.signalReady()
	s.logger.Info("server.listening", "address", ln.Addr().String(), "store", s.cfg.Store, "stale_after", s.cfg.StaleAfter)
	if s.cfg.WatchSlotsFile {
		if err := s.startWatch(); err != nil {
			s.logger.Warn("server.provision.watch_failed", "path", s.cfg.SlotsFile, "error", err)
		}
	}
	s.startSweeper()
	defer func() {
		_ = s.stopSweeper(context.Background())
	}()
	serveErr := s.httpSrv.Serve(ln)
	s.recordServeErr(serveErr)
	if errors.Is(serveErr, http.ErrServerClosed) {
		return nil
	}
	if serveErr != nil {
		return fmt.Errorf("http serve: %w", serveErr)
	}
	return nil
}

// Shutdown gracefully stops the server and returns any fatal serve/shutdown
// error. The returned error will be nil for clean shutdowns.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil
	}
	s.shutdown = true
	cancelWatch := s.watchCancel
	s.watchCancel = nil
	s.mu.Unlock()

	if err := s.httpSrv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http shutdown: %w", err)
	}
	if cancelWatch != nil {
		cancelWatch()
	}
	sweeperErr := s.stopSweeper(ctx)
	if sweeperErr != nil {
		s.logger.Warn("server.sweeper.stop_abandoned", "error", sweeperErr)
	}
	if s.ownedStore {
		if err := s.store.Close(); err != nil {
			return err
		}
	}
	if s.telemetry != nil {
		telemetryCtx := ctx
		if telemetryCtx.Err() != nil {
			var cancel context.CancelFunc
			telemetryCtx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
		}
		if err := s.telemetry.Shutdown(telemetryCtx); err != nil {
			return err
		}
		s.telemetry = nil
	}
	if err := s.LastServeError(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	if sweeperErr != nil {
		return fmt.Errorf("stop sweeper: %w", sweeperErr)
	}
	return nil
}

// Close gracefully shuts the server down using the configured timeout.
func (s *Server) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	return s.Shutdown(ctx)
}

func (s *Server) signalReady() {
	s.readyOnce.Do(func() {
		close(s.readyCh)
	})
}

// WaitUntilReady blocks until the server listener is initialized or context ends.
func (s *Server) WaitUntilReady(ctx context.Context) error {
	select {
	case <-s.readyCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ListenerAddr returns the bound listener address once available.
func (s *Server) ListenerAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr()
	}
	return nil
}

func (s *Server) startWatch() error {
	ctx, cancel := context.WithCancel(context.Background())
	if err := provision.Watch(ctx, s.cfg.SlotsFile, s.store, s.logger); err != nil {
		cancel()
		return err
	}
	s.mu.Lock()
	s.watchCancel = cancel
	s.mu.Unlock()
	s.logger.Info("server.provision.watching", "path", s.cfg.SlotsFile)
	return nil
}

func (s *Server) startSweeper() {
	if s.cfg.DisableSweeper || s.cfg.StaleAfter <= 0 {
		return
	}
	s.mu.Lock()
	if s.sweeperStop != nil {
		s.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.sweeperStop = cancel
	s.sweeperDone = done
	interval := s.cfg.SweeperInterval
	s.mu.Unlock()
	go func() {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.clock.After(interval):
				sweepCtx, cancelSweep := context.WithTimeout(ctx, interval)
				s.sweepOnce(sweepCtx)
				cancelSweep()
			}
		}
	}()
}

// stopSweeper cancels any in-flight sweep and waits for the loop to exit or
// ctx to end, whichever comes first.
func (s *Server) stopSweeper(ctx context.Context) error {
	s.mu.Lock()
	cancel := s.sweeperStop
	done := s.sweeperDone
	s.sweeperStop = nil
	s.sweeperDone = nil
	s.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) sweepOnce(ctx context.Context) {
	report, err := s.core.SweepStale(ctx, core.SweepOptions{
		Threshold:      s.cfg.StaleAfter,
		ReclaimOrphans: s.cfg.ReclaimOrphans,
	})
	if err != nil {
		s.logger.Warn("server.sweeper.failed", "error", err)
		return
	}
	if len(report.Reclaimed) > 0 || len(report.Failed) > 0 {
		s.logger.Info("server.sweeper.reclaimed",
			"reclaimed", report.Reclaimed,
			"failed", len(report.Failed),
			"scanned", report.Scanned,
		)
	}
}

func (s *Server) recordServeErr(err error) {
	s.mu.Lock()
	s.lastServeErr = err
	s.mu.Unlock()
}

// LastServeError returns the most recent error reported by the underlying HTTP
// server.
func (s *Server) LastServeError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastServeErr
}

// StartServer starts a server in a background goroutine and waits until it
// is ready to accept connections. It returns the running server alongside a
// stop function that gracefully shuts it down.
func StartServer(ctx context.Context, cfg Config, opts ...Option) (*Server, func(context.Context) error, error) {
	srv, err := NewServer(cfg, opts...)
	if err != nil {
		return nil, nil, err
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()
	select {
	case <-srv.readyCh:
	case err := <-errCh:
		if err == nil {
			err = errors.New("server stopped before becoming ready")
		}
		_ = srv.Close()
		return nil, nil, err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		<-errCh
		return nil, nil, ctx.Err()
	}
	var (
		stopOnce sync.Once
		stopErr  error
	)
	stop := func(shutdownCtx context.Context) error {
		stopOnce.Do(func() {
			if err := srv.Shutdown(shutdownCtx); err != nil {
				stopErr = err
				return
			}
			if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
				stopErr = err
			}
		})
		return stopErr
	}
	go func() {
		<-ctx.Done()
		_ = stop(context.Background())
	}()
	return srv, stop, nil
}
