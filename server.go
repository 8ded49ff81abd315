package httpcore

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"pkt.systems/httpcore/admission"
	"pkt.systems/httpcore/internal/loggingutil"
	"pkt.systems/pslog"
)

// State is the lifecycle phase of a Server.
type State int

const (
	// StateCreated is the phase between NewServer and Bind/Start.
	StateCreated State = iota
	// StateBinding covers socket acquisition.
	StateBinding
	// StateRunning means every listener is accepting.
	StateRunning
	// StateStopping covers teardown.
	StateStopping
	// StateStopped is terminal after a successful Stop.
	StateStopped
	// StateFailedToStart is terminal after an unsuccessful Start.
	StateFailedToStart
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateBinding:
		return "binding"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	case StateFailedToStart:
		return "failed-to-start"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Server binds one or more endpoints, terminates TLS, and dispatches
// admitted connections into the handler chain. All lifecycle methods are
// safe for concurrent use.
type Server struct {
	cfg       Config
	logger    pslog.Logger
	handler   http.Handler
	endpoints []*endpoint
	guard     *admission.Guard
	metrics   *serverMetrics
	registry  *prometheus.Registry
	telemetry *telemetryBundle
	instance  uuid.UUID

	mu        sync.Mutex
	state     State
	bound     bool
	started   bool
	startDone chan struct{}
	startErr  error
	stopDone  chan struct{}
	serveDone chan error
	serving   int

	readyOnce sync.Once
	readyCh   chan struct{}
}

// Option configures server instances.
type Option func(*options)

type options struct {
	Logger       pslog.Logger
	Registry     *prometheus.Registry
	OTLPEndpoint string
	configHooks  []func(*Config)
}

// WithLogger supplies a custom logger.
func WithLogger(l pslog.Logger) Option {
	return func(o *options) {
		o.Logger = l
	}
}

// WithRegistry supplies the Prometheus registry for connection metrics,
// useful when embedding into a program that already exposes one.
func WithRegistry(r *prometheus.Registry) Option {
	return func(o *options) {
		o.Registry = r
	}
}

// WithOTLPEndpoint overrides the OTLP collector endpoint used for telemetry.
func WithOTLPEndpoint(endpoint string) Option {
	return func(o *options) {
		o.OTLPEndpoint = endpoint
	}
}

// WithFilter appends an admission filter to the configured one.
func WithFilter(f admission.Filter) Option {
	return func(o *options) {
		o.configHooks = append(o.configHooks, func(cfg *Config) {
			if cfg.Filter == nil {
				cfg.Filter = f
				return
			}
			cfg.Filter = admission.Chain(cfg.Filter, f)
		})
	}
}

// NewServer constructs a server according to cfg. TLS identities are loaded
// here: strict listeners fail construction on unusable material, others
// degrade to plaintext.
// Example:
//
//	cfg := httpcore.Config{
//	    Listeners: []httpcore.ListenSpec{{Addr: "127.0.0.1:0"}},
//	    Handler:   mux,
//	}
//	srv, err := httpcore.NewServer(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	go srv.Start(ctx)
func NewServer(cfg Config, opts ...Option) (*Server, error) {
	cfgCopy := cfg
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	for _, hook := range o.configHooks {
		hook(&cfgCopy)
	}
	if o.OTLPEndpoint != "" {
		cfgCopy.OTLPEndpoint = o.OTLPEndpoint
	}
	if err := cfgCopy.Validate(); err != nil {
		return nil, err
	}
	cfg = cfgCopy

	instance := uuid.New()
	logger := loggingutil.EnsureLogger(o.Logger).With("instance", instance.String())
	registry := o.Registry
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	metrics := newServerMetrics(registry)

	telemetry, err := setupTelemetry(context.Background(), cfg, registry,
		loggingutil.WithSubsystem(logger, "telemetry"))
	if err != nil {
		return nil, err
	}

	var guard *admission.Guard
	if cfg.GuardFailureThreshold > 0 {
		guard = admission.NewGuard(admission.GuardConfig{
			FailureThreshold: cfg.GuardFailureThreshold,
			FailureWindow:    cfg.GuardFailureWindow,
			BlockDuration:    cfg.GuardBlockDuration,
		}, logger)
	}

	handler := cfg.Chain.Build(cfg.Handler)
	if cfg.OTLPEndpoint != "" {
		handler = otelhttp.NewHandler(handler, "httpcore.http",
			otelhttp.WithMessageEvents(otelhttp.ReadEvents, otelhttp.WriteEvents))
	}

	s := &Server{
		cfg:       cfg,
		logger:    loggingutil.WithSubsystem(logger, "server"),
		handler:   handler,
		guard:     guard,
		metrics:   metrics,
		registry:  registry,
		instance:  instance,
		telemetry: telemetry,
		readyCh:   make(chan struct{}),
	}
	for _, spec := range cfg.Listeners {
		ep, err := newEndpoint(spec, cfg, guard, metrics, logger)
		if err != nil {
			if telemetry != nil {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				_ = telemetry.Shutdown(shutdownCtx)
				cancel()
			}
			return nil, err
		}
		s.endpoints = append(s.endpoints, ep)
	}
	return s, nil
}

// Bind acquires and binds every listener socket without accepting. All
// sockets bind before any listens, so a conflict anywhere leaves nothing
// exposed. Start calls Bind implicitly; calling it first is useful to claim
// ports early or to read ephemeral ports via Addrs.
func (s *Server) Bind(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bindLocked(ctx)
}

func (s *Server) bindLocked(ctx context.Context) error {
	if s.bound {
		return nil
	}
	switch s.state {
	case StateCreated:
	default:
		return fmt.Errorf("bind in state %s: %w", s.state, ErrNotRunning)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.state = StateBinding
	for i, ep := range s.endpoints {
		if err := ep.bind(); err != nil {
			for _, prev := range s.endpoints[:i] {
				prev.stopListening()
			}
			s.state = StateCreated
			return err
		}
	}
	s.bound = true
	return nil
}

// Start binds (if needed) and brings every listener to accepting, firing the
// handler chain's start hooks, then returns. Accept loops keep running on
// their own goroutines. Only the first call attempts a start; later calls
// return ErrAlreadyStarted whatever the first outcome was.
func (s *Server) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.started = true
	s.startDone = make(chan struct{})
	err := s.startLocked(ctx)
	s.startErr = err
	close(s.startDone)
	s.mu.Unlock()
	s.signalReady()
	return err
}

func (s *Server) startLocked(ctx context.Context) error {
	if err := s.bindLocked(ctx); err != nil {
		s.state = StateFailedToStart
		return &StartError{Errs: []error{err}}
	}
	s.serveDone = make(chan error, len(s.endpoints))
	for i, ep := range s.endpoints {
		if err := ep.serve(s.handler, s.cfg, s.serveDone); err != nil {
			for _, started := range s.endpoints[:i] {
				started.stopListening()
			}
			for range i {
				<-s.serveDone
			}
			for _, ep := range s.endpoints {
				ep.stopListening()
			}
			s.bound = false
			s.state = StateFailedToStart
			return &StartError{Errs: []error{err}}
		}
	}
	s.serving = len(s.endpoints)
	s.cfg.Chain.fireStart(ctx)
	s.state = StateRunning
	s.logger.Info("started", "listeners", len(s.endpoints))
	return nil
}

// Stop halts accepting, drains in-flight requests, fires the chain's stop
// hooks, and releases sockets. It blocks until accept loops have exited.
// Concurrent and repeated calls serialize behind the first; every call after
// the first returns nil without error.
func (s *Server) Stop(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.stopDone = make(chan struct{})
	startDone := s.startDone
	s.mu.Unlock()

	// a stop racing an in-flight start waits for the start's outcome first
	if startDone != nil {
		<-startDone
	}

	s.mu.Lock()
	defer func() {
		close(s.stopDone)
		s.mu.Unlock()
	}()

	if s.state == StateStopped || s.state == StateFailedToStart {
		return nil
	}
	wasRunning := s.state == StateRunning
	s.state = StateStopping

	// Shutdown runs before the raw sockets close: it marks the protocol
	// server as closing and closes its tracked listener, so the accept loop
	// reports ErrServerClosed rather than a raw closed-socket error.
	var errs []error
	for _, ep := range s.endpoints {
		if err := ep.shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	for _, ep := range s.endpoints {
		ep.stopListening()
	}
	for range s.serving {
		err := <-s.serveDone
		if err != nil && !errors.Is(err, http.ErrServerClosed) && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, err)
		}
	}
	s.serving = 0
	s.bound = false
	if wasRunning {
		s.cfg.Chain.fireStop()
	}
	if s.telemetry != nil {
		telemetryCtx := ctx
		if telemetryCtx.Err() != nil {
			var cancel context.CancelFunc
			telemetryCtx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
		}
		if err := s.telemetry.Shutdown(telemetryCtx); err != nil {
			errs = append(errs, err)
		}
		s.telemetry = nil
	}
	s.state = StateStopped
	s.logger.Info("stopped")
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// StopListening closes the listener sockets and halts accept loops while the
// server value stays alive: in-flight connections keep being served and the
// handler chain's stop hooks do not fire. ListenSocket reports -1 afterwards.
func (s *Server) StopListening() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ep := range s.endpoints {
		ep.stopListening()
	}
	for range s.serving {
		<-s.serveDone
	}
	s.serving = 0
	s.bound = false
}

// State reports the current lifecycle phase.
func (s *Server) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ListenSocket returns the OS-level descriptor of the first listener, or -1
// when nothing is bound. The descriptor remains owned by the server.
func (s *Server) ListenSocket() int {
	socks := s.ListenSockets()
	if len(socks) == 0 {
		return -1
	}
	return socks[0]
}

// ListenSockets returns the OS-level descriptor per listener, -1 entries for
// unbound ones.
func (s *Server) ListenSockets() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int, len(s.endpoints))
	for i, ep := range s.endpoints {
		out[i] = ep.fd()
	}
	return out
}

// Addrs returns the bound address per listener, nil entries for unbound
// ones. Useful for discovering ephemeral ports after Bind.
func (s *Server) Addrs() []net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]net.Addr, len(s.endpoints))
	for i, ep := range s.endpoints {
		out[i] = ep.addr()
	}
	return out
}

func (s *Server) signalReady() {
	s.readyOnce.Do(func() {
		close(s.readyCh)
	})
}

// WaitUntilReady blocks until Start has an outcome or the context ends. It
// returns the start error when the server failed to come up.
func (s *Server) WaitUntilReady(ctx context.Context) error {
	select {
	case <-s.readyCh:
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.startErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// UpdateTLSCredentials re-reads every file-backed TLS identity from disk.
// New handshakes use the new material immediately; established connections
// are untouched.
func (s *Server) UpdateTLSCredentials() error {
	var errs []error
	updated := 0
	for _, ep := range s.endpoints {
		if ep.store == nil {
			continue
		}
		updated++
		if err := ep.store.Reload(); err != nil {
			errs = append(errs, err)
		}
	}
	if updated == 0 {
		return fmt.Errorf("update tls credentials: no TLS listeners")
	}
	return errors.Join(errs...)
}

// UpdateCertificate installs the PEM pair as the default identity on every
// TLS listener, after validating pair consistency.
func (s *Server) UpdateCertificate(certPEM, keyPEM []byte) error {
	var errs []error
	updated := 0
	for _, ep := range s.endpoints {
		if ep.store == nil {
			continue
		}
		updated++
		if err := ep.store.SetCertificate(certPEM, keyPEM); err != nil {
			errs = append(errs, err)
		}
	}
	if updated == 0 {
		return fmt.Errorf("update certificate: no TLS listeners")
	}
	return errors.Join(errs...)
}

// UpdateTicketSeeds atomically replaces the session-ticket seed schedule on
// every TLS listener. Tickets minted under a dropped seed stop resuming and
// those clients complete full handshakes instead.
func (s *Server) UpdateTicketSeeds(seeds TicketSeeds) error {
	var errs []error
	updated := 0
	for _, ep := range s.endpoints {
		if ep.store == nil {
			continue
		}
		updated++
		if err := ep.store.SetTicketSeeds(seeds); err != nil {
			errs = append(errs, err)
		}
	}
	if updated == 0 {
		return fmt.Errorf("update ticket seeds: no TLS listeners")
	}
	return errors.Join(errs...)
}

// StartServer starts a server in a background goroutine and waits until it
// is accepting. It returns the running server alongside a stop function that
// gracefully shuts it down.
// Example:
//
//	srv, stop, err := httpcore.StartServer(ctx, cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer stop(context.Background())
func StartServer(ctx context.Context, cfg Config, opts ...Option) (*Server, func(context.Context) error, error) {
	srv, err := NewServer(cfg, opts...)
	if err != nil {
		return nil, nil, err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if err := srv.Start(ctx); err != nil {
		return nil, nil, err
	}
	var (
		stopOnce sync.Once
		stopErr  error
	)
	stop := func(shutdownCtx context.Context) error {
		stopOnce.Do(func() {
			if shutdownCtx == nil {
				shutdownCtx = context.Background()
			}
			stopErr = srv.Stop(shutdownCtx)
		})
		return stopErr
	}
	go func() {
		<-ctx.Done()
		_ = stop(context.Background())
	}()
	return srv, stop, nil
}
