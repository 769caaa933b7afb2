// Package rpcserver exposes the orchestration core over Connect RPC.
//
// Every procedure takes and returns a google.protobuf.Struct, so clients
// need no generated code: any Connect, gRPC, or gRPC-Web client can call
// them with a JSON-shaped body. Watch is a server stream of session store
// changes; clients re-read Snapshot or View when they receive one.
package rpcserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"connectrpc.com/connect"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/tailored-agentic-units/trellico/durable"
	"github.com/tailored-agentic-units/trellico/iteration"
	"github.com/tailored-agentic-units/trellico/observability"
	"github.com/tailored-agentic-units/trellico/provider"
	"github.com/tailored-agentic-units/trellico/registry"
)

// ServiceName is the fully qualified service every procedure belongs to.
const ServiceName = "trellico.v1.OrchestratorService"

// Procedure paths.
const (
	SnapshotProcedure        = "/" + ServiceName + "/Snapshot"
	ViewProcedure            = "/" + ServiceName + "/View"
	SessionsProcedure        = "/" + ServiceName + "/Sessions"
	LaunchProcedure          = "/" + ServiceName + "/Launch"
	StopProcedure            = "/" + ServiceName + "/Stop"
	StartIterationProcedure  = "/" + ServiceName + "/StartIteration"
	StopIterationProcedure   = "/" + ServiceName + "/StopIteration"
	SelectIterationProcedure = "/" + ServiceName + "/SelectIteration"
	IterationsProcedure      = "/" + ServiceName + "/Iterations"
	StateProcedure           = "/" + ServiceName + "/State"
	TasksProcedure           = "/" + ServiceName + "/Tasks"
	SetupFolderProcedure     = "/" + ServiceName + "/SetupFolder"
	PlansProcedure           = "/" + ServiceName + "/Plans"
	ReadPlanProcedure        = "/" + ServiceName + "/ReadPlan"
	LinkProcedure            = "/" + ServiceName + "/Link"
	SaveLinkProcedure        = "/" + ServiceName + "/SaveLink"
	CheckProcedure           = "/" + ServiceName + "/Check"
	EventsProcedure          = "/" + ServiceName + "/Events"
	WatchProcedure           = "/" + ServiceName + "/Watch"
)

// APIKeyHeader carries the shared secret when Config.APIKey is set.
const APIKeyHeader = "X-Trellico-API-Key"

// Server event types.
const (
	EventListen observability.EventType = "rpcserver.listen"
	EventCall   observability.EventType = "rpcserver.call"
)

// Config holds server settings.
type Config struct {
	Addr   string `json:"addr,omitempty" yaml:"addr,omitempty" toml:"addr,omitempty"`
	APIKey string `json:"api_key,omitempty" yaml:"api_key,omitempty" toml:"api_key,omitempty"`
	// ShutdownGrace bounds how long in-flight calls may finish on shutdown.
	ShutdownGrace time.Duration `json:"shutdown_grace,omitempty" yaml:"shutdown_grace,omitempty" toml:"shutdown_grace,omitempty"`
}

// DefaultConfig returns the default server configuration.
func DefaultConfig() Config {
	return Config{
		Addr:          "127.0.0.1:7420",
		ShutdownGrace: 5 * time.Second,
	}
}

// Merge applies non-zero values from source into c.
func (c *Config) Merge(source *Config) {
	if source.Addr != "" {
		c.Addr = source.Addr
	}
	if source.APIKey != "" {
		c.APIKey = source.APIKey
	}
	if source.ShutdownGrace > 0 {
		c.ShutdownGrace = source.ShutdownGrace
	}
}

// Option configures a Server.
type Option func(*Server)

// WithObserver overrides the default no-op observer.
func WithObserver(o observability.Observer) Option {
	return func(s *Server) { s.observer = o }
}

// WithChecker sets the availability check behind Check. Without it every
// provider reports available.
func WithChecker(c provider.Checker) Option {
	return func(s *Server) { s.checker = c }
}

// WithEvents exposes recorded events through the Events procedure.
func WithEvents(r *observability.Recorder) Option {
	return func(s *Server) { s.events = r }
}

// Server serves the orchestrator service.
type Server struct {
	cfg      Config
	reg      *registry.Registry
	ctrl     *iteration.Controller
	store    durable.Store
	checker  provider.Checker
	events   *observability.Recorder
	observer observability.Observer
}

// New creates a Server over the given core components.
func New(cfg *Config, reg *registry.Registry, ctrl *iteration.Controller, store durable.Store, opts ...Option) *Server {
	c := DefaultConfig()
	if cfg != nil {
		c.Merge(cfg)
	}
	s := &Server{
		cfg:      c,
		reg:      reg,
		ctrl:     ctrl,
		store:    store,
		checker:  provider.AlwaysAvailable,
		observer: observability.NoOpObserver{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the HTTP handler serving every procedure plus /health.
// HTTP/2 is accepted without TLS.
func (s *Server) Handler() http.Handler {
	opts := []connect.HandlerOption{
		connect.WithInterceptors(s.logInterceptor()),
	}
	if s.cfg.APIKey != "" {
		opts = append(opts, connect.WithInterceptors(APIKeyInterceptor(s.cfg.APIKey)))
	}

	mux := http.NewServeMux()
	mux.Handle(SnapshotProcedure, connect.NewUnaryHandler(SnapshotProcedure, s.Snapshot, opts...))
	mux.Handle(ViewProcedure, connect.NewUnaryHandler(ViewProcedure, s.View, opts...))
	mux.Handle(SessionsProcedure, connect.NewUnaryHandler(SessionsProcedure, s.Sessions, opts...))
	mux.Handle(LaunchProcedure, connect.NewUnaryHandler(LaunchProcedure, s.Launch, opts...))
	mux.Handle(StopProcedure, connect.NewUnaryHandler(StopProcedure, s.Stop, opts...))
	mux.Handle(StartIterationProcedure, connect.NewUnaryHandler(StartIterationProcedure, s.StartIteration, opts...))
	mux.Handle(StopIterationProcedure, connect.NewUnaryHandler(StopIterationProcedure, s.StopIteration, opts...))
	mux.Handle(SelectIterationProcedure, connect.NewUnaryHandler(SelectIterationProcedure, s.SelectIteration, opts...))
	mux.Handle(IterationsProcedure, connect.NewUnaryHandler(IterationsProcedure, s.Iterations, opts...))
	mux.Handle(StateProcedure, connect.NewUnaryHandler(StateProcedure, s.State, opts...))
	mux.Handle(TasksProcedure, connect.NewUnaryHandler(TasksProcedure, s.Tasks, opts...))
	mux.Handle(SetupFolderProcedure, connect.NewUnaryHandler(SetupFolderProcedure, s.SetupFolder, opts...))
	mux.Handle(PlansProcedure, connect.NewUnaryHandler(PlansProcedure, s.Plans, opts...))
	mux.Handle(ReadPlanProcedure, connect.NewUnaryHandler(ReadPlanProcedure, s.ReadPlan, opts...))
	mux.Handle(LinkProcedure, connect.NewUnaryHandler(LinkProcedure, s.Link, opts...))
	mux.Handle(SaveLinkProcedure, connect.NewUnaryHandler(SaveLinkProcedure, s.SaveLink, opts...))
	mux.Handle(CheckProcedure, connect.NewUnaryHandler(CheckProcedure, s.Check, opts...))
	mux.Handle(EventsProcedure, connect.NewUnaryHandler(EventsProcedure, s.Events, opts...))
	mux.Handle(WatchProcedure, connect.NewServerStreamHandler(WatchProcedure, s.Watch, opts...))

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, `{"status":"ok"}`)
	})

	return h2c.NewHandler(mux, &http2.Server{})
}

// ListenAndServe serves on the configured address until ctx ends, then
// shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx ends. Request contexts derive from ctx, so
// open Watch streams end with it.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	observability.Emit(ctx, s.observer, EventListen, observability.LevelInfo, "rpcserver.Serve", map[string]any{
		"addr":    ln.Addr().String(),
		"service": ServiceName,
		"auth":    s.cfg.APIKey != "",
	})

	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownGrace)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

// APIKeyInterceptor rejects calls whose APIKeyHeader does not match apiKey.
func APIKeyInterceptor(apiKey string) connect.Interceptor {
	return &apiKeyInterceptor{key: apiKey}
}

type apiKeyInterceptor struct {
	key string
}

func (i *apiKeyInterceptor) check(h http.Header) error {
	if i.key == "" || h.Get(APIKeyHeader) == i.key {
		return nil
	}
	return connect.NewError(connect.CodeUnauthenticated, errors.New("invalid API key"))
}

func (i *apiKeyInterceptor) WrapUnary(next connect.UnaryFunc) connect.UnaryFunc {
	return func(ctx context.Context, req connect.AnyRequest) (connect.AnyResponse, error) {
		if err := i.check(req.Header()); err != nil {
			return nil, err
		}
		return next(ctx, req)
	}
}

func (i *apiKeyInterceptor) WrapStreamingClient(next connect.StreamingClientFunc) connect.StreamingClientFunc {
	return next
}

func (i *apiKeyInterceptor) WrapStreamingHandler(next connect.StreamingHandlerFunc) connect.StreamingHandlerFunc {
	return func(ctx context.Context, conn connect.StreamingHandlerConn) error {
		if err := i.check(conn.RequestHeader()); err != nil {
			return err
		}
		return next(ctx, conn)
	}
}

// logInterceptor emits one event per unary call.
func (s *Server) logInterceptor() connect.UnaryInterceptorFunc {
	return func(next connect.UnaryFunc) connect.UnaryFunc {
		return func(ctx context.Context, req connect.AnyRequest) (connect.AnyResponse, error) {
			start := time.Now()
			resp, err := next(ctx, req)

			data := map[string]any{
				"procedure": req.Spec().Procedure,
				"duration":  time.Since(start).String(),
			}
			level := observability.LevelVerbose
			if err != nil {
				data["code"] = connect.CodeOf(err).String()
				data["error"] = err.Error()
				level = observability.LevelWarning
			}
			observability.Emit(ctx, s.observer, EventCall, level, "rpcserver.Server", data)
			return resp, err
		}
	}
}
