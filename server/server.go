// Package server assembles the prompt execution server: configuration,
// registries, session manager, pipeline executor, and the MCP stdio
// transport. The Server type owns every long-lived component and is the
// single ToolHandler behind the three MCP tools.
package server

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/redis/go-redis/v9"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/minipuft/claude-prompts-mcp-sub004/condition"
	"github.com/minipuft/claude-prompts-mcp-sub004/config"
	"github.com/minipuft/claude-prompts-mcp-sub004/events"
	"github.com/minipuft/claude-prompts-mcp-sub004/framework"
	"github.com/minipuft/claude-prompts-mcp-sub004/gates"
	"github.com/minipuft/claude-prompts-mcp-sub004/logger"
	"github.com/minipuft/claude-prompts-mcp-sub004/mcp"
	"github.com/minipuft/claude-prompts-mcp-sub004/metrics"
	"github.com/minipuft/claude-prompts-mcp-sub004/pipeline"
	"github.com/minipuft/claude-prompts-mcp-sub004/prompt"
	"github.com/minipuft/claude-prompts-mcp-sub004/refs"
	"github.com/minipuft/claude-prompts-mcp-sub004/scripts"
	"github.com/minipuft/claude-prompts-mcp-sub004/session"
	"github.com/minipuft/claude-prompts-mcp-sub004/styles"
	"github.com/minipuft/claude-prompts-mcp-sub004/telemetry"
	"github.com/minipuft/claude-prompts-mcp-sub004/template"

	"golang.org/x/time/rate"
)

// Resource subdirectories under the configured resources path.
const (
	promptsDir       = "prompts"
	gatesDir         = "gates"
	methodologiesDir = "methodologies"
	stylesDir        = "styles"
)

// ArgumentHistoryFile holds the bounded per-session argument history
// inside the state directory.
const ArgumentHistoryFile = "argument-history.json"

// Server is the assembled prompt execution server.
type Server struct {
	cfg *config.Config
	log *slog.Logger

	bus *events.Bus

	prompts       *prompt.Registry
	gateRegistry  *gates.Registry
	methodologies *framework.Registry
	styleRegistry *styles.Registry

	gateState      *gates.SystemState
	frameworkState *framework.State
	tempGates      *gates.TempStore

	sessions *session.Manager
	argHist  *session.ArgumentHistory

	executor  *pipeline.Executor
	injection *pipeline.InjectionSettings

	exporter *metrics.Exporter
	tracer   *sdktrace.TracerProvider

	in  io.Reader
	out io.Writer

	unsubscribe []func()
	startedAt   time.Time
	stats       *toolStats
}

// Option adjusts server construction.
type Option func(*Server)

// WithStreams overrides the transport streams. Tests drive the server
// through in-memory buffers instead of the process stdio.
func WithStreams(in io.Reader, out io.Writer) Option {
	return func(s *Server) {
		s.in = in
		s.out = out
	}
}

// New builds a server from configuration: event bus and listeners,
// the four resource registries, persisted toggle state, the session
// manager with its configured store backend, and the pipeline executor.
// ctx scopes the session manager and the optional tracer provider.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Server, error) {
	if cfg == nil {
		cfg = config.Defaults()
	}
	logger.SetLevel(logger.ParseLevel(cfg.Logging.Level))

	s := &Server{
		cfg:       cfg,
		log:       logger.With("server"),
		bus:       events.NewBus(),
		in:        os.Stdin,
		out:       os.Stdout,
		startedAt: time.Now(),
		stats:     newToolStats(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.unsubscribe = append(s.unsubscribe, s.bus.SubscribeAll(metrics.NewListener().Handle))

	if cfg.Telemetry.OTLPEndpoint != "" {
		serviceName := cfg.Telemetry.ServiceName
		if serviceName == "" {
			serviceName = cfg.Server.Name
		}
		tp, err := telemetry.NewTracerProvider(ctx, cfg.Telemetry.OTLPEndpoint, serviceName)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize tracing: %w", err)
		}
		s.tracer = tp
		otelListener := telemetry.NewOTelEventListener(tp.Tracer("promptmcp"))
		s.unsubscribe = append(s.unsubscribe, s.bus.SubscribeAll(otelListener.OnEvent))
	}

	resources := cfg.ResourcesDir()
	stateDir := cfg.StateDir()

	var err error
	if s.prompts, err = prompt.NewRegistry(filepath.Join(resources, promptsDir), s.bus); err != nil {
		return nil, fmt.Errorf("failed to load prompt registry: %w", err)
	}
	if s.gateRegistry, err = gates.NewRegistry(filepath.Join(resources, gatesDir), s.bus); err != nil {
		return nil, fmt.Errorf("failed to load gate registry: %w", err)
	}
	if s.methodologies, err = framework.NewRegistry(filepath.Join(resources, methodologiesDir), s.bus); err != nil {
		return nil, fmt.Errorf("failed to load methodology registry: %w", err)
	}
	if s.styleRegistry, err = styles.NewRegistry(filepath.Join(resources, stylesDir), s.bus); err != nil {
		return nil, fmt.Errorf("failed to load style registry: %w", err)
	}

	s.gateState = gates.LoadSystemState(stateDir, cfg.Gates.GatesEnabled())
	s.frameworkState = framework.LoadState(stateDir, cfg.Framework.FrameworkEnabled(), cfg.Framework.Active)
	s.tempGates = gates.NewTempStore()

	store, err := openSessionStore(cfg, stateDir)
	if err != nil {
		return nil, err
	}
	s.sessions, err = session.NewManager(ctx, store, s.bus, session.Options{
		ChainTTL:        cfg.Sessions.GetChainTTL(),
		ReviewTTL:       cfg.Sessions.GetReviewTTL(),
		CleanupInterval: cfg.Sessions.GetCleanupInterval(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start session manager: %w", err)
	}
	s.argHist = session.NewArgumentHistory(filepath.Join(stateDir, ArgumentHistoryFile), 0)

	runner := scripts.NewRunner(cfg.Scripts.GetTimeout(), rate.Limit(cfg.Scripts.RateLimit), cfg.Scripts.RateBurst)
	s.injection = pipeline.NewInjectionSettings(cfg.Injection)

	deps := &pipeline.Deps{
		Prompts:    s.prompts,
		Frameworks: s.methodologies,
		Styles:     s.styleRegistry,

		GateRegistry: s.gateRegistry,
		TempGates:    s.tempGates,
		GateState:    s.gateState,
		GateResolver: gates.NewResolver(s.gateRegistry, s.tempGates),
		Verifier:     gates.NewVerifier(),

		FrameworkState: s.frameworkState,

		Sessions: s.sessions,
		History:  s.argHist,

		Renderer: template.NewRenderer(),
		Refs: refs.New(s.prompts, &registryToolSource{prompts: s.prompts, runner: runner}, refs.Options{
			MaxDepth: cfg.Refs.MaxDepth,
			Lenient:  cfg.Refs.Lenient,
		}),
		Detector:   scripts.NewDetector(),
		Modes:      scripts.NewModeService(0),
		Runner:     runner,
		Conditions: condition.NewEvaluator(cfg.Condition.GetTimeout()),

		Injection: s.injection,
		Bus:       s.bus,

		StrictVerdicts:     cfg.Gates.StrictVerdicts,
		DefaultMaxAttempts: cfg.Gates.DefaultMaxAttempts,
	}
	s.executor, err = pipeline.New(deps, pipeline.Options{
		MaxConcurrent:    int64(cfg.Pipeline.MaxConcurrent),
		ExecutionTimeout: cfg.Pipeline.GetExecutionTimeout(),
		ShutdownTimeout:  cfg.Pipeline.GetShutdownTimeout(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build pipeline: %w", err)
	}

	if cfg.Metrics.Listen != "" {
		s.exporter = metrics.NewExporter(cfg.Metrics.Listen)
	}

	s.log.Info("server assembled",
		"prompts", len(s.prompts.List()),
		"gates", len(s.gateRegistry.List()),
		"methodologies", len(s.methodologies.List()),
		"resources", resources,
		"state", stateDir,
		"store", cfg.Sessions.Store)
	return s, nil
}

// openSessionStore builds the configured session store backend.
func openSessionStore(cfg *config.Config, stateDir string) (session.Store, error) {
	switch cfg.Sessions.Store {
	case config.StoreMemory:
		return session.NewMemoryStore(), nil
	case config.StoreRedis:
		rc := cfg.Sessions.Redis
		client := redis.NewClient(&redis.Options{
			Addr:     rc.Addr,
			Password: rc.Password,
			DB:       rc.DB,
		})
		var opts []session.RedisOption
		if rc.Prefix != "" {
			opts = append(opts, session.WithPrefix(rc.Prefix))
		}
		if ttl := cfg.Sessions.GetChainTTL(); ttl > 0 {
			opts = append(opts, session.WithTTL(ttl))
		}
		return session.NewRedisStore(client, opts...), nil
	default:
		return session.NewFileStore(stateDir)
	}
}

// registryToolSource serves script tools declared by any loaded prompt,
// so references can call tool:<id> regardless of which prompt declared
// it, and executes them through the shared rate-limited runner.
type registryToolSource struct {
	prompts *prompt.Registry
	runner  scripts.Executor
}

func (t *registryToolSource) Tool(id string) (*scripts.ToolDefinition, bool) {
	for _, cfg := range t.prompts.List() {
		for i := range cfg.Spec.ScriptTools {
			if cfg.Spec.ScriptTools[i].ID == id {
				def := cfg.Spec.ScriptTools[i]
				return &def, true
			}
		}
	}
	return nil, false
}

func (t *registryToolSource) Execute(ctx context.Context, tool *scripts.ToolDefinition, inputs map[string]any) (*scripts.Result, error) {
	return t.runner.Execute(ctx, tool, inputs)
}

// Run serves MCP over the configured streams until ctx is cancelled or
// the input stream closes, then shuts the server down.
func (s *Server) Run(ctx context.Context) error {
	serveErr := s.Serve(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.Pipeline.GetShutdownTimeout())
	defer cancel()
	if err := s.Shutdown(shutdownCtx); err != nil {
		s.log.Error("shutdown incomplete", "error", err)
		if serveErr == nil {
			serveErr = err
		}
	}
	return serveErr
}

// Serve starts the background machinery (registry watchers, session
// cleanup, optional metrics endpoint) and blocks in the MCP read loop.
// It does not shut components down; callers pair it with Shutdown, or
// use Run.
func (s *Server) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	debounce := s.cfg.Reload.GetDebounce()
	watchers := []struct {
		name  string
		watch func(context.Context, time.Duration) error
	}{
		{"prompts", s.prompts.Watch},
		{"gates", s.gateRegistry.Watch},
		{"methodologies", s.methodologies.Watch},
		{"styles", s.styleRegistry.Watch},
	}
	for _, w := range watchers {
		if err := w.watch(ctx, debounce); err != nil {
			// Hot reload is an isolated facility. One registry failing to
			// watch must not stop the server from answering requests.
			s.log.Warn("hot reload unavailable", "registry", w.name, "error", err)
		}
	}

	s.sessions.StartCleanup(ctx)

	if s.exporter != nil {
		go func() {
			if err := s.exporter.Start(); err != nil && err != http.ErrServerClosed {
				s.log.Error("metrics endpoint failed", "error", err)
			}
		}()
	}

	srv := mcp.NewServer(s, mcp.Options{
		Name:    s.cfg.Server.Name,
		Version: s.cfg.Server.Version,
		In:      s.in,
		Out:     s.out,
	})
	s.log.Info("serving MCP over stdio", "name", s.cfg.Server.Name, "version", s.cfg.Server.Version)
	return srv.Serve(ctx)
}

// Shutdown stops the server components in dependency order: drain the
// pipeline, flush sessions and histories, stop the exporters, close the
// registries, then the bus. The first failure is returned; later steps
// still run.
func (s *Server) Shutdown(ctx context.Context) error {
	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	record(s.executor.Shutdown(ctx))
	record(s.sessions.Shutdown(ctx))
	record(s.argHist.Flush())

	if s.exporter != nil {
		record(s.exporter.Shutdown(ctx))
	}
	if s.tracer != nil {
		record(s.tracer.Shutdown(ctx))
	}

	for _, unsub := range s.unsubscribe {
		unsub()
	}
	s.prompts.Close()
	s.gateRegistry.Close()
	s.methodologies.Close()
	s.styleRegistry.Close()
	s.bus.Close()

	s.log.Info("server stopped")
	return firstErr
}
