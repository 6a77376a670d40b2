// Package api provides HTTP handlers and the server bootstrap for FlowDesk.
//
// It exposes RESTful endpoints for inbound conversation turns, workflow
// management, knowledge-base entries, and run inspection, and wires the
// engine's collaborators together at startup.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/BTreeMap/FlowDesk/internal/flow"
	"github.com/BTreeMap/FlowDesk/internal/genai"
	"github.com/BTreeMap/FlowDesk/internal/lockfile"
	"github.com/BTreeMap/FlowDesk/internal/messaging"
	"github.com/BTreeMap/FlowDesk/internal/scheduler"
	"github.com/BTreeMap/FlowDesk/internal/store"
	"github.com/BTreeMap/FlowDesk/internal/tools"
)

// DefaultAddr is the API listen address when none is configured.
const DefaultAddr = ":8080"

// Opts holds API server configuration.
type Opts struct {
	Addr     string
	StateDir string
	Debounce time.Duration
	// UseTwilio switches outbound delivery from the log sender to Twilio.
	UseTwilio bool
}

// Option configures the API server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithStateDir sets the directory guarded by the instance lock.
func WithStateDir(dir string) Option {
	return func(o *Opts) { o.StateDir = dir }
}

// WithDebounce overrides the inbound turn debounce window.
func WithDebounce(d time.Duration) Option {
	return func(o *Opts) { o.Debounce = d }
}

// WithTwilio enables Twilio outbound delivery.
func WithTwilio() Option {
	return func(o *Opts) { o.UseTwilio = true }
}

// Server holds the handler dependencies.
type Server struct {
	st         store.Store
	dispatcher *flow.Dispatcher
	sessions   *flow.AgentSessionManager
	tools      *tools.Registry
	addr       string
}

// NewServer assembles a server from already-constructed collaborators.
// Used directly by tests; Run builds everything from options.
func NewServer(st store.Store, dispatcher *flow.Dispatcher, sessions *flow.AgentSessionManager, reg *tools.Registry, addr string) *Server {
	if addr == "" {
		addr = DefaultAddr
	}
	return &Server{st: st, dispatcher: dispatcher, sessions: sessions, tools: reg, addr: addr}
}

// Routes returns the HTTP mux with all endpoints registered.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.healthHandler)
	mux.HandleFunc("/api/v1/turns", s.turnsHandler)
	mux.HandleFunc("/api/v1/workflows", s.workflowsHandler)
	mux.HandleFunc("/api/v1/workflows/", s.workflowByIDHandler)
	mux.HandleFunc("/api/v1/sessions/", s.sessionsHandler)
	mux.HandleFunc("/api/v1/executions/", s.executionsHandler)
	mux.HandleFunc("/api/v1/knowledge", s.knowledgeHandler)
	mux.HandleFunc("/api/v1/tools", s.toolsHandler)
	return mux
}

// Run builds the whole service from options and blocks until shutdown.
func Run(storeOpts []store.Option, genaiOpts []genai.Option, apiOpts []Option) error {
	var cfg Opts
	for _, opt := range apiOpts {
		opt(&cfg)
	}
	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
	}

	// Only one daemon may poll the delay queue for a given state directory.
	var lock *lockfile.Lock
	if cfg.StateDir != "" {
		var err error
		lock, err = lockfile.AcquireLock(cfg.StateDir)
		if err != nil {
			return fmt.Errorf("failed to lock state directory: %w", err)
		}
		defer lock.Release()
	}

	st, err := store.NewStore(storeOpts...)
	if errors.Is(err, store.ErrDSNNotSet) {
		slog.Warn("api.Run: no database DSN configured, using in-memory store")
		st = store.NewInMemoryStore()
	} else if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	ai, err := genai.NewClient(genaiOpts...)
	if err != nil {
		return fmt.Errorf("failed to create GenAI client: %w", err)
	}

	var outbound interface {
		flow.MessagingService
		flow.EscalationNotifier
	}
	if cfg.UseTwilio {
		tw, err := messaging.NewTwilioClient()
		if err != nil {
			return fmt.Errorf("failed to create Twilio client: %w", err)
		}
		outbound = tw
	} else {
		outbound = messaging.LogSender{}
	}

	reg := tools.NewRegistry()
	sessions := flow.NewAgentSessionManager(st)
	pauses := flow.NewPauseService(st)
	deps := &flow.Deps{
		GenAI:    ai,
		Tools:    reg,
		History:  st,
		Know:     st,
		Metadata: st,
		Sessions: sessions,
		Delay:    flow.NewDurableDelayQueue(st),
		Notifier: outbound,
	}
	dispatcher := flow.NewDispatcher(flow.DispatcherConfig{
		Workflows: st,
		ExecLog:   st,
		Pauses:    pauses,
		Messaging: outbound,
		Deps:      deps,
		Debounce:  cfg.Debounce,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runner := store.NewJobRunner(st, 0)
	flow.RegisterJobHandlers(runner, dispatcher, st, outbound)
	if err := runner.RecoverStaleJobs(); err != nil {
		slog.Warn("api.Run: stale job recovery failed", "error", err)
	}
	go runner.Run(ctx)

	sched := scheduler.NewScheduler()
	defer sched.Stop()
	if err := scheduler.RegisterHousekeeping(sched, st); err != nil {
		return fmt.Errorf("failed to register housekeeping jobs: %w", err)
	}

	server := NewServer(st, dispatcher, sessions, reg, cfg.Addr)
	httpServer := &http.Server{Addr: server.addr, Handler: server.Routes()}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("api.Run: listening", "addr", server.addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("API server failed: %w", err)
	case <-ctx.Done():
	}

	slog.Info("api.Run: shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("api.Run: HTTP shutdown failed", "error", err)
	}
	dispatcher.Wait()
	return nil
}
