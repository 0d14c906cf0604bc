// Package daemon wires one process-wide device.Manager and N
// scheduler.Schedulers (one per configured agent) into a running
// service: it starts each scheduler's dispatch/rebalance loops, polls
// their metrics into Prometheus, records completed tasks to the audit
// log, and serves a small status/submit HTTP API.
package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dream-sh/dream-agent/internal/agent"
	"github.com/dream-sh/dream-agent/internal/agent/audit"
	"github.com/dream-sh/dream-agent/internal/agent/config"
	"github.com/dream-sh/dream-agent/internal/agent/dependency"
	"github.com/dream-sh/dream-agent/internal/agent/device"
	"github.com/dream-sh/dream-agent/internal/agent/metrics"
	"github.com/dream-sh/dream-agent/internal/agent/predictor"
	"github.com/dream-sh/dream-agent/internal/agent/resource"
	"github.com/dream-sh/dream-agent/internal/agent/scheduler"
)

// metricsPollInterval is how often Serve pushes each scheduler's
// Metrics() snapshot into the Prometheus collectors.
const metricsPollInterval = 5 * time.Second

// namedAgent is one configured scheduler plus the label it reports
// itself under ("kind/model_name"), used for metrics and the status API.
type namedAgent struct {
	label string
	sched *scheduler.Scheduler
}

// Daemon is the DREAM runtime: one device manager shared by every agent,
// N schedulers, and the HTTP surface that fronts them.
type Daemon struct {
	Config  config.Config
	Devices *device.Manager
	Audit   *audit.Log

	agents []namedAgent
	cancel context.CancelFunc
}

// New loads config from the default path and builds a Daemon.
func New() (*Daemon, error) {
	cfg, err := config.Load("")
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return NewWithConfig(cfg)
}

// NewWithConfig builds a Daemon from an already-loaded Config.
func NewWithConfig(cfg config.Config) (*Daemon, error) {
	devices := device.New()
	devices.Initialize(cfg.Device.Count, cfg.Device.StreamsPerDevice, cfg.Device.MemoryPerDevice)

	var auditLog *audit.Log
	if cfg.Audit.Enabled {
		var err error
		auditLog, err = audit.Open(cfg.Audit.Path)
		if err != nil {
			return nil, fmt.Errorf("open audit log: %w", err)
		}
	}

	refreshInterval, err := config.Duration(cfg.Prediction.RefreshInterval, 30*time.Second)
	if err != nil {
		return nil, err
	}
	rebalanceInterval, err := config.Duration(cfg.Rebalance.Interval, 5*time.Second)
	if err != nil {
		return nil, err
	}

	d := &Daemon{Config: cfg, Devices: devices, Audit: auditLog}

	for _, ac := range cfg.Agents {
		kind, err := config.ParseKind(ac.Kind)
		if err != nil {
			return nil, fmt.Errorf("agent %q: %w", ac.ModelName, err)
		}
		priority, err := config.ParsePriority(ac.PriorityDefault)
		if err != nil {
			return nil, fmt.Errorf("agent %q: %w", ac.ModelName, err)
		}
		resources, err := ac.Resources()
		if err != nil {
			return nil, fmt.Errorf("agent %q: %w", ac.ModelName, err)
		}
		taskTimeout, err := config.Duration(ac.TaskTimeout, 5*time.Minute)
		if err != nil {
			return nil, fmt.Errorf("agent %q: %w", ac.ModelName, err)
		}

		accountant := resource.New(resource.DefaultConfig(cfg.Capacity.Capacities()))
		deps := dependency.New(dependency.DefaultConfig())
		pred := predictor.New(predictor.Config{
			MaxHistory:         cfg.Prediction.MaxHistory,
			Now:                time.Now,
			MinRefreshInterval: refreshInterval,
		})

		schedCfg := scheduler.Config{
			Kind:                         kind,
			ModelName:                    ac.ModelName,
			PriorityDefault:              priority,
			MemoryBudget:                 ac.MemoryBudget,
			WorkerConcurrency:            ac.WorkerConcurrency,
			MaxQueue:                     ac.MaxQueue,
			TaskTimeout:                  taskTimeout,
			DeclaredResourceRequirements: resources,
			RebalanceInterval:            rebalanceInterval,
			RebalanceOverloadThreshold:   cfg.Rebalance.OverloadThreshold,
			Now:                          time.Now,
		}
		// echoCallback is a generic placeholder worker with no fixed kind of
		// its own, so the declared worker kind here is simply the agent's
		// configured kind; a real worker implementation would supply its own
		// kind independent of config, and New would catch a mismatch.
		sched, err := scheduler.New(schedCfg, kind, accountant, devices, deps, pred)
		if err != nil {
			return nil, fmt.Errorf("agent %q: %w", ac.ModelName, err)
		}
		label := fmt.Sprintf("%s/%s", kind, ac.ModelName)
		d.agents = append(d.agents, namedAgent{label: label, sched: sched})
	}

	return d, nil
}

// Agent returns the scheduler registered under label, if any.
func (d *Daemon) Agent(label string) (*scheduler.Scheduler, bool) {
	for _, a := range d.agents {
		if a.label == label {
			return a.sched, true
		}
	}
	return nil, false
}

// AgentLabels returns every configured agent label.
func (d *Daemon) AgentLabels() []string {
	labels := make([]string, len(d.agents))
	for i, a := range d.agents {
		labels[i] = a.label
	}
	return labels
}

// Serve starts every scheduler's background loops, the metrics poller,
// and the HTTP server, blocking until the context is cancelled or a
// termination signal arrives.
func (d *Daemon) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel

	var wg sync.WaitGroup
	for _, a := range d.agents {
		wg.Add(1)
		go func(a namedAgent) {
			defer wg.Done()
			a.sched.Run()
		}(a)
	}

	go d.pollMetrics(ctx)

	addr := fmt.Sprintf("%s:%d", d.Config.API.Host, d.Config.API.Port)
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      d.handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  2 * time.Minute,
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		select {
		case <-sigCh:
		case <-ctx.Done():
		}

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()

		for _, a := range d.agents {
			a.sched.Shutdown()
		}
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	log.Printf("dreamd serving on http://%s (%d agent(s))", addr, len(d.agents))
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	wg.Wait()
	return nil
}

// Close releases resources without going through the signal-driven
// shutdown path, for a Daemon whose handler is used without calling Serve.
func (d *Daemon) Close() {
	if d.cancel != nil {
		d.cancel()
	}
	for _, a := range d.agents {
		a.sched.Shutdown()
	}
	d.Devices.Dispose()
	if d.Audit != nil {
		_ = d.Audit.Close()
	}
}

func (d *Daemon) pollMetrics(ctx context.Context) {
	ticker := time.NewTicker(metricsPollInterval)
	defer ticker.Stop()
	recorded := make(map[string]map[agent.TaskId]bool, len(d.agents))
	for _, a := range d.agents {
		recorded[a.label] = make(map[agent.TaskId]bool)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, a := range d.agents {
				snapshot := a.sched.Metrics()
				metrics.Observe(a.label, snapshot)
				d.recordRecent(a, snapshot.RecentTasks, recorded[a.label])
			}
		}
	}
}

// recordRecent writes newly-terminal tasks from snapshot.RecentTasks into
// the audit log, skipping ids seen on a prior poll. Wait returns
// immediately for these ids since the task already reached a terminal
// state before it appeared in RecentTasks.
func (d *Daemon) recordRecent(a namedAgent, recentTasks []agent.TaskId, seen map[agent.TaskId]bool) {
	if d.Audit == nil {
		return
	}
	for _, id := range recentTasks {
		if seen[id] {
			continue
		}
		seen[id] = true
		task, err := a.sched.Wait(id)
		if err != nil {
			continue
		}
		reason := ""
		if len(task.ErrorMessages) > 0 {
			reason = task.ErrorMessages[len(task.ErrorMessages)-1]
		}
		entry := audit.Entry{
			TaskId:      task.Id,
			AgentLabel:  a.label,
			Description: task.Description,
			State:       task.State.String(),
			Reason:      reason,
			CreatedAt:   task.CreatedAt,
			StartedAt:   task.StartedAt,
			CompletedAt: task.CompletedAt,
		}
		if err := d.Audit.Record(entry); err != nil {
			log.Printf("dreamd: audit record failed for task %d: %v", id, err)
		}
	}
}

func (d *Daemon) handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: d.Config.API.CORSOrigins,
		AllowedMethods: []string{"GET", "POST"},
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Get("/api/agents", d.handleListAgents)
	r.Route("/api/agents/{label}", func(r chi.Router) {
		r.Get("/metrics", d.handleAgentMetrics)
		r.Post("/submit", d.handleSubmit)
		r.Get("/history", d.handleHistory)
	})

	r.Handle("/metrics", promhttp.Handler())

	return r
}

func (d *Daemon) handleListAgents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"agents": d.AgentLabels()})
}

func (d *Daemon) handleAgentMetrics(w http.ResponseWriter, r *http.Request) {
	label := chi.URLParam(r, "label")
	sched, ok := d.Agent(label)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown agent"})
		return
	}
	writeJSON(w, http.StatusOK, sched.Metrics())
}

// submitRequest is the JSON body accepted by POST /api/agents/{label}/submit.
type submitRequest struct {
	Description string `json:"description"`
	Input       []byte `json:"input"`
	Priority    string `json:"priority"`
}

func (d *Daemon) handleSubmit(w http.ResponseWriter, r *http.Request) {
	label := chi.URLParam(r, "label")
	sched, ok := d.Agent(label)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown agent"})
		return
	}

	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	priority, err := config.ParsePriority(req.Priority)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	id, err := sched.Submit(req.Description, req.Input, nil, priority, echoCallback)
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
		return
	}
	correlationID := uuid.New().String()
	log.Printf("dreamd: submitted task %d to %s (correlation_id=%s)", id, label, correlationID)
	writeJSON(w, http.StatusAccepted, map[string]any{"task_id": id, "correlation_id": correlationID})
}

func (d *Daemon) handleHistory(w http.ResponseWriter, r *http.Request) {
	if d.Audit == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "audit log disabled"})
		return
	}
	label := chi.URLParam(r, "label")
	history, err := d.Audit.History(label, 100)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"history": history})
}

// echoCallback is a placeholder worker used by the HTTP submit endpoint
// until a real per-agent callback is wired in from outside the daemon —
// dreamd is a scheduling engine, not a worker implementation, so Callback
// injection is left to the embedding application.
func echoCallback(ctx agent.CallbackContext) ([]byte, error) {
	return ctx.Payload, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
