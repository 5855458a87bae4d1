// Package agent runs the sampling campaigns as a background service.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"golang.org/x/sync/errgroup"

	"vmenergy/internal/campaign"
	"vmenergy/internal/clock"
	"vmenergy/internal/logging"
)

// Campaign is one sequential sampling campaign.
type Campaign interface {
	Name() string
	Run(ctx context.Context) (campaign.Summary, error)
}

// Status is a campaign's progress as reported on /status.
type Status struct {
	Campaign  string    `json:"campaign"`
	Running   bool      `json:"running"`
	StartedAt time.Time `json:"started_at"`
	RunID     string    `json:"run_id,omitempty"`
	Succeeded int       `json:"succeeded"`
	Failed    int       `json:"failed"`
	LastEnd   time.Time `json:"last_window_end,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// Renewer keeps the agent's lease alive.
type Renewer interface {
	Renew() error
}

// Options configure an Agent.
type Options struct {
	Campaigns []Campaign
	// StatusAddr serves /healthz, /status and /metrics when non-empty.
	StatusAddr string
	Metrics    http.Handler
	// Heartbeat is the debug heartbeat interval; zero disables it.
	Heartbeat time.Duration
	// Lease is renewed on every heartbeat when set.
	Lease  Renewer
	Clock  clock.Clock
	Logger *logging.Logger
}

// Agent represents the background service
type Agent struct {
	opts      Options
	startTime time.Time

	mu     sync.Mutex
	status map[string]*Status
}

// NewAgent creates a new agent instance
func NewAgent(opts Options) *Agent {
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	a := &Agent{opts: opts, status: make(map[string]*Status)}
	for _, c := range opts.Campaigns {
		a.status[c.Name()] = &Status{Campaign: c.Name()}
	}
	return a
}

// Run executes every campaign concurrently until all complete, the context is
// cancelled, or SIGINT/SIGTERM arrives. Campaigns share no state; a campaign
// stopping early does not stop the others.
func (a *Agent) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a.startTime = a.opts.Clock.Now()
	a.opts.Logger.Info("agent.started", "Agent service started", map[string]interface{}{
		"pid":       os.Getpid(),
		"campaigns": len(a.opts.Campaigns),
	})

	g, gctx := errgroup.WithContext(ctx)
	serveCtx, stopServing := context.WithCancel(gctx)
	defer stopServing()

	if a.opts.StatusAddr != "" {
		g.Go(func() error {
			if err := a.serveStatus(serveCtx); err != nil {
				a.opts.Logger.Error("agent.status.failed", "Status server stopped, sampling continues", map[string]interface{}{
					"listen": a.opts.StatusAddr,
					"error":  err.Error(),
				})
			}
			return nil
		})
	}
	if a.opts.Heartbeat > 0 {
		g.Go(func() error {
			a.heartbeat(serveCtx)
			return nil
		})
	}

	g.Go(func() error {
		defer stopServing()
		var campaigns errgroup.Group
		for _, c := range a.opts.Campaigns {
			c := c
			campaigns.Go(func() error { return a.runCampaign(gctx, c) })
		}
		return campaigns.Wait()
	})

	err := g.Wait()
	a.opts.Logger.Info("agent.stopped", "Agent service stopped", map[string]interface{}{
		"uptime_seconds": a.opts.Clock.Since(a.startTime).Seconds(),
	})
	return err
}

func (a *Agent) runCampaign(ctx context.Context, c Campaign) error {
	name := c.Name()
	a.update(name, func(s *Status) {
		s.Running = true
		s.StartedAt = a.opts.Clock.Now()
	})

	summary, err := c.Run(ctx)
	a.update(name, func(s *Status) {
		s.Running = false
		s.RunID = summary.RunID
		s.Succeeded = summary.Succeeded
		s.Failed = summary.Failed
		s.LastEnd = summary.LastWindow.End
		if err != nil {
			s.Error = err.Error()
		}
	})

	if err != nil && !errors.Is(err, context.Canceled) {
		a.opts.Logger.Error("agent.campaign.failed", "Campaign stopped with an error", map[string]interface{}{
			"campaign": name,
			"error":    err.Error(),
		})
		return fmt.Errorf("campaign %s: %w", name, err)
	}
	return nil
}

func (a *Agent) update(name string, fn func(*Status)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.status[name]
	if !ok {
		s = &Status{Campaign: name}
		a.status[name] = s
	}
	fn(s)
}

// Statuses returns a snapshot of every campaign, sorted by name.
func (a *Agent) Statuses() []Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Status, 0, len(a.status))
	for _, s := range a.status {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Campaign < out[j].Campaign })
	return out
}

// HealthCheck fails when a campaign stopped with an error other than cancellation.
func (a *Agent) HealthCheck() error {
	for _, s := range a.Statuses() {
		if s.Error != "" && s.Error != context.Canceled.Error() {
			return fmt.Errorf("campaign %s: %s", s.Campaign, s.Error)
		}
	}
	return nil
}

func (a *Agent) heartbeat(ctx context.Context) {
	for {
		if err := a.opts.Clock.Sleep(ctx, a.opts.Heartbeat); err != nil {
			return
		}
		running := 0
		for _, s := range a.Statuses() {
			if s.Running {
				running++
			}
		}
		if a.opts.Lease != nil {
			if err := a.opts.Lease.Renew(); err != nil {
				a.opts.Logger.Warn("agent.lease.renew_failed", "Failed to renew agent lease", map[string]interface{}{
					"error": err.Error(),
				})
			}
		}
		a.opts.Logger.Debug("agent.heartbeat", "Agent heartbeat", map[string]interface{}{
			"uptime_seconds": a.opts.Clock.Since(a.startTime).Seconds(),
			"running":        running,
		})
	}
}

// StatusHandler serves /healthz, /status and, when configured, /metrics.
func (a *Agent) StatusHandler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		if err := a.HealthCheck(); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}).Methods(http.MethodGet)
	r.HandleFunc("/status", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, a.Statuses())
	}).Methods(http.MethodGet)
	if a.opts.Metrics != nil {
		r.Handle("/metrics", a.opts.Metrics).Methods(http.MethodGet)
	}
	return r
}

func (a *Agent) serveStatus(ctx context.Context) error {
	server := &http.Server{
		Addr:              a.opts.StatusAddr,
		Handler:           a.StatusHandler(),
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       30 * time.Second,
	}

	a.opts.Logger.Info("agent.status.started", "Serving agent status", map[string]interface{}{
		"listen": a.opts.StatusAddr,
	})

	errCh := make(chan error, 1)
	go func() { errCh <- server.ListenAndServe() }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("status server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
