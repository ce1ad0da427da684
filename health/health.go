// Package health reports whether the order service can do its job.
//
// Each check is registered with a Criticality. A failing Critical check (the
// order store) makes the service unhealthy and /healthcheck answers 503. A
// failing Degrading check (the broker) only degrades it: orders are still
// stored while notifications are down, so the instance stays in rotation.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"
)

// Status of a check or of the whole service
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

func (s Status) rank() int {
	switch s {
	case StatusHealthy:
		return 0
	case StatusDegraded:
		return 1
	default:
		return 2
	}
}

// HTTPStatus is the response code /healthcheck answers with
func (s Status) HTTPStatus() int {
	if s == StatusUnhealthy {
		return http.StatusServiceUnavailable
	}
	return http.StatusOK
}

// Criticality decides what a failing check does to the overall status
type Criticality int

const (
	// Critical checks make the service unhealthy when they fail
	Critical Criticality = iota
	// Degrading checks can at worst degrade the service
	Degrading
)

func (c Criticality) String() string {
	if c == Degrading {
		return "degrading"
	}
	return "critical"
}

// effect is the contribution of a check status to the overall status
func (c Criticality) effect(s Status) Status {
	if c == Degrading && s == StatusUnhealthy {
		return StatusDegraded
	}
	return s
}

// CheckResult is the outcome of one check
type CheckResult struct {
	Name        string                 `json:"name"`
	Status      Status                 `json:"status"`
	Criticality string                 `json:"criticality"`
	Message     string                 `json:"message,omitempty"`
	Duration    time.Duration          `json:"duration"`
	Details     map[string]interface{} `json:"details,omitempty"`
	Timestamp   time.Time              `json:"timestamp"`
	Error       string                 `json:"error,omitempty"`
}

// Report is the body served by /healthcheck
type Report struct {
	Status    Status                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Duration  time.Duration          `json:"duration"`
	Checks    map[string]CheckResult `json:"checks"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// Checker is one component check
type Checker interface {
	Check(ctx context.Context) CheckResult
	Name() string
}

type funcChecker struct {
	name string
	fn   func(ctx context.Context) CheckResult
}

func (c funcChecker) Name() string                          { return c.name }
func (c funcChecker) Check(ctx context.Context) CheckResult { return c.fn(ctx) }

// Func adapts fn to a Checker
func Func(name string, fn func(ctx context.Context) CheckResult) Checker {
	return funcChecker{name: name, fn: fn}
}

type entry struct {
	checker     Checker
	criticality Criticality
}

// Registry holds the checks of the service
type Registry struct {
	mu       sync.RWMutex
	entries  map[string]entry
	metadata map[string]interface{}
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		entries:  make(map[string]entry),
		metadata: make(map[string]interface{}),
	}
}

// Register adds checker, replacing any check with the same name
func (r *Registry) Register(checker Checker, criticality Criticality) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[checker.Name()] = entry{checker: checker, criticality: criticality}
}

// Unregister removes a check
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, name)
}

// SetMetadata adds a key reported with every check
func (r *Registry) SetMetadata(key string, value interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.metadata[key] = value
}

func (r *Registry) snapshot() ([]entry, map[string]interface{}) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entries := make([]entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].checker.Name() < entries[j].checker.Name()
	})

	metadata := make(map[string]interface{}, len(r.metadata))
	for k, v := range r.metadata {
		metadata[k] = v
	}
	return entries, metadata
}

// Check runs every check concurrently. A check still running when ctx ends
// counts as unhealthy, subject to its criticality.
func (r *Registry) Check(ctx context.Context) Report {
	start := time.Now()
	entries, metadata := r.snapshot()

	slots := make([]chan CheckResult, len(entries))
	var wg sync.WaitGroup
	for i, e := range entries {
		i, e := i, e
		slots[i] = make(chan CheckResult, 1)
		wg.Add(1)
		go func() {
			defer wg.Done()
			slots[i] <- e.checker.Check(ctx)
		}()
	}

	finished := make(chan struct{})
	go func() {
		wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
	case <-ctx.Done():
	}

	report := Report{
		Status:   StatusHealthy,
		Checks:   make(map[string]CheckResult, len(entries)),
		Metadata: metadata,
	}
	for i, e := range entries {
		var result CheckResult
		select {
		case result = <-slots[i]:
		default:
			result = CheckResult{
				Name:      e.checker.Name(),
				Status:    StatusUnhealthy,
				Message:   "Check timed out",
				Duration:  time.Since(start),
				Timestamp: time.Now(),
				Error:     context.Cause(ctx).Error(),
			}
		}
		result.Criticality = e.criticality.String()
		report.Checks[e.checker.Name()] = result

		if s := e.criticality.effect(result.Status); s.rank() > report.Status.rank() {
			report.Status = s
		}
	}

	report.Timestamp = time.Now()
	report.Duration = time.Since(start)
	return report
}

// Handler serves the registry report
type Handler struct {
	registry *Registry
	timeout  time.Duration
}

// NewHandler creates the /healthcheck handler. Each request gets timeout
// to run the checks.
func NewHandler(registry *Registry, timeout time.Duration) *Handler {
	return &Handler{registry: registry, timeout: timeout}
}

// ServeHTTP answers 200 while the service can store orders, 503 otherwise.
// HEAD gets the status code only.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()
	report := h.registry.Check(ctx)

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(report.Status.HTTPStatus())
	if r.Method == http.MethodHead {
		return
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(report)
}
