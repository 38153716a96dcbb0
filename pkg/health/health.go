// Package health checks the lock store and the queue a worker depends on.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"
)

const defaultCheckTimeout = 5 * time.Second

// Status represents the health status of a component
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
)

// CheckResult represents the result of a health check
type CheckResult struct {
	Name     string        `json:"name"`
	Status   Status        `json:"status"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Checkable is implemented by stores and queue backends.
type Checkable interface {
	HealthCheck(ctx context.Context) error
}

// Registry runs named checks concurrently.
type Registry struct {
	mu      sync.RWMutex
	checks  map[string]Checkable
	timeout time.Duration
}

// NewRegistry creates a registry bounding each check by timeout.
func NewRegistry(timeout time.Duration) *Registry {
	if timeout <= 0 {
		timeout = defaultCheckTimeout
	}
	return &Registry{checks: map[string]Checkable{}, timeout: timeout}
}

// Register adds a check, replacing one with the same name.
func (r *Registry) Register(name string, check Checkable) {
	if check == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checks[name] = check
}

// AggregatedResult is healthy only when every check is.
type AggregatedResult struct {
	Status Status        `json:"status"`
	Checks []CheckResult `json:"checks"`
}

// IsHealthy returns true if the overall status is healthy
func (r AggregatedResult) IsHealthy() bool {
	return r.Status == StatusHealthy
}

// Check runs every registered check. Results are sorted by name.
func (r *Registry) Check(ctx context.Context) AggregatedResult {
	r.mu.RLock()
	checks := make(map[string]Checkable, len(r.checks))
	for name, check := range r.checks {
		checks[name] = check
	}
	r.mu.RUnlock()

	results := make(chan CheckResult, len(checks))
	var wg sync.WaitGroup
	for name, check := range checks {
		wg.Add(1)
		go func(name string, check Checkable) {
			defer wg.Done()
			results <- r.run(ctx, name, check)
		}(name, check)
	}
	wg.Wait()
	close(results)

	aggregated := AggregatedResult{Status: StatusHealthy, Checks: make([]CheckResult, 0, len(checks))}
	for result := range results {
		if result.Status != StatusHealthy {
			aggregated.Status = StatusUnhealthy
		}
		aggregated.Checks = append(aggregated.Checks, result)
	}
	sort.Slice(aggregated.Checks, func(i, j int) bool {
		return aggregated.Checks[i].Name < aggregated.Checks[j].Name
	})
	return aggregated
}

func (r *Registry) run(ctx context.Context, name string, check Checkable) CheckResult {
	checkCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	start := time.Now()
	err := check.HealthCheck(checkCtx)
	result := CheckResult{Name: name, Status: StatusHealthy, Duration: time.Since(start)}
	if err != nil {
		result.Status = StatusUnhealthy
		result.Error = err.Error()
	}
	return result
}

// Handler serves the aggregated result as JSON, with 503 when unhealthy.
func (r *Registry) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		result := r.Check(req.Context())
		w.Header().Set("Content-Type", "application/json")
		if !result.IsHealthy() {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(result)
	})
}
