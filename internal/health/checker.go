// Package health aggregates liveness probes for the stores and upstreams the
// daemon depends on.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"
)

type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// Probe returns nil when the component is reachable.
type Probe func(ctx context.Context) error

// Pinger is implemented by the SQL-backed stores and the Redis rate limiter.
type Pinger interface {
	Ping(ctx context.Context) error
}

type CheckResult struct {
	Status    Status        `json:"status"`
	Message   string        `json:"message,omitempty"`
	Latency   time.Duration `json:"latency_ms"`
	Timestamp time.Time     `json:"timestamp"`
	Error     string        `json:"error,omitempty"`
}

// Component is one probed dependency. Failures of critical components make
// the whole service unhealthy; others only degrade it.
type Component struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Critical bool   `json:"critical"`
	CheckResult
}

type HealthStatus struct {
	Status     Status      `json:"status"`
	Timestamp  time.Time   `json:"timestamp"`
	Components []Component `json:"components"`
}

type Config struct {
	Timeout    time.Duration
	MaxLatency time.Duration
	HTTPClient *http.Client
}

type probe struct {
	name     string
	kind     string
	critical bool
	run      Probe
}

type Checker struct {
	mu         sync.RWMutex
	probes     []probe
	last       []Component
	timeout    time.Duration
	maxLatency time.Duration
	client     *http.Client
}

func New(cfg Config) *Checker {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	if cfg.MaxLatency <= 0 {
		cfg.MaxLatency = 100 * time.Millisecond
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	}
	return &Checker{timeout: cfg.Timeout, maxLatency: cfg.MaxLatency, client: cfg.HTTPClient}
}

// AddDatabase registers a critical store probe.
func (c *Checker) AddDatabase(name string, p Pinger) {
	if p == nil {
		return
	}
	c.add(probe{name: name, kind: "database", critical: true, run: p.Ping})
}

// AddCache registers a non-critical probe such as the shared rate limiter.
func (c *Checker) AddCache(name string, p Pinger) {
	if p == nil {
		return
	}
	c.add(probe{name: name, kind: "cache", run: p.Ping})
}

// AddHTTP registers a non-critical reachability check; any HTTP response
// counts as reachable.
func (c *Checker) AddHTTP(name, url string) {
	if url == "" {
		return
	}
	c.add(probe{name: name, kind: "http", run: func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		resp, err := c.client.Do(req)
		if err != nil {
			return err
		}
		resp.Body.Close()
		return nil
	}})
}

func (c *Checker) add(p probe) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.probes = append(c.probes, p)
}

// Check runs every probe concurrently.
func (c *Checker) Check(ctx context.Context) HealthStatus {
	c.mu.RLock()
	probes := append([]probe(nil), c.probes...)
	c.mu.RUnlock()

	components := make([]Component, len(probes))
	var wg sync.WaitGroup
	for i, p := range probes {
		wg.Add(1)
		go func() {
			defer wg.Done()
			components[i] = c.run(ctx, p)
		}()
	}
	wg.Wait()

	c.mu.Lock()
	c.last = components
	c.mu.Unlock()
	return overall(components)
}

func (c *Checker) run(ctx context.Context, p probe) Component {
	comp := Component{Name: p.name, Type: p.kind, Critical: p.critical, CheckResult: CheckResult{Timestamp: time.Now()}}
	probeCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	err := p.run(probeCtx)
	comp.Latency = time.Since(start)
	switch {
	case err != nil:
		comp.Status = StatusUnhealthy
		comp.Error = err.Error()
		comp.Message = "unreachable"
	case p.kind == "database" && comp.Latency > c.maxLatency:
		comp.Status = StatusDegraded
		comp.Message = fmt.Sprintf("high latency: %v", comp.Latency)
	default:
		comp.Status = StatusHealthy
		comp.Message = "ok"
	}
	return comp
}

func overall(components []Component) HealthStatus {
	status := StatusHealthy
	for _, comp := range components {
		switch {
		case comp.Status == StatusUnhealthy && comp.Critical:
			status = StatusUnhealthy
		case comp.Status != StatusHealthy && status == StatusHealthy:
			status = StatusDegraded
		}
	}
	return HealthStatus{Status: status, Timestamp: time.Now(), Components: components}
}

// LastStatus returns the result of the most recent Check.
func (c *Checker) LastStatus() HealthStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return overall(c.last)
}

// Handler serves the current status, with 503 when unhealthy.
func (c *Checker) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		st := c.Check(r.Context())
		code := http.StatusOK
		if st.Status == StatusUnhealthy {
			code = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(st)
	})
}
