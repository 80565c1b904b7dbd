package health

import (
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"
)

// Probes tracks process lifecycle and serves liveness and readiness.
type Probes struct {
	manager    *Manager
	startTime  time.Time
	version    string
	inShutdown atomic.Bool
}

// NewProbes creates probes over manager.
func NewProbes(manager *Manager, version string) *Probes {
	return &Probes{manager: manager, startTime: time.Now(), version: version}
}

// MarkShutdown makes readiness fail from now on.
func (p *Probes) MarkShutdown() {
	p.inShutdown.Store(true)
}

// ProbeResult is the JSON body of a probe response.
type ProbeResult struct {
	Status    Status             `json:"status"`
	Version   string             `json:"version,omitempty"`
	Uptime    string             `json:"uptime,omitempty"`
	Checks    map[string]*Result `json:"checks,omitempty"`
	Timestamp time.Time          `json:"timestamp"`
}

func (p *Probes) result(status Status, checks map[string]*Result) *ProbeResult {
	return &ProbeResult{
		Status:    status,
		Version:   p.version,
		Uptime:    time.Since(p.startTime).Round(time.Second).String(),
		Checks:    checks,
		Timestamp: time.Now(),
	}
}

// Liveness does not run dependency checks.
func (p *Probes) Liveness() *ProbeResult {
	if p.inShutdown.Load() {
		return p.result(StatusDegraded, nil)
	}
	return p.result(StatusHealthy, nil)
}

// Readiness runs every check. Degraded still counts as ready.
func (p *Probes) Readiness(r *http.Request) *ProbeResult {
	if p.inShutdown.Load() {
		return p.result(StatusUnhealthy, nil)
	}
	checks := p.manager.Check(r.Context())
	return p.result(OverallStatus(checks), checks)
}

// Register mounts /healthz and /readyz on mux.
func (p *Probes) Register(mux *http.ServeMux) {
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeProbe(w, p.Liveness())
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		writeProbe(w, p.Readiness(r))
	})
}

func writeProbe(w http.ResponseWriter, res *ProbeResult) {
	w.Header().Set("Content-Type", "application/json")
	if res.Status == StatusUnhealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(res)
}
