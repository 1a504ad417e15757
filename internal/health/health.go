// Package health probes the registrar's dependencies and reports the result
// over the gRPC health protocol and the HTTP health endpoint.
package health

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

const defaultProbeTimeout = 2 * time.Second

// Probe returns nil when the dependency is usable.
type Probe func(ctx context.Context) error

// Report is the outcome of one probe pass.
type Report struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

// Healthy reports whether every probe passed.
func (r Report) Healthy() bool { return r.Status == "ok" }

// Checker runs named probes and mirrors their state into a gRPC health server.
type Checker struct {
	timeout time.Duration
	server  *grpchealth.Server

	mu     sync.RWMutex
	names  []string
	probes map[string]Probe
}

// New creates a Checker. Each probe gets timeout, or two seconds when zero.
func New(timeout time.Duration) *Checker {
	if timeout <= 0 {
		timeout = defaultProbeTimeout
	}
	return &Checker{
		timeout: timeout,
		server:  grpchealth.NewServer(),
		probes:  make(map[string]Probe),
	}
}

// Add registers p under name. A nil probe is ignored.
func (c *Checker) Add(name string, p Probe) {
	if p == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.probes[name]; !ok {
		c.names = append(c.names, name)
	}
	c.probes[name] = p
}

// Check runs every probe once.
func (c *Checker) Check(ctx context.Context) Report {
	c.mu.RLock()
	names := append([]string(nil), c.names...)
	probes := make(map[string]Probe, len(c.probes))
	for k, v := range c.probes {
		probes[k] = v
	}
	c.mu.RUnlock()

	report := Report{Status: "ok", Checks: make(map[string]string, len(names))}
	for _, name := range names {
		pctx, cancel := context.WithTimeout(ctx, c.timeout)
		err := probes[name](pctx)
		cancel()
		if err != nil {
			report.Checks[name] = "error: " + err.Error()
			report.Status = "degraded"
			continue
		}
		report.Checks[name] = "ok"
	}
	return report
}

// Update runs the probes and publishes per-service and overall status to the
// gRPC health server.
func (c *Checker) Update(ctx context.Context) Report {
	report := c.Check(ctx)
	for name, result := range report.Checks {
		c.server.SetServingStatus(name, servingStatus(result == "ok"))
	}
	c.server.SetServingStatus("", servingStatus(report.Healthy()))
	return report
}

// Run updates the gRPC status every interval until ctx is done, then marks
// every service as not serving.
func (c *Checker) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	last := c.Update(ctx)
	slog.Info("Health checker started", "interval", interval, "status", last.Status)
	for {
		select {
		case <-ticker.C:
			report := c.Update(ctx)
			if report.Status != last.Status {
				slog.Warn("Health status changed", "from", last.Status, "to", report.Status, "checks", report.Checks)
			}
			last = report
		case <-ctx.Done():
			c.server.Shutdown()
			return
		}
	}
}

// Register exposes the checker on s as grpc.health.v1.Health.
func (c *Checker) Register(s *grpc.Server) {
	healthpb.RegisterHealthServer(s, c.server)
}

func servingStatus(ok bool) healthpb.HealthCheckResponse_ServingStatus {
	if ok {
		return healthpb.HealthCheckResponse_SERVING
	}
	return healthpb.HealthCheckResponse_NOT_SERVING
}
