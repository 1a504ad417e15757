package health

import (
	"context"
	"errors"
	"testing"
	"time"

	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

func TestCheckReportsEachProbe(t *testing.T) {
	c := New(time.Second)
	c.Add("store", func(context.Context) error { return nil })
	c.Add("device", func(context.Context) error { return errors.New("offline") })
	c.Add("ignored", nil)

	report := c.Check(context.Background())
	if report.Healthy() || report.Status != "degraded" {
		t.Fatalf("status = %s", report.Status)
	}
	if report.Checks["store"] != "ok" {
		t.Fatalf("store = %q", report.Checks["store"])
	}
	if report.Checks["device"] != "error: offline" {
		t.Fatalf("device = %q", report.Checks["device"])
	}
	if _, ok := report.Checks["ignored"]; ok {
		t.Fatal("nil probe was registered")
	}
}

func TestCheckAppliesTimeout(t *testing.T) {
	c := New(10 * time.Millisecond)
	c.Add("slow", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	if report := c.Check(context.Background()); report.Healthy() {
		t.Fatalf("slow probe passed: %+v", report)
	}
}

func TestUpdatePublishesServingStatus(t *testing.T) {
	failing := errors.New("down")
	var cacheErr error
	c := New(time.Second)
	c.Add("store", func(context.Context) error { return nil })
	c.Add("cache", func(context.Context) error { return cacheErr })

	status := func(service string) healthpb.HealthCheckResponse_ServingStatus {
		t.Helper()
		resp, err := c.server.Check(context.Background(), &healthpb.HealthCheckRequest{Service: service})
		if err != nil {
			t.Fatalf("Check(%q): %v", service, err)
		}
		return resp.GetStatus()
	}

	c.Update(context.Background())
	if got := status(""); got != healthpb.HealthCheckResponse_SERVING {
		t.Fatalf("overall = %s", got)
	}

	cacheErr = failing
	c.Update(context.Background())
	if got := status(""); got != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Fatalf("overall = %s", got)
	}
	if got := status("cache"); got != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Fatalf("cache = %s", got)
	}
	if got := status("store"); got != healthpb.HealthCheckResponse_SERVING {
		t.Fatalf("store = %s", got)
	}
}
