package device_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ashureev/otp-registrar/internal/device"
	"github.com/ashureev/otp-registrar/internal/device/devicetest"
)

func TestFindFirstVisiblePrefersEarlierCandidate(t *testing.T) {
	ctx := context.Background()
	s := devicetest.NewSession().Show(device.ByText("Yes"), device.ByResourceID("android:id/button1"))

	_, sel, err := device.FindFirstVisible(ctx, s, time.Second,
		device.ByTextContains("Continue"), device.ByText("Yes"), device.ByResourceID("android:id/button1"))
	if err != nil {
		t.Fatalf("FindFirstVisible: %v", err)
	}
	if sel != device.ByText("Yes") {
		t.Fatalf("selected %v, want text=Yes", sel)
	}
}

func TestFindFirstVisibleWaitsForLateElement(t *testing.T) {
	ctx := context.Background()
	s := devicetest.NewSession().AppearAfter(device.ByResourceID("com.whatsapp:id/eula_accept"), 2)

	el, err := device.WaitFor(ctx, s, device.ByResourceID("com.whatsapp:id/eula_accept"), 3*time.Second)
	if err != nil {
		t.Fatalf("WaitFor: %v", err)
	}
	if el == "" {
		t.Fatal("empty element handle")
	}
}

func TestFindFirstVisibleTimesOut(t *testing.T) {
	ctx := context.Background()
	s := devicetest.NewSession()

	start := time.Now()
	_, _, err := device.FindFirstVisible(ctx, s, 50*time.Millisecond, device.ByText("Missing"))
	if !errors.Is(err, device.ErrWaitTimeout) {
		t.Fatalf("err = %v, want ErrWaitTimeout", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Fatal("timeout not honoured")
	}
}

func TestFindFirstVisibleHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := device.FindFirstVisible(ctx, devicetest.NewSession(), time.Minute, device.ByText("Missing"))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestTapIfPresent(t *testing.T) {
	ctx := context.Background()
	skip := device.ByTextContains("Skip")
	s := devicetest.NewSession().Show(skip)

	tapped, err := device.TapIfPresent(ctx, s, 50*time.Millisecond, skip)
	if err != nil || !tapped {
		t.Fatalf("TapIfPresent = %v, %v", tapped, err)
	}
	if s.Clicks(skip) != 1 {
		t.Fatalf("clicks = %d", s.Clicks(skip))
	}

	tapped, err = device.TapIfPresent(ctx, s, 20*time.Millisecond, device.ByText("Not here"))
	if err != nil || tapped {
		t.Fatalf("absent control: %v, %v", tapped, err)
	}
}
