package device

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
)

// ErrDeviceUnreachable is returned when the device is not attached and ready.
var ErrDeviceUnreachable = errors.New("device unreachable")

// Checker verifies that a device is attached and ready for automation.
type Checker interface {
	Check(ctx context.Context, serial string) error
}

// runFunc runs a command and returns its combined output.
type runFunc func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRun(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// ADBChecker checks device state with the adb command line tool.
type ADBChecker struct {
	adbPath string
	run     runFunc
}

// NewADBChecker creates a checker using the adb binary at adbPath.
func NewADBChecker(adbPath string) *ADBChecker {
	if adbPath == "" {
		adbPath = "adb"
	}
	return &ADBChecker{adbPath: adbPath, run: execRun}
}

// Check succeeds when serial is listed by `adb devices` in the "device"
// state. Network serials (host:port) get one `adb connect` attempt.
func (a *ADBChecker) Check(ctx context.Context, serial string) error {
	state, err := a.state(ctx, serial)
	if err != nil {
		return err
	}
	if state == "device" {
		return nil
	}

	if strings.Contains(serial, ":") {
		slog.Info("device not attached, connecting", "serial", serial, "state", state)
		out, err := a.run(ctx, a.adbPath, "connect", serial)
		if err != nil {
			return fmt.Errorf("%w: adb connect %s: %v: %s", ErrDeviceUnreachable, serial, err, strings.TrimSpace(string(out)))
		}
		if state, err = a.state(ctx, serial); err != nil {
			return err
		}
		if state == "device" {
			return nil
		}
	}

	if state == "" {
		state = "absent"
	}
	return fmt.Errorf("%w: %s is %s", ErrDeviceUnreachable, serial, state)
}

func (a *ADBChecker) state(ctx context.Context, serial string) (string, error) {
	out, err := a.run(ctx, a.adbPath, "devices")
	if err != nil {
		return "", fmt.Errorf("%w: adb devices: %v", ErrDeviceUnreachable, err)
	}
	return parseADBDevices(out)[serial], nil
}

// parseADBDevices maps serial to state from `adb devices` output.
func parseADBDevices(out []byte) map[string]string {
	devices := make(map[string]string)
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "List of devices") || strings.HasPrefix(line, "*") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) >= 2 {
			devices[fields[0]] = fields[1]
		}
	}
	return devices
}
