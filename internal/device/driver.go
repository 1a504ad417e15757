package device

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrElementNotFound is returned when no element matches a selector.
	ErrElementNotFound = errors.New("element not found")
	// ErrWaitTimeout is returned when an element does not become visible in time.
	ErrWaitTimeout = errors.New("timed out waiting for element")
	// ErrSessionClosed is returned for calls on a closed session.
	ErrSessionClosed = errors.New("automation session closed")
)

// Element is an opaque handle to a UI element within a session.
type Element string

// App identifies the application to drive.
type App struct {
	Package  string
	Activity string
}

// Driver opens automation sessions on a device.
type Driver interface {
	Open(ctx context.Context, serial string, app App) (Session, error)
}

// Session is one automation session against a device.
type Session interface {
	ID() string
	FindElement(ctx context.Context, sel Selector) (Element, error)
	// WaitUntilVisible polls until el is displayed. It returns false, not an
	// error, when the timeout elapses. A non-positive timeout checks once.
	WaitUntilVisible(ctx context.Context, el Element, timeout time.Duration) (bool, error)
	Click(ctx context.Context, el Element) error
	SetText(ctx context.Context, el Element, text string) error
	ClearText(ctx context.Context, el Element) error
	GetText(ctx context.Context, el Element) (string, error)
	ListElements(ctx context.Context, sel Selector) ([]Element, error)
	Pause(ctx context.Context, d time.Duration) error
	Close(ctx context.Context) error
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
