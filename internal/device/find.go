package device

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var pollInterval = 250 * time.Millisecond

// FindFirstVisible polls candidates in order until one resolves to a visible
// element or timeout elapses. The first visible candidate wins; on timeout the
// error wraps ErrWaitTimeout.
func FindFirstVisible(ctx context.Context, s Session, timeout time.Duration, candidates ...Selector) (Element, Selector, error) {
	if len(candidates) == 0 {
		return "", nil, fmt.Errorf("find first visible: no candidates")
	}

	deadline := time.Now().Add(timeout)
	for {
		for _, sel := range candidates {
			el, err := s.FindElement(ctx, sel)
			if errors.Is(err, ErrElementNotFound) {
				continue
			}
			if err != nil {
				return "", nil, fmt.Errorf("find %s: %w", sel, err)
			}
			visible, err := s.WaitUntilVisible(ctx, el, 0)
			if err != nil {
				return "", nil, fmt.Errorf("check %s visible: %w", sel, err)
			}
			if visible {
				return el, sel, nil
			}
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return "", nil, fmt.Errorf("%v after %s: %w", candidates, timeout, ErrWaitTimeout)
		}
		if err := Sleep(ctx, min(pollInterval, remaining)); err != nil {
			return "", nil, err
		}
	}
}

// WaitFor waits until sel resolves to a visible element.
func WaitFor(ctx context.Context, s Session, sel Selector, timeout time.Duration) (Element, error) {
	el, _, err := FindFirstVisible(ctx, s, timeout, sel)
	return el, err
}

// TapIfPresent clicks the first visible candidate and reports whether one was
// found. Absence is not an error.
func TapIfPresent(ctx context.Context, s Session, timeout time.Duration, candidates ...Selector) (bool, error) {
	el, _, err := FindFirstVisible(ctx, s, timeout, candidates...)
	if errors.Is(err, ErrWaitTimeout) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := s.Click(ctx, el); err != nil {
		return false, err
	}
	return true, nil
}
