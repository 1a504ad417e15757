// Package devicetest provides an in-memory device for automation tests.
package devicetest

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/otp-registrar/internal/device"
)

// Driver hands out one scripted Session.
type Driver struct {
	Session *Session
	OpenErr error

	mu    sync.Mutex
	opens int
}

// NewDriver returns a driver over a fresh Session.
func NewDriver() *Driver {
	return &Driver{Session: NewSession()}
}

// Open returns the scripted session.
func (d *Driver) Open(ctx context.Context, _ string, _ device.App) (device.Session, error) {
	d.mu.Lock()
	d.opens++
	d.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if d.OpenErr != nil {
		return nil, d.OpenErr
	}
	return d.Session, nil
}

// Opens returns how many times Open was called.
func (d *Driver) Opens() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.opens
}

// Session is a fake screen keyed by selector. Element handles are selector strings.
type Session struct {
	mu          sync.Mutex
	visible     map[string]bool
	appearAfter map[string]int
	texts       map[string]string
	lists       map[string][]string
	onClick     map[string]func(*Session)
	onType      map[string]func(*Session, string)
	clicks      map[string]int
	typed       map[string][]string
	closed      bool
	closeErr    error
}

// NewSession returns an empty screen.
func NewSession() *Session {
	return &Session{
		visible:     make(map[string]bool),
		appearAfter: make(map[string]int),
		texts:       make(map[string]string),
		lists:       make(map[string][]string),
		onClick:     make(map[string]func(*Session)),
		onType:      make(map[string]func(*Session, string)),
		clicks:      make(map[string]int),
		typed:       make(map[string][]string),
	}
}

// Show makes selectors visible.
func (s *Session) Show(sels ...device.Selector) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sel := range sels {
		s.visible[sel.String()] = true
	}
	return s
}

// Hide removes selectors from the screen.
func (s *Session) Hide(sels ...device.Selector) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sel := range sels {
		delete(s.visible, sel.String())
	}
	return s
}

// AppearAfter makes sel visible only after n failed lookups.
func (s *Session) AppearAfter(sel device.Selector, n int) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appearAfter[sel.String()] = n
	return s
}

// SetList sets the texts returned by ListElements(sel).
func (s *Session) SetList(sel device.Selector, texts ...string) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lists[sel.String()] = texts
	for i, t := range texts {
		s.texts[listHandle(sel, i)] = t
	}
	return s
}

// OnClick runs fn when sel is clicked.
func (s *Session) OnClick(sel device.Selector, fn func(*Session)) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onClick[sel.String()] = fn
	return s
}

// OnType runs fn when text is typed into sel.
func (s *Session) OnType(sel device.Selector, fn func(*Session, string)) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onType[sel.String()] = fn
	return s
}

// FailClose makes Close return err.
func (s *Session) FailClose(err error) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeErr = err
	return s
}

// Clicks returns how often sel was clicked.
func (s *Session) Clicks(sel device.Selector) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clicks[sel.String()]
}

// Typed returns every text typed into sel.
func (s *Session) Typed(sel device.Selector) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.typed[sel.String()]...)
}

// Closed reports whether Close was called.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// ID returns a fixed session id.
func (s *Session) ID() string { return "fake-session" }

// FindElement resolves a visible selector to its handle.
func (s *Session) FindElement(ctx context.Context, sel device.Selector) (device.Element, error) {
	if err := s.live(ctx); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	key := sel.String()
	if n, ok := s.appearAfter[key]; ok {
		if n > 0 {
			s.appearAfter[key] = n - 1
			return "", device.ErrElementNotFound
		}
		delete(s.appearAfter, key)
		s.visible[key] = true
	}
	if !s.visible[key] {
		return "", device.ErrElementNotFound
	}
	return device.Element(key), nil
}

// WaitUntilVisible polls the screen until el shows or timeout elapses.
func (s *Session) WaitUntilVisible(ctx context.Context, el device.Element, timeout time.Duration) (bool, error) {
	deadline := time.Now().Add(timeout)
	for {
		if err := s.live(ctx); err != nil {
			return false, err
		}
		s.mu.Lock()
		_, isListItem := s.texts[string(el)]
		ok := s.visible[string(el)] || isListItem
		s.mu.Unlock()
		if ok {
			return true, nil
		}
		if time.Until(deadline) <= 0 {
			return false, nil
		}
		if err := device.Sleep(ctx, 5*time.Millisecond); err != nil {
			return false, err
		}
	}
}

// Click records the click and runs its hook.
func (s *Session) Click(ctx context.Context, el device.Element) error {
	if err := s.live(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	s.clicks[string(el)]++
	fn := s.onClick[string(el)]
	s.mu.Unlock()
	if fn != nil {
		fn(s)
	}
	return nil
}

// SetText records the text and runs its hook.
func (s *Session) SetText(ctx context.Context, el device.Element, text string) error {
	if err := s.live(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	s.typed[string(el)] = append(s.typed[string(el)], text)
	s.texts[string(el)] = text
	fn := s.onType[string(el)]
	s.mu.Unlock()
	if fn != nil {
		fn(s, text)
	}
	return nil
}

// ClearText empties the element text.
func (s *Session) ClearText(ctx context.Context, el device.Element) error {
	if err := s.live(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	s.texts[string(el)] = ""
	s.mu.Unlock()
	return nil
}

// GetText returns the element text.
func (s *Session) GetText(ctx context.Context, el device.Element) (string, error) {
	if err := s.live(ctx); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.texts[string(el)], nil
}

// ListElements returns one handle per configured list text.
func (s *Session) ListElements(ctx context.Context, sel device.Selector) ([]device.Element, error) {
	if err := s.live(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	texts := s.lists[sel.String()]
	out := make([]device.Element, 0, len(texts))
	for i := range texts {
		out = append(out, device.Element(listHandle(sel, i)))
	}
	return out, nil
}

// Pause sleeps for at most a millisecond so tests stay fast.
func (s *Session) Pause(ctx context.Context, d time.Duration) error {
	return device.Sleep(ctx, min(d, time.Millisecond))
}

// Close marks the session closed.
func (s *Session) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return s.closeErr
}

func (s *Session) live(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return device.ErrSessionClosed
	}
	return nil
}

func listHandle(sel device.Selector, i int) string {
	return fmt.Sprintf("%s#%d", strings.TrimSpace(sel.String()), i)
}

// Checker is a scripted device.Checker.
type Checker struct {
	Err error

	mu    sync.Mutex
	calls int
}

// Check returns c.Err.
func (c *Checker) Check(ctx context.Context, _ string) error {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.Err
}

// Calls returns how many checks ran.
func (c *Checker) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}
