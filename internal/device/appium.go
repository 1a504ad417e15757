package device

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"
)

// w3cElementKey is the W3C WebDriver element reference key.
const w3cElementKey = "element-6066-11e4-a52e-4f735466cecf"

// AppiumDriver opens sessions on an Appium server over the W3C WebDriver protocol.
type AppiumDriver struct {
	baseURL    string
	httpClient *http.Client
}

// NewAppiumDriver creates a driver for the Appium server at baseURL.
func NewAppiumDriver(baseURL string, httpClient *http.Client) *AppiumDriver {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	return &AppiumDriver{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
	}
}

// Open creates a UiAutomator2 session for app on the device with serial.
func (d *AppiumDriver) Open(ctx context.Context, serial string, app App) (Session, error) {
	caps := map[string]any{
		"capabilities": map[string]any{
			"alwaysMatch": map[string]any{
				"platformName":                  "Android",
				"appium:automationName":         "UiAutomator2",
				"appium:udid":                   serial,
				"appium:deviceName":             serial,
				"appium:appPackage":             app.Package,
				"appium:appActivity":            app.Activity,
				"appium:noReset":                true,
				"appium:newCommandTimeout":      300,
				"appium:autoGrantPermissions":   true,
				"appium:disableWindowAnimation": true,
			},
		},
	}

	var resp struct {
		SessionID string `json:"sessionId"`
	}
	c := &appiumCall{baseURL: d.baseURL, httpClient: d.httpClient}
	if err := c.do(ctx, http.MethodPost, "/session", caps, &resp); err != nil {
		return nil, fmt.Errorf("create appium session: %w", err)
	}
	if resp.SessionID == "" {
		return nil, fmt.Errorf("create appium session: empty session id")
	}

	slog.Info("appium session opened", "appium_session", resp.SessionID, "serial", serial, "app", app.Package)
	return &appiumSession{appiumCall: c, id: resp.SessionID}, nil
}

type appiumSession struct {
	*appiumCall
	id string

	mu     sync.Mutex
	closed bool
}

func (s *appiumSession) ID() string { return s.id }

func (s *appiumSession) path(format string, args ...any) string {
	return "/session/" + s.id + fmt.Sprintf(format, args...)
}

func (s *appiumSession) check() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	return nil
}

func (s *appiumSession) FindElement(ctx context.Context, sel Selector) (Element, error) {
	if err := s.check(); err != nil {
		return "", err
	}
	using, value := uiAutomatorQuery(sel)
	var ref map[string]string
	if err := s.do(ctx, http.MethodPost, s.path("/element"), map[string]string{"using": using, "value": value}, &ref); err != nil {
		return "", err
	}
	return Element(ref[w3cElementKey]), nil
}

func (s *appiumSession) ListElements(ctx context.Context, sel Selector) ([]Element, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	using, value := uiAutomatorQuery(sel)
	var refs []map[string]string
	if err := s.do(ctx, http.MethodPost, s.path("/elements"), map[string]string{"using": using, "value": value}, &refs); err != nil {
		if errors.Is(err, ErrElementNotFound) {
			return nil, nil
		}
		return nil, err
	}
	out := make([]Element, 0, len(refs))
	for _, r := range refs {
		out = append(out, Element(r[w3cElementKey]))
	}
	return out, nil
}

func (s *appiumSession) WaitUntilVisible(ctx context.Context, el Element, timeout time.Duration) (bool, error) {
	deadline := time.Now().Add(timeout)
	for {
		if err := s.check(); err != nil {
			return false, err
		}
		var displayed bool
		err := s.do(ctx, http.MethodGet, s.path("/element/%s/displayed", el), nil, &displayed)
		if err != nil && !errors.Is(err, ErrElementNotFound) {
			return false, err
		}
		if err == nil && displayed {
			return true, nil
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false, nil
		}
		if err := Sleep(ctx, min(pollInterval, remaining)); err != nil {
			return false, err
		}
	}
}

func (s *appiumSession) Click(ctx context.Context, el Element) error {
	if err := s.check(); err != nil {
		return err
	}
	return s.do(ctx, http.MethodPost, s.path("/element/%s/click", el), map[string]any{}, nil)
}

func (s *appiumSession) SetText(ctx context.Context, el Element, text string) error {
	if err := s.check(); err != nil {
		return err
	}
	return s.do(ctx, http.MethodPost, s.path("/element/%s/value", el), map[string]any{"text": text}, nil)
}

func (s *appiumSession) ClearText(ctx context.Context, el Element) error {
	if err := s.check(); err != nil {
		return err
	}
	return s.do(ctx, http.MethodPost, s.path("/element/%s/clear", el), map[string]any{}, nil)
}

func (s *appiumSession) GetText(ctx context.Context, el Element) (string, error) {
	if err := s.check(); err != nil {
		return "", err
	}
	var text string
	if err := s.do(ctx, http.MethodGet, s.path("/element/%s/text", el), nil, &text); err != nil {
		return "", err
	}
	return text, nil
}

func (s *appiumSession) Pause(ctx context.Context, d time.Duration) error {
	return Sleep(ctx, d)
}

func (s *appiumSession) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	if err := s.do(ctx, http.MethodDelete, "/session/"+s.id, nil, nil); err != nil {
		return fmt.Errorf("delete appium session: %w", err)
	}
	slog.Info("appium session closed", "appium_session", s.id)
	return nil
}

// appiumCall performs WebDriver requests and unwraps the {"value": ...} envelope.
type appiumCall struct {
	baseURL    string
	httpClient *http.Client
}

// webDriverError is the W3C error payload.
type webDriverError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (c *appiumCall) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	var envelope struct {
		Value json.RawMessage `json:"value"`
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &envelope); err != nil {
			return fmt.Errorf("decode response (status %d): %w", resp.StatusCode, err)
		}
	}

	if resp.StatusCode >= 400 {
		var wdErr webDriverError
		_ = json.Unmarshal(envelope.Value, &wdErr)
		switch wdErr.Error {
		case "no such element", "stale element reference":
			return fmt.Errorf("%s: %w", wdErr.Message, ErrElementNotFound)
		case "invalid session id":
			return fmt.Errorf("%s: %w", wdErr.Message, ErrSessionClosed)
		}
		return fmt.Errorf("%s %s: status %d: %s: %s", method, path, resp.StatusCode, wdErr.Error, wdErr.Message)
	}

	if out == nil || len(envelope.Value) == 0 || string(envelope.Value) == "null" {
		return nil
	}
	if err := json.Unmarshal(envelope.Value, out); err != nil {
		return fmt.Errorf("decode value: %w", err)
	}
	return nil
}
