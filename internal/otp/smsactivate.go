package otp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// SMS-Activate setStatus codes.
const (
	setStatusComplete = 6
	setStatusCancel   = 8
)

// ErrProviderRejected is returned when the provider answers a request with an error token.
var ErrProviderRejected = errors.New("provider rejected request")

// SMSActivateClient talks to an SMS-Activate compatible handler_api endpoint.
type SMSActivateClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewSMSActivateClient creates a client for baseURL authenticated with apiKey.
func NewSMSActivateClient(baseURL, apiKey string, timeout time.Duration) *SMSActivateClient {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &SMSActivateClient{
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// GetStatus fetches the activation status. JSON bodies become structured statuses.
func (c *SMSActivateClient) GetStatus(ctx context.Context, activationID string) (RawStatus, error) {
	body, err := c.call(ctx, url.Values{"action": {"getStatus"}, "id": {activationID}})
	if err != nil {
		return RawStatus{}, err
	}

	trimmed := strings.TrimSpace(body)
	if strings.HasPrefix(trimmed, "{") {
		var fields map[string]any
		if err := json.Unmarshal([]byte(trimmed), &fields); err == nil {
			return StructuredStatus(fields), nil
		}
	}
	return TextStatus(trimmed), nil
}

// MarkConsumed tells the provider the code was used.
func (c *SMSActivateClient) MarkConsumed(ctx context.Context, activationID string) error {
	return c.setStatus(ctx, activationID, setStatusComplete)
}

// MarkCancelled releases the reservation.
func (c *SMSActivateClient) MarkCancelled(ctx context.Context, activationID string) error {
	return c.setStatus(ctx, activationID, setStatusCancel)
}

func (c *SMSActivateClient) setStatus(ctx context.Context, activationID string, status int) error {
	body, err := c.call(ctx, url.Values{
		"action": {"setStatus"},
		"id":     {activationID},
		"status": {fmt.Sprint(status)},
	})
	if err != nil {
		return err
	}
	if reason, bad := terminal(body); bad && !strings.HasPrefix(strings.TrimSpace(body), "ACCESS_") {
		return fmt.Errorf("set status %d: %s: %w", status, reason, ErrProviderRejected)
	}
	return nil
}

func (c *SMSActivateClient) call(ctx context.Context, params url.Values) (string, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	q := u.Query()
	q.Set("api_key", c.apiKey)
	for k, v := range params {
		q[k] = v
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%s: %w", params.Get("action"), err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("%s: status %d", params.Get("action"), resp.StatusCode)
	}
	return string(raw), nil
}
