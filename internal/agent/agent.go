package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// ChannelLast asks the agent to reuse whatever channel it answered on
// most recently.
const ChannelLast = "last"

// Message is a chat turn handed to the agent subsystem. Delivery of the
// agent's answer is the agent's business; the bridge never sees it.
type Message struct {
	Text       string `json:"text"`
	Thinking   string `json:"thinking,omitempty"`
	SessionKey string `json:"sessionKey"`
	Deliver    bool   `json:"deliver"`
	To         string `json:"to,omitempty"`
	Channel    string `json:"channel"`
}

// Client is the agent subsystem boundary. Both calls are fire-and-forget
// from the bridge's perspective; callers swallow errors.
type Client interface {
	Send(ctx context.Context, msg Message) error
	ControlRequest(ctx context.Context, method string, params map[string]any) error
}

// HTTPClient forwards to an agent endpoint over plain JSON POSTs.
type HTTPClient struct {
	baseURL string
	client  *http.Client
}

func NewHTTPClient(baseURL string) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 15 * time.Second},
	}
}

func (c *HTTPClient) Send(ctx context.Context, msg Message) error {
	return c.post(ctx, "/v1/agent/messages", msg)
}

func (c *HTTPClient) ControlRequest(ctx context.Context, method string, params map[string]any) error {
	body := map[string]any{"method": method, "params": params}
	return c.post(ctx, "/v1/agent/control", body)
}

func (c *HTTPClient) post(ctx context.Context, path string, body any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("agent returned %s", resp.Status)
	}
	return nil
}

// NopClient is used when no agent endpoint is configured. It logs at
// debug level and reports success.
type NopClient struct {
	Log *slog.Logger
}

func (c NopClient) Send(_ context.Context, msg Message) error {
	c.Log.Debug("agent send skipped, no agent configured", "session_key", msg.SessionKey)
	return nil
}

func (c NopClient) ControlRequest(_ context.Context, method string, _ map[string]any) error {
	c.Log.Debug("agent control skipped, no agent configured", "method", method)
	return nil
}
