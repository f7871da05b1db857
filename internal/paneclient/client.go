package paneclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/g960059/muxpane/internal/api"
)

const defaultUnaryTimeout = 10 * time.Second

// Client talks to the pane/session REST surface of the multiplexing host.
type Client struct {
	baseURL      string
	client       *http.Client
	unaryTimeout time.Duration
}

func New(baseURL string) *Client {
	return NewWithClient(baseURL, &http.Client{})
}

func NewWithClient(baseURL string, client *http.Client) *Client {
	if client == nil {
		client = &http.Client{}
	}
	return &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		client:       client,
		unaryTimeout: defaultUnaryTimeout,
	}
}

func (c *Client) WithUnaryTimeout(timeout time.Duration) *Client {
	if c == nil {
		return nil
	}
	clone := *c
	clone.unaryTimeout = timeout
	return &clone
}

// RequestError is a non-2xx response from the backend. Detail carries the
// backend's human-readable rejection reason when one was parseable.
type RequestError struct {
	StatusCode int
	Detail     string
}

func (e *RequestError) Error() string {
	if e == nil {
		return ""
	}
	detail := strings.TrimSpace(e.Detail)
	if detail != "" {
		return fmt.Sprintf("http %d: %s", e.StatusCode, detail)
	}
	return fmt.Sprintf("http %d", e.StatusCode)
}

// NotFound reports whether the backend said the referenced entity does
// not exist. Callers use this to treat deletes as idempotent.
func (e *RequestError) NotFound() bool {
	return e != nil && e.StatusCode == http.StatusNotFound
}

func (c *Client) ListPanes(ctx context.Context) (api.PanesEnvelope, error) {
	body, err := c.request(ctx, http.MethodGet, "/api/terminal/panes", nil)
	if err != nil {
		return api.PanesEnvelope{}, err
	}
	var env api.PanesEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return api.PanesEnvelope{}, fmt.Errorf("decode panes envelope: %w", err)
	}
	return env, nil
}

func (c *Client) CreatePane(ctx context.Context, req api.CreatePaneRequest) (api.PaneResponse, error) {
	body, err := c.request(ctx, http.MethodPost, "/api/terminal/panes", req)
	if err != nil {
		return api.PaneResponse{}, err
	}
	var pane api.PaneResponse
	if err := json.Unmarshal(body, &pane); err != nil {
		return api.PaneResponse{}, fmt.Errorf("decode pane response: %w", err)
	}
	return pane, nil
}

func (c *Client) UpdatePane(ctx context.Context, paneID string, req api.UpdatePaneRequest) (api.PaneResponse, error) {
	id := strings.TrimSpace(paneID)
	if id == "" {
		return api.PaneResponse{}, fmt.Errorf("pane id is required")
	}
	body, err := c.request(ctx, http.MethodPatch, "/api/terminal/panes/"+url.PathEscape(id), req)
	if err != nil {
		return api.PaneResponse{}, err
	}
	var pane api.PaneResponse
	if err := json.Unmarshal(body, &pane); err != nil {
		return api.PaneResponse{}, fmt.Errorf("decode pane response: %w", err)
	}
	return pane, nil
}

func (c *Client) DeletePane(ctx context.Context, paneID string) error {
	id := strings.TrimSpace(paneID)
	if id == "" {
		return fmt.Errorf("pane id is required")
	}
	_, err := c.request(ctx, http.MethodDelete, "/api/terminal/panes/"+url.PathEscape(id), nil)
	return err
}

func (c *Client) SwapPanes(ctx context.Context, paneIDA, paneIDB string) error {
	a := strings.TrimSpace(paneIDA)
	b := strings.TrimSpace(paneIDB)
	if a == "" || b == "" {
		return fmt.Errorf("both pane ids are required")
	}
	_, err := c.request(ctx, http.MethodPost, "/api/terminal/panes/swap", api.SwapPanesRequest{
		PaneIDA: a,
		PaneIDB: b,
	})
	return err
}

func (c *Client) SaveLayout(ctx context.Context, items []api.LayoutItem) error {
	_, err := c.request(ctx, http.MethodPut, "/api/terminal/layout", api.LayoutRequest{Items: items})
	return err
}

func (c *Client) StartAgent(ctx context.Context, sessionID string) (api.AgentStateResponse, error) {
	id := strings.TrimSpace(sessionID)
	if id == "" {
		return api.AgentStateResponse{}, fmt.Errorf("session id is required")
	}
	body, err := c.request(ctx, http.MethodPost, "/api/terminal/sessions/"+url.PathEscape(id)+"/start-claude", nil)
	if err != nil {
		return api.AgentStateResponse{}, err
	}
	var resp api.AgentStateResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return api.AgentStateResponse{}, fmt.Errorf("decode agent state response: %w", err)
	}
	return resp, nil
}

func (c *Client) AgentState(ctx context.Context, sessionID string) (api.AgentStateResponse, error) {
	id := strings.TrimSpace(sessionID)
	if id == "" {
		return api.AgentStateResponse{}, fmt.Errorf("session id is required")
	}
	body, err := c.request(ctx, http.MethodGet, "/api/terminal/sessions/"+url.PathEscape(id)+"/claude-state", nil)
	if err != nil {
		return api.AgentStateResponse{}, err
	}
	var resp api.AgentStateResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return api.AgentStateResponse{}, fmt.Errorf("decode agent state response: %w", err)
	}
	return resp, nil
}

func (c *Client) request(ctx context.Context, method, path string, body any) ([]byte, error) {
	reqCtx := ctx
	if c.unaryTimeout > 0 {
		if deadline, ok := ctx.Deadline(); !ok || time.Until(deadline) > c.unaryTimeout {
			var cancel context.CancelFunc
			reqCtx, cancel = context.WithTimeout(ctx, c.unaryTimeout)
			defer cancel()
		}
	}
	var reqBody io.Reader
	if body != nil {
		buf := &bytes.Buffer{}
		if err := json.NewEncoder(buf).Encode(body); err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		reqBody = buf
	}
	req, err := http.NewRequestWithContext(reqCtx, method, c.baseURL+path, reqBody)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close() //nolint:errcheck

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		var er api.ErrorResponse
		if err := json.Unmarshal(payload, &er); err == nil && strings.TrimSpace(er.Detail) != "" {
			return nil, &RequestError{StatusCode: resp.StatusCode, Detail: er.Detail}
		}
		return nil, &RequestError{StatusCode: resp.StatusCode, Detail: strings.TrimSpace(string(payload))}
	}
	return payload, nil
}
