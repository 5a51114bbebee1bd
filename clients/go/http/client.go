// Package http provides an HTTP client for the gatekeeper feature flag
// service.
package http

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	gatekeeper "github.com/hearthvault/gatekeeper/clients/go"
)

// Config holds configuration for the HTTP client.
type Config struct {
	// BaseURL is the base URL of the gatekeeper server, e.g. "http://localhost:8080".
	BaseURL string
	// APIKey is the bearer token in "id.secret" format.
	APIKey string
	// HTTPClient is optional; defaults to http.DefaultClient.
	HTTPClient *http.Client
}

// Client implements [gatekeeper.FlagManager], [gatekeeper.TargetingManager],
// [gatekeeper.Evaluator], and [gatekeeper.Streamer] over HTTP.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// NewHTTPClient returns a new HTTP client for the gatekeeper service.
func NewHTTPClient(cfg Config) *Client {
	hc := cfg.HTTPClient
	if hc == nil {
		hc = http.DefaultClient
	}
	return &Client{cfg: cfg, httpClient: hc}
}

// APIError is returned when the server responds with an HTTP error status.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("gatekeeper: HTTP %d: %s", e.StatusCode, e.Message)
}

// -- wire types --------------------------------------------------------------

type wireEvaluateReq struct {
	Key         string                        `json:"key,omitempty"`
	Environment string                        `json:"environment,omitempty"`
	Context     *gatekeeper.EvaluationContext `json:"context,omitempty"`
	Requests    []wireEvalReqItem             `json:"requests,omitempty"`
}

type wireEvalReqItem struct {
	Key         string                       `json:"key"`
	Environment string                       `json:"environment"`
	Context     gatekeeper.EvaluationContext `json:"context"`
}

type wireEvaluateResp struct {
	Results []gatekeeper.Decision `json:"results"`
}

// -- helpers -----------------------------------------------------------------

func (c *Client) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("gatekeeper: marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("gatekeeper: create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("gatekeeper: http: %w", err)
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		return nil, &APIError{StatusCode: resp.StatusCode, Message: errorMessage(resp.Body)}
	}
	return resp, nil
}

// errorMessage extracts the "error" field from a JSON error body, falling
// back to the raw body text.
func errorMessage(body io.Reader) string {
	raw, _ := io.ReadAll(body)
	var wire struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(raw, &wire); err == nil && wire.Error != "" {
		return wire.Error
	}
	return strings.TrimSpace(string(raw))
}

func decodeInto[T any](resp *http.Response) (T, error) {
	defer resp.Body.Close()
	var out T
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return out, fmt.Errorf("gatekeeper: decode response: %w", err)
	}
	return out, nil
}

// -- FlagManager -------------------------------------------------------------

func (c *Client) CreateFlag(ctx context.Context, flag gatekeeper.Flag) (gatekeeper.Flag, error) {
	resp, err := c.do(ctx, http.MethodPost, "/v1/flags", flag)
	if err != nil {
		return gatekeeper.Flag{}, err
	}
	return decodeInto[gatekeeper.Flag](resp)
}

func (c *Client) GetFlag(ctx context.Context, key string) (gatekeeper.Flag, error) {
	resp, err := c.do(ctx, http.MethodGet, "/v1/flags/"+key, nil)
	if err != nil {
		return gatekeeper.Flag{}, err
	}
	return decodeInto[gatekeeper.Flag](resp)
}

func (c *Client) ListFlags(ctx context.Context) ([]gatekeeper.Flag, error) {
	resp, err := c.do(ctx, http.MethodGet, "/v1/flags", nil)
	if err != nil {
		return nil, err
	}
	return decodeInto[[]gatekeeper.Flag](resp)
}

func (c *Client) UpdateFlag(ctx context.Context, key string, patch gatekeeper.FlagPatch) (gatekeeper.Flag, error) {
	resp, err := c.do(ctx, http.MethodPatch, "/v1/flags/"+key, patch)
	if err != nil {
		return gatekeeper.Flag{}, err
	}
	return decodeInto[gatekeeper.Flag](resp)
}

func (c *Client) ArchiveFlag(ctx context.Context, key string) error {
	resp, err := c.do(ctx, http.MethodDelete, "/v1/flags/"+key, nil)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// -- TargetingManager --------------------------------------------------------

func (c *Client) GetTargeting(ctx context.Context, key, environment string) (gatekeeper.TargetingConfig, error) {
	resp, err := c.do(ctx, http.MethodGet, "/v1/flags/"+key+"/targeting/"+environment, nil)
	if err != nil {
		return gatekeeper.TargetingConfig{}, err
	}
	return decodeInto[gatekeeper.TargetingConfig](resp)
}

func (c *Client) SetTargeting(ctx context.Context, key, environment string, config gatekeeper.TargetingConfig) (gatekeeper.TargetingConfig, error) {
	resp, err := c.do(ctx, http.MethodPut, "/v1/flags/"+key+"/targeting/"+environment, config)
	if err != nil {
		return gatekeeper.TargetingConfig{}, err
	}
	return decodeInto[gatekeeper.TargetingConfig](resp)
}

// -- Evaluator ---------------------------------------------------------------

func (c *Client) Evaluate(ctx context.Context, key, environment string, evalCtx gatekeeper.EvaluationContext) (gatekeeper.Decision, error) {
	body := wireEvaluateReq{
		Key:         key,
		Environment: environment,
		Context:     &evalCtx,
	}
	resp, err := c.do(ctx, http.MethodPost, "/v1/evaluate", body)
	if err != nil {
		return gatekeeper.Decision{}, err
	}
	out, err := decodeInto[wireEvaluateResp](resp)
	if err != nil {
		return gatekeeper.Decision{}, err
	}
	if len(out.Results) != 1 {
		return gatekeeper.Decision{}, fmt.Errorf("gatekeeper: expected 1 result, got %d", len(out.Results))
	}
	return out.Results[0], nil
}

func (c *Client) EvaluateBatch(ctx context.Context, reqs []gatekeeper.EvaluateRequest) ([]gatekeeper.Decision, error) {
	items := make([]wireEvalReqItem, len(reqs))
	for i, r := range reqs {
		items[i] = wireEvalReqItem{Key: r.Key, Environment: r.Environment, Context: r.Context}
	}
	resp, err := c.do(ctx, http.MethodPost, "/v1/evaluate", wireEvaluateReq{Requests: items})
	if err != nil {
		return nil, err
	}
	out, err := decodeInto[wireEvaluateResp](resp)
	if err != nil {
		return nil, err
	}
	return out.Results, nil
}

// EvaluateMine evaluates every active flag for the identity and returns a
// key to enabled map. An X-Preview-User identity is not supported here;
// staff preview goes through the portal.
func (c *Client) EvaluateMine(ctx context.Context, environment string, identity gatekeeper.Identity) (map[string]bool, error) {
	path := "/v1/flags/mine"
	if environment != "" {
		path += "?environment=" + environment
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("gatekeeper: create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	if identity.UserID != "" {
		req.Header.Set("X-User-Id", identity.UserID)
	}
	if identity.Email != "" {
		req.Header.Set("X-User-Email", identity.Email)
	}
	if identity.Tenant != "" {
		req.Header.Set("X-User-Tenant", identity.Tenant)
	}
	if identity.Role != "" {
		req.Header.Set("X-User-Role", identity.Role)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("gatekeeper: http: %w", err)
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		return nil, &APIError{StatusCode: resp.StatusCode, Message: errorMessage(resp.Body)}
	}
	return decodeInto[map[string]bool](resp)
}

// -- Streamer ----------------------------------------------------------------

// Stream connects to the SSE stream and emits FlagEvents on the returned channel.
// The channel is closed when ctx is cancelled or the connection drops.
func (c *Client) Stream(ctx context.Context, lastEventID int64) (<-chan gatekeeper.FlagEvent, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/v1/stream", nil)
	if err != nil {
		return nil, fmt.Errorf("gatekeeper: create stream request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	if lastEventID > 0 {
		req.Header.Set("Last-Event-ID", fmt.Sprintf("%d", lastEventID))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("gatekeeper: stream connect: %w", err)
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		return nil, &APIError{StatusCode: resp.StatusCode, Message: errorMessage(resp.Body)}
	}

	ch := make(chan gatekeeper.FlagEvent, 16)
	go func() {
		defer close(ch)
		defer resp.Body.Close()
		// Use a buffered reader with a 1 MiB buffer to handle large SSE data lines.
		br := bufio.NewReaderSize(resp.Body, 1<<20)
		parseSSE(ctx, br, ch)
	}()
	return ch, nil
}

// parseSSE reads SSE lines from r and sends parsed FlagEvents to ch.
// It implements the subset of the SSE spec used by the gatekeeper server:
// id, event, data fields; blank-line flush; multi-line data concatenation.
func parseSSE(ctx context.Context, r *bufio.Reader, ch chan<- gatekeeper.FlagEvent) {
	var (
		eventType string
		dataLines []string
		eventID   int64
	)

	for {
		if ctx.Err() != nil {
			return
		}
		line, err := r.ReadString('\n')
		line = strings.TrimRight(line, "\r\n")

		if line == "" {
			// Blank line: dispatch event if we have data.
			if len(dataLines) > 0 {
				data := strings.Join(dataLines, "\n")
				ev := gatekeeper.FlagEvent{
					Type:    eventType,
					EventID: eventID,
					Payload: []byte(data),
				}
				var payload struct {
					Key string `json:"key"`
				}
				if jsonErr := json.Unmarshal([]byte(data), &payload); jsonErr == nil {
					ev.Key = payload.Key
				}
				if eventType == "error" {
					ev.Payload = nil
				}
				select {
				case ch <- ev:
				case <-ctx.Done():
					return
				}
			}
			// Reset for next event.
			eventType = ""
			dataLines = nil
		} else if strings.HasPrefix(line, "id:") {
			fmt.Sscanf(strings.TrimSpace(strings.TrimPrefix(line, "id:")), "%d", &eventID)
		} else if strings.HasPrefix(line, "event:") {
			eventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		} else if strings.HasPrefix(line, "data:") {
			dataLines = append(dataLines, strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}

		if err != nil {
			return
		}
	}
}
