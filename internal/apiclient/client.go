// Package apiclient talks to a running conductor daemon over its control API.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"conductor/internal/api"
	"conductor/internal/config"
	"conductor/internal/events"
	"conductor/internal/job"
	"conductor/internal/services"
)

const defaultTimeout = 30 * time.Second

// Client calls the control API.
type Client struct {
	baseURL string
	http    *http.Client
	dialer  *websocket.Dialer
}

// New builds a client for the daemon at baseURL (for example
// "http://127.0.0.1:7487").
func New(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: defaultTimeout},
		dialer:  &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
	}
}

// BaseURLFromConfig derives the daemon URL from paths.api_bind. Wildcard
// hosts are dialed on loopback.
func BaseURLFromConfig(cfg *config.Config) (string, error) {
	bind := strings.TrimSpace(cfg.Paths.APIBind)
	if bind == "" {
		return "", errors.New("paths.api_bind is empty; the daemon API is disabled")
	}
	host, port, err := net.SplitHostPort(bind)
	if err != nil {
		return "", fmt.Errorf("parse paths.api_bind %q: %w", bind, err)
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port), nil
}

// BaseURL returns the daemon URL the client targets.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Submit starts a pipeline job, or returns the existing one for an identical
// input.
func (c *Client) Submit(ctx context.Context, input job.Input) (api.SubmitResponse, error) {
	var resp api.SubmitResponse
	err := c.do(ctx, "submit", http.MethodPost, "/pipeline", api.SubmitRequest{Input: input}, &resp)
	return resp, err
}

// Get fetches the full job snapshot.
func (c *Client) Get(ctx context.Context, id string) (*job.Job, error) {
	var j job.Job
	if err := c.do(ctx, "get job", http.MethodGet, "/jobs/"+url.PathEscape(id), nil, &j); err != nil {
		return nil, err
	}
	return &j, nil
}

// List returns recent job summaries, newest first. A zero limit uses the
// server default.
func (c *Client) List(ctx context.Context, limit int, statuses []string) ([]job.Summary, error) {
	query := url.Values{}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	for _, status := range statuses {
		if status = strings.TrimSpace(status); status != "" {
			query.Add("status", status)
		}
	}
	path := "/jobs"
	if len(query) > 0 {
		path += "?" + query.Encode()
	}
	var resp api.JobListResponse
	if err := c.do(ctx, "list jobs", http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Jobs, nil
}

// Cancel stops a queued or running job and returns its final snapshot.
func (c *Client) Cancel(ctx context.Context, id string) (*job.Job, error) {
	var j job.Job
	if err := c.do(ctx, "cancel job", http.MethodPost, "/jobs/"+url.PathEscape(id)+"/cancel", nil, &j); err != nil {
		return nil, err
	}
	return &j, nil
}

// Purge deletes expired jobs.
func (c *Client) Purge(ctx context.Context) (int, error) {
	var resp api.PurgeResponse
	err := c.do(ctx, "purge", http.MethodPost, "/admin/purge", nil, &resp)
	return resp.Purged, err
}

// ResetBreaker closes the breaker guarding target.
func (c *Client) ResetBreaker(ctx context.Context, target string) (api.BreakerResetResponse, error) {
	var resp api.BreakerResetResponse
	err := c.do(ctx, "reset breaker", http.MethodPost, "/admin/breakers/"+url.PathEscape(target)+"/reset", nil, &resp)
	return resp, err
}

// Reset cancels every job and wipes the job store.
func (c *Client) Reset(ctx context.Context) (int, error) {
	var resp api.ResetResponse
	err := c.do(ctx, "reset", http.MethodPost, "/admin/reset", nil, &resp)
	return resp.Removed, err
}

// Status returns breaker snapshots, cached health and job counts.
func (c *Client) Status(ctx context.Context) (api.StatusResponse, error) {
	var resp api.StatusResponse
	err := c.do(ctx, "status", http.MethodGet, "/status", nil, &resp)
	return resp, err
}

// Watch streams events for jobID (all jobs when empty) until fn returns an
// error, ctx ends or the daemon closes the stream. ErrStopWatching from fn
// ends the watch cleanly.
func (c *Client) Watch(ctx context.Context, jobID string, since int64, fn func(events.Event) error) error {
	wsURL, err := url.Parse(c.baseURL + "/ws")
	if err != nil {
		return fmt.Errorf("parse daemon url: %w", err)
	}
	switch wsURL.Scheme {
	case "https":
		wsURL.Scheme = "wss"
	default:
		wsURL.Scheme = "ws"
	}
	query := url.Values{}
	if jobID != "" {
		query.Set("job_id", jobID)
	}
	if since >= 0 {
		query.Set("since", strconv.FormatInt(since, 10))
	}
	wsURL.RawQuery = query.Encode()

	conn, resp, err := c.dialer.DialContext(ctx, wsURL.String(), nil)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			return decodeError("watch", resp.StatusCode, body)
		}
		return wrapDialError(err, c.baseURL)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		_ = conn.Close()
	})
	defer stop()

	for {
		var evt events.Event
		if err := conn.ReadJSON(&evt); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("read event: %w", err)
		}
		if err := fn(evt); err != nil {
			if errors.Is(err, ErrStopWatching) {
				return nil
			}
			return err
		}
	}
}

// ErrStopWatching ends Watch without an error.
var ErrStopWatching = errors.New("stop watching")

func (c *Client) do(ctx context.Context, op, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%s: encode request: %w", op, err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("%s: build request: %w", op, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return wrapDialError(err, c.baseURL)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%s: read response: %w", op, err)
	}
	if resp.StatusCode >= http.StatusMultipleChoices {
		return decodeError(op, resp.StatusCode, data)
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%s: decode response: %w", op, err)
	}
	return nil
}

// decodeError rebuilds the tagged error from an {error, kind} body. Bodies
// that are not JSON are classified by status code.
func decodeError(op string, status int, body []byte) error {
	var payload api.ErrorResponse
	if err := json.Unmarshal(body, &payload); err != nil || payload.Error == "" {
		return services.FromStatus("conductord", op, status, string(body))
	}
	kind := payload.Kind
	if kind == "" {
		kind = services.ClassifyHTTPStatus(status)
	}
	return &services.Error{
		Kind:       kind,
		Target:     "conductord",
		Op:         op,
		StatusCode: status,
		Message:    payload.Error,
	}
}

func wrapDialError(err error, baseURL string) error {
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return fmt.Errorf("connect to daemon at %s: %w; start it with `conductor daemon`", baseURL, err)
	}
	return fmt.Errorf("connect to daemon at %s: %w", baseURL, err)
}
