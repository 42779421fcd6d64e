package stageclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"conductor/internal/breaker"
	"conductor/internal/config"
	"conductor/internal/job"
	"conductor/internal/logging"
	"conductor/internal/poller"
	"conductor/internal/retry"
	"conductor/internal/services"
	"conductor/internal/stage"
)

const (
	defaultRequestTimeout = 30 * time.Second
	maxErrorBody          = 4 << 10
)

// Client wraps one downstream stage service behind a circuit breaker and a
// retry policy.
type Client struct {
	name       string
	baseURL    string
	httpClient *http.Client
	timeout    time.Duration
	breaker    *breaker.Breaker
	policy     retry.Policy
	pollOpts   poller.Options
	sleep      func(context.Context, time.Duration) error
	logger     *slog.Logger
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client used for requests.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// WithSleeper overrides the wait between retries and polls.
func WithSleeper(sleep func(context.Context, time.Duration) error) Option {
	return func(c *Client) {
		if sleep != nil {
			c.sleep = sleep
		}
	}
}

// WithRequestTimeout overrides the per-call timeout.
func WithRequestTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		if timeout > 0 {
			c.timeout = timeout
		}
	}
}

// WithPollOptions overrides the status polling schedule.
func WithPollOptions(opts poller.Options) Option {
	return func(c *Client) {
		c.pollOpts = opts
	}
}

// WithRetryPolicy overrides the retry policy.
func WithRetryPolicy(policy retry.Policy) Option {
	return func(c *Client) {
		c.policy = policy
	}
}

// New constructs a client for the stage service at baseURL.
func New(name, baseURL string, br *breaker.Breaker, logger *slog.Logger, opts ...Option) *Client {
	c := &Client{
		name:       name,
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		httpClient: &http.Client{},
		timeout:    defaultRequestTimeout,
		breaker:    br,
		policy:     retry.Default(),
		pollOpts:   poller.Options{Name: name},
		sleep:      retry.Sleep,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.breaker == nil {
		c.breaker = breaker.New(name, breaker.Options{}, logger)
	}
	if c.pollOpts.Name == "" {
		c.pollOpts.Name = name
	}
	if c.pollOpts.Sleep == nil {
		c.pollOpts.Sleep = c.sleep
	}
	c.logger = logging.NewComponentLogger(logger, "stageclient").With(logging.String(logging.FieldTarget, name))
	return c
}

// FromConfig builds the client for stage name from application config, using
// the breaker the registry holds for it.
func FromConfig(cfg *config.Config, name string, registry *breaker.Registry, logger *slog.Logger, opts ...Option) (*Client, error) {
	endpoint, ok := cfg.Endpoint(name)
	if !ok {
		return nil, fmt.Errorf("stage client: unknown stage %q", name)
	}
	if strings.TrimSpace(endpoint.URL) == "" {
		return nil, fmt.Errorf("stage client: services.%s.url is not configured", name)
	}
	base := []Option{
		WithRequestTimeout(endpoint.RequestTimeout()),
		WithRetryPolicy(retry.FromConfig(cfg.Retry)),
		WithPollOptions(poller.FromConfig(name, cfg.Poller)),
	}
	return New(name, endpoint.URL, registry.Get(name), logger, append(base, opts...)...), nil
}

// NewSet builds one client per pipeline stage from application config.
func NewSet(cfg *config.Config, registry *breaker.Registry, logger *slog.Logger, opts ...Option) (map[job.Stage]stage.Client, error) {
	clients := make(map[job.Stage]stage.Client, len(job.Stages()))
	for _, st := range job.Stages() {
		client, err := FromConfig(cfg, string(st), registry, logger, opts...)
		if err != nil {
			return nil, err
		}
		clients[st] = client
	}
	return clients, nil
}

// Name returns the stage name the client serves.
func (c *Client) Name() string {
	return c.name
}

// Breaker exposes the breaker guarding this client.
func (c *Client) Breaker() *breaker.Breaker {
	return c.breaker
}

// ArtifactURL returns the download location of a remote job's artifact.
func (c *Client) ArtifactURL(remoteJobID string) string {
	return c.baseURL + "/jobs/" + url.PathEscape(remoteJobID) + "/download"
}

// Submit posts work to the stage service and returns the remote job id.
// An open circuit fails immediately without a network call.
func (c *Client) Submit(ctx context.Context, sub stage.Submission) (string, error) {
	body, err := json.Marshal(sub)
	if err != nil {
		return "", services.Wrap(services.KindInternal, c.name, "submit", "encode submission", err)
	}
	var accepted stage.Accepted
	err = c.withRetry(ctx, "submit", func(ctx context.Context) error {
		return c.exchange(ctx, "submit", http.MethodPost, "/jobs", body, func(resp *http.Response) error {
			return decodeJSON(resp.Body, &accepted)
		})
	})
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(accepted.RemoteJobID) == "" {
		return "", services.Wrap(services.KindInternal, c.name, "submit", "response missing remote_job_id", nil)
	}
	logging.WithContext(ctx, c.logger).Debug("stage job submitted",
		logging.String("remote_job_id", accepted.RemoteJobID),
		logging.String("remote_status", accepted.Status),
	)
	return accepted.RemoteJobID, nil
}

// Status reads the remote job state once.
func (c *Client) Status(ctx context.Context, remoteJobID string) (stage.RemoteStatus, error) {
	var status stage.RemoteStatus
	err := c.exchange(ctx, "status", http.MethodGet, "/jobs/"+url.PathEscape(remoteJobID), nil, func(resp *http.Response) error {
		return decodeJSON(resp.Body, &status)
	})
	return status, err
}

// AwaitCompletion polls until the remote job reaches a terminal state.
// progress is called after every successful status read.
func (c *Client) AwaitCompletion(ctx context.Context, remoteJobID string, progress func(stage.RemoteStatus)) (stage.RemoteStatus, error) {
	p := poller.New[stage.RemoteStatus](c.pollOpts, c.logger)
	result, err := p.Poll(ctx, poller.Probe[stage.RemoteStatus]{
		Check: func(ctx context.Context) (stage.RemoteStatus, error) {
			return c.Status(ctx, remoteJobID)
		},
		IsTerminal: stage.RemoteStatus.Terminal,
		IsFailed:   stage.RemoteStatus.Failed,
		IsRunning:  stage.RemoteStatus.Running,
		OnUpdate:   progress,
	})
	if err != nil {
		if services.KindOf(err) == services.KindStageFailed && result.State.Error != "" {
			err = services.Wrap(services.KindStageFailed, c.name, "await", result.State.Error, nil)
		}
		return result.State, err
	}
	logging.WithContext(ctx, c.logger).Debug("stage job finished",
		logging.String("remote_job_id", remoteJobID),
		logging.Int("attempts", result.Attempts),
		logging.Duration("waited", result.Waited),
	)
	return result.State, nil
}

// FetchArtifact streams the remote job's artifact into w. Retries stop once
// any bytes have been written.
func (c *Client) FetchArtifact(ctx context.Context, remoteJobID string, w io.Writer) (int64, error) {
	var written int64
	err := c.withRetry(ctx, "fetch artifact", func(ctx context.Context) error {
		if written > 0 {
			return services.Wrap(services.KindInternal, c.name, "fetch artifact", "partial transfer cannot be resumed", nil)
		}
		return c.exchange(ctx, "fetch artifact", http.MethodGet, "/jobs/"+url.PathEscape(remoteJobID)+"/download", nil, func(resp *http.Response) error {
			n, err := io.Copy(w, resp.Body)
			written += n
			if err != nil {
				if ctx.Err() != nil {
					return err
				}
				return services.Wrap(services.KindTransient, c.name, "fetch artifact", "read body", err)
			}
			return nil
		})
	})
	return written, err
}

// HealthCheck probes GET /health. It bypasses the breaker so a slow probe
// never blocks orchestration.
func (c *Client) HealthCheck(ctx context.Context) stage.Health {
	started := time.Now()
	return stage.Checked(c.name, started, c.probe(ctx))
}

func (c *Client) probe(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))
	if resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("health endpoint returned %d", resp.StatusCode)
	}
	return nil
}

func (c *Client) withRetry(ctx context.Context, op string, fn func(context.Context) error) error {
	logger := logging.WithContext(ctx, c.logger)
	for attempt := 0; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		retryable, delay := c.policy.ShouldRetry(attempt, err)
		if !retryable || ctx.Err() != nil {
			return err
		}
		logger.Info("retrying stage call",
			logging.String("op", op),
			logging.Int("attempt", attempt+1),
			logging.Int("max_retries", c.policy.MaxRetries),
			logging.Duration("delay", delay),
			logging.Error(err),
		)
		if serr := c.sleep(ctx, delay); serr != nil {
			return contextError(ctx, c.name, op, serr)
		}
	}
}

// exchange performs one HTTP call through the breaker. consume runs only for
// 2xx responses, while the per-call deadline still applies.
func (c *Client) exchange(ctx context.Context, op, method, path string, body []byte, consume func(*http.Response) error) error {
	if !c.breaker.Allow() {
		return services.Wrap(services.KindCircuitOpen, c.name, op, "circuit open; call rejected", nil)
	}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(callCtx, method, c.baseURL+path, reader)
	if err != nil {
		c.breaker.Release()
		return services.Wrap(services.KindInternal, c.name, op, "build request", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if id, ok := services.JobIDFromContext(ctx); ok {
		req.Header.Set("X-Pipeline-Job-ID", id)
	}
	if rid, ok := services.RequestIDFromContext(ctx); ok {
		req.Header.Set("X-Request-ID", rid)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			c.breaker.Release()
			return contextError(ctx, c.name, op, err)
		}
		c.breaker.RecordFailure()
		return services.Wrap(services.KindTransient, c.name, op, "request failed", err)
	}
	defer resp.Body.Close()

	kind := services.ClassifyHTTPStatus(resp.StatusCode)
	switch kind {
	case "":
	case services.KindTransient:
		c.breaker.RecordFailure()
		return statusError(c.name, op, resp)
	default:
		// The service answered; only transient failures count against it.
		c.breaker.RecordSuccess()
		return statusError(c.name, op, resp)
	}

	if err := consume(resp); err != nil {
		if ctx.Err() != nil {
			c.breaker.Release()
			return contextError(ctx, c.name, op, err)
		}
		if services.KindOf(err) == services.KindTransient {
			c.breaker.RecordFailure()
			return err
		}
		c.breaker.RecordSuccess()
		return err
	}
	c.breaker.RecordSuccess()
	return nil
}

func statusError(name, op string, resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	err := services.FromStatus(name, op, resp.StatusCode, extractMessage(data))
	var tagged *services.Error
	if errors.As(err, &tagged) {
		if wait, ok := parseRetryAfter(resp.Header.Get("Retry-After")); ok {
			tagged.RetryAfter = wait
		}
	}
	return err
}

// extractMessage prefers the "error" field of a JSON body.
func extractMessage(data []byte) string {
	var payload struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(data, &payload) == nil {
		if payload.Error != "" {
			return payload.Error
		}
		if payload.Message != "" {
			return payload.Message
		}
	}
	return string(data)
}

func decodeJSON(r io.Reader, target any) error {
	if err := json.NewDecoder(r).Decode(target); err != nil {
		return services.Wrap(services.KindInternal, "", "decode response", "malformed JSON from stage service", err)
	}
	return nil
}

// contextError tags a failure caused by ctx ending, preferring its cause.
func contextError(ctx context.Context, name, op string, err error) error {
	cause := context.Cause(ctx)
	if cause == nil {
		cause = err
	}
	return services.Wrap(services.KindOf(cause), name, op, "context ended", cause)
}

func parseRetryAfter(value string) (time.Duration, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, false
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		if seconds < 0 {
			return 0, false
		}
		return time.Duration(seconds) * time.Second, true
	}
	if when, err := http.ParseTime(value); err == nil {
		delay := time.Until(when)
		if delay < 0 {
			return 0, false
		}
		return delay, true
	}
	return 0, false
}
