// Package api is the REST client for the backend's pull and command
// endpoints. Pulls retry on network errors, timeouts, 408, 429 and 5xx,
// honouring Retry-After. Commands are sent once; their failures are returned to the
// caller as CommandErrors.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Iron-Ham/pathwatch/internal/decode"
	"github.com/Iron-Ham/pathwatch/internal/errors"
	"github.com/Iron-Ham/pathwatch/internal/logging"
	"github.com/Iron-Ham/pathwatch/internal/model"
)

// IdempotencyHeader carries the send-message idempotency key.
const IdempotencyHeader = "Idempotency-Key"

// Options configures a Client.
type Options struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
	Timeout    time.Duration
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Logger     *logging.Logger
}

// Client talks to the REST backend.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
	logger     *logging.Logger
}

// New creates a Client.
func New(opts Options) *Client {
	hc := opts.HTTPClient
	if hc == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		hc = &http.Client{Timeout: timeout}
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.Logger == nil {
		opts.Logger = logging.NopLogger()
	}
	return &Client{
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		token:      opts.Token,
		httpClient: hc,
		maxRetries: opts.MaxRetries,
		baseDelay:  opts.BaseDelay,
		maxDelay:   opts.MaxDelay,
		logger:     opts.Logger.WithComponent("api"),
	}
}

// ListPaths fetches the viewer's paths.
func (c *Client) ListPaths(ctx context.Context) ([]*model.Path, error) {
	raw, err := c.pull(ctx, "/api/paths", "paths", "")
	if err != nil {
		return nil, err
	}
	return decode.Paths(raw), nil
}

// GetPath fetches one path.
func (c *Client) GetPath(ctx context.Context, id string) (*model.Path, error) {
	raw, err := c.pull(ctx, "/api/paths/"+url.PathEscape(id), "path", id)
	if err != nil {
		return nil, err
	}
	p, err := decode.PathResponse(raw)
	if err != nil {
		return nil, errors.NewNotFoundError("path", id).WithCause(err)
	}
	return p, nil
}

// GetJob fetches one job snapshot.
func (c *Client) GetJob(ctx context.Context, id string) (model.Job, error) {
	raw, err := c.pull(ctx, "/api/jobs/"+url.PathEscape(id), "job", id)
	if err != nil {
		return model.Job{}, err
	}
	j, err := decode.JobResponse(raw)
	if err != nil {
		return model.Job{}, errors.NewNotFoundError("job", id).WithCause(err)
	}
	return j, nil
}

// GetThread fetches a thread header with its messages.
func (c *Client) GetThread(ctx context.Context, id string) (model.Thread, []*model.ChatMessage, error) {
	raw, err := c.pull(ctx, "/api/chat/threads/"+url.PathEscape(id), "thread", id)
	if err != nil {
		return model.Thread{}, nil, err
	}
	th, msgs := decode.ThreadResponse(raw)
	if th.ID == "" {
		th.ID = id
	}
	return th, msgs, nil
}

// ListMessages fetches a thread's messages.
func (c *Client) ListMessages(ctx context.Context, threadID string) ([]*model.ChatMessage, error) {
	raw, err := c.pull(ctx, "/api/chat/threads/"+url.PathEscape(threadID)+"/messages", "thread", threadID)
	if err != nil {
		return nil, err
	}
	return decode.Messages(raw), nil
}

// ActivatePath marks a path as the viewer's active one.
func (c *Client) ActivatePath(ctx context.Context, id string) (*model.Path, error) {
	raw, err := c.command(ctx, "activate path", http.MethodPost, "/api/paths/"+url.PathEscape(id)+"/activate", id, nil, nil)
	if err != nil {
		return nil, err
	}
	// The backend may answer with an empty body; the caller keeps its
	// optimistic copy then.
	p, _ := decode.PathResponse(raw)
	return p, nil
}

// CancelJob asks the backend to cancel a job.
func (c *Client) CancelJob(ctx context.Context, id string) error {
	_, err := c.command(ctx, "cancel job", http.MethodPost, "/api/jobs/"+url.PathEscape(id)+"/cancel", id, nil, nil)
	return err
}

// RestartJob asks the backend to restart a failed or canceled job.
func (c *Client) RestartJob(ctx context.Context, id string) (model.Job, error) {
	raw, err := c.command(ctx, "restart job", http.MethodPost, "/api/jobs/"+url.PathEscape(id)+"/restart", id, nil, nil)
	if err != nil {
		return model.Job{}, err
	}
	j, err := decode.JobResponse(raw)
	if err != nil {
		c.logger.Debug("restart response carried no job", "job_id", id, "error", err.Error())
	}
	return j, nil
}

// SendMessage posts a user message. An empty key gets a generated one; the
// same key must be reused when resubmitting so the backend can deduplicate.
func (c *Client) SendMessage(ctx context.Context, threadID, content, key string) (model.SendResult, error) {
	if key == "" {
		key = NewIdempotencyKey()
	}
	body := map[string]any{
		"content":         content,
		"idempotency_key": key,
	}
	headers := map[string]string{IdempotencyHeader: key}
	raw, err := c.command(ctx, "send message", http.MethodPost, "/api/chat/threads/"+url.PathEscape(threadID)+"/messages", threadID, headers, body)
	if err != nil {
		return model.SendResult{}, err
	}
	return decode.SendResponse(raw), nil
}

// PatchBlock enqueues a document patch job for one block of a node.
func (c *Client) PatchBlock(ctx context.Context, nodeID string, patch model.BlockPatch) (model.Job, error) {
	body := map[string]any{
		"block_id":    patch.BlockID,
		"action":      patch.Action,
		"instruction": patch.Instruction,
	}
	raw, err := c.command(ctx, "patch block", http.MethodPost, "/api/nodes/"+url.PathEscape(nodeID)+"/doc/patch", nodeID, nil, body)
	if err != nil {
		return model.Job{}, err
	}
	j, err := decode.JobResponse(raw)
	if err != nil {
		c.logger.Warn("patch accepted without a job id, block will not be tracked", "node_id", nodeID, "error", err.Error())
	}
	return j, nil
}

// NewIdempotencyKey returns a fresh send-message key.
func NewIdempotencyKey() string {
	return uuid.NewString()
}

func (c *Client) pull(ctx context.Context, path, resource, id string) ([]byte, error) {
	raw, status, err := c.do(ctx, http.MethodGet, path, nil, nil, c.maxRetries)
	if err != nil {
		return nil, errors.NewPullError("fetch "+resource, err).WithResource(resource, id)
	}
	if status < 200 || status > 299 {
		return nil, errors.NewPullError("fetch "+resource, responseError(raw, status)).
			WithResource(resource, id).
			WithStatus(status)
	}
	return raw, nil
}

func (c *Client) command(ctx context.Context, name, method, path, target string, headers map[string]string, body any) ([]byte, error) {
	raw, status, err := c.do(ctx, method, path, headers, body, 0)
	if err != nil {
		return nil, errors.NewCommandError(name, err).WithTarget(target)
	}
	if status < 200 || status > 299 {
		return nil, errors.NewCommandError(name, responseError(raw, status)).WithTarget(target).WithStatus(status)
	}
	return raw, nil
}

// do sends the request, retrying up to retries times on transient
// failures: network errors, timeouts and the statuses errors.RetryableStatus
// accepts. It returns the final response body and status.
func (c *Client) do(ctx context.Context, method, path string, headers map[string]string, body any, retries int) ([]byte, int, error) {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return nil, 0, err
		}
	}

	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
		if err != nil {
			return nil, 0, err
		}
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}
		req.Header.Set("Accept", "application/json")
		req.Header.Set("X-Correlation-Id", uuid.NewString())
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		for k, v := range headers {
			req.Header.Set(k, v)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			reqErr := c.requestError(ctx, method, path, attempt, err)
			if attempt < retries && ctx.Err() == nil && errors.IsRetryable(reqErr) {
				c.logger.Debug("request failed, retrying", "method", method, "path", path, "attempt", attempt+1, "error", reqErr.Error())
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return nil, 0, c.requestError(ctx, method, path, attempt, waitErr)
				}
				continue
			}
			return nil, 0, reqErr
		}
		payload, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return nil, 0, c.requestError(ctx, method, path, attempt, readErr)
		}

		if attempt < retries && errors.RetryableStatus(resp.StatusCode) {
			c.logger.Debug("retryable status", "method", method, "path", path, "status", resp.StatusCode, "attempt", attempt+1)
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return nil, 0, c.requestError(ctx, method, path, attempt, waitErr)
			}
			continue
		}
		return payload, resp.StatusCode, nil
	}
}

// requestError classifies a failed round trip. Deadlines become
// TimeoutErrors; everything else is a TransportError.
func (c *Client) requestError(ctx context.Context, method, path string, attempt int, err error) error {
	var netErr net.Error
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return errors.NewTimeoutError(method+" "+path, c.httpClient.Timeout).WithCause(err)
	}
	return errors.NewTransportError(method+" "+path, err).WithURL(c.baseURL + path).WithAttempt(attempt + 1)
}

// responseError extracts the backend's error text from an error body.
func responseError(raw []byte, status int) error {
	b := decode.ParseBag(raw)
	msg := b.String("error.message", "error", "message", "detail")
	if msg == "" {
		msg = strings.TrimSpace(string(raw))
	}
	if msg == "" || len(msg) > 500 {
		msg = http.StatusText(status)
	}
	return errors.New(msg)
}

func (c *Client) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	maxDelay := c.maxDelay
	if maxDelay <= 0 {
		maxDelay = 4 * time.Second
	}
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		if retryAfter > maxDelay {
			return maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	if delay <= 0 {
		delay = 250 * time.Millisecond
	}
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	if delay > maxDelay {
		return maxDelay
	}
	return delay
}

func parseRetryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
