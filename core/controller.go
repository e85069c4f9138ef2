// Package core runs generation sessions: it issues the streaming request,
// feeds the event stream through the tag decoder and dispatches callbacks.
package core

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"pkt.systems/pslog"
	"pkt.systems/screenstream/internal/logx"
	"pkt.systems/screenstream/internal/metrics"
	"pkt.systems/screenstream/internal/usage"
	"pkt.systems/screenstream/internal/version"
	"pkt.systems/screenstream/schema"
)

var errResponseTimeout = errors.New("timed out waiting for response headers")

// Config captures controller dependencies. Only Callbacks is usually set by
// callers; the rest have working defaults.
type Config struct {
	HTTPClient *http.Client
	Logger     pslog.Logger
	Metrics    *metrics.Recorder
	Pricing    usage.Pricing
	// DefaultModel is used when a request names no model.
	DefaultModel schema.ModelID
	// ResponseTimeout bounds the wait for response headers. Zero disables it.
	ResponseTimeout time.Duration
	Callbacks       Callbacks
}

// StartRequest describes one generation.
type StartRequest struct {
	Endpoint string
	Body     schema.GenerateRequest
	Headers  map[string]string
}

// Controller runs at most one session at a time.
type Controller struct {
	cfg    Config
	client *http.Client

	mu      sync.Mutex
	current *session

	// dispatchMu serializes callback delivery across sessions.
	dispatchMu sync.Mutex
}

// NewController constructs a controller.
func NewController(cfg Config) *Controller {
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	return &Controller{cfg: cfg, client: client}
}

// Start cancels any running session and begins a new one. It returns once the
// request is built; the stream is consumed on a separate goroutine and all
// further interaction happens through callbacks and the returned Handle.
func (c *Controller) Start(ctx context.Context, req StartRequest) (*Handle, error) {
	if ctx == nil {
		return nil, errors.New("missing context")
	}
	endpoint := strings.TrimSpace(req.Endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("%w: endpoint is required", schema.ErrInvalidRequest)
	}
	body, err := schema.NormalizeGenerateRequest(req.Body, c.cfg.DefaultModel)
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	id := schema.SessionID(uuid.New().String())
	logCtx := ctx
	if c.cfg.Logger != nil {
		logCtx = pslog.ContextWithLogger(ctx, c.cfg.Logger)
	}
	log := logx.WithSessionModel(logCtx, id, body.Model)

	sessCtx, cancel := context.WithCancelCause(logx.ContextWithSessionLogger(ctx, log, id, body.Model))
	httpReq, err := http.NewRequestWithContext(sessCtx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		cancel(err)
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("User-Agent", version.UserAgent())
	for key, value := range req.Headers {
		httpReq.Header.Set(key, value)
	}

	s := &session{
		c:      c,
		id:     id,
		parent: ctx,
		ctx:    sessCtx,
		cancel: cancel,
		req:    httpReq,
		model:  body.Model,
		prompt: body.Prompt,
		log:    log,
		done:   make(chan struct{}),
		result: schema.SessionResult{
			ID:        id,
			Model:     body.Model,
			Status:    schema.StatusRunning,
			StartedAt: time.Now().UTC(),
		},
	}

	c.mu.Lock()
	prev := c.current
	c.current = s
	c.mu.Unlock()
	if prev != nil {
		prev.stop()
		log.Debug("session superseded previous", "previous", prev.id)
	}

	c.cfg.Metrics.SessionStarted()
	log.Info("session start", "endpoint", endpoint, "prompt_len", len(body.Prompt), "screens", len(body.Screens))
	go s.run()
	return &Handle{s: s}, nil
}

// Cancel aborts the running session, if any. A cancelled session fires no
// further callbacks and skips end-of-stream recovery.
func (c *Controller) Cancel() {
	c.mu.Lock()
	current := c.current
	c.mu.Unlock()
	if current != nil {
		current.stop()
	}
}

// Current returns the handle of the most recently started session.
func (c *Controller) Current() *Handle {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return nil
	}
	return &Handle{s: c.current}
}

// Handle refers to one session.
type Handle struct {
	s *session
}

// ID returns the session id.
func (h *Handle) ID() schema.SessionID {
	return h.s.id
}

// Prompt returns the normalized prompt the session was started with.
func (h *Handle) Prompt() string {
	return h.s.prompt
}

// Endpoint returns the request URL.
func (h *Handle) Endpoint() string {
	return h.s.req.URL.Redacted()
}

// Cancel aborts this session. It is a no-op once the session has terminated.
func (h *Handle) Cancel() {
	h.s.stop()
}

// Done is closed when the session goroutine has exited.
func (h *Handle) Done() <-chan struct{} {
	return h.s.done
}

// Wait blocks until the session terminates or ctx is done.
func (h *Handle) Wait(ctx context.Context) (schema.SessionResult, error) {
	select {
	case <-h.s.done:
		return h.s.snapshot(), nil
	case <-ctx.Done():
		return h.s.snapshot(), ctx.Err()
	}
}

// Result returns a snapshot of the session result so far.
func (h *Handle) Result() schema.SessionResult {
	return h.s.snapshot()
}
