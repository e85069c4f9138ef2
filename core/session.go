package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"pkt.systems/pslog"
	"pkt.systems/screenstream/internal/logx"
	"pkt.systems/screenstream/internal/metrics"
	"pkt.systems/screenstream/internal/protocol"
	"pkt.systems/screenstream/internal/sse"
	"pkt.systems/screenstream/internal/usage"
	"pkt.systems/screenstream/schema"
)

const previewBytes = 200

// session is one request/stream lifecycle. The run goroutine owns the
// decoder; mu guards the result shared with Handle readers.
type session struct {
	c      *Controller
	id     schema.SessionID
	parent context.Context
	ctx    context.Context
	cancel context.CancelCauseFunc
	req    *http.Request
	model  schema.ModelID
	prompt string
	log    pslog.Logger
	done   chan struct{}

	stopped    atomic.Bool
	recovering bool

	mu       sync.Mutex
	result   schema.SessionResult
	raw      strings.Builder
	tracker  usage.Tracker
	terminal bool
}

func (s *session) stop() {
	if s.stopped.CompareAndSwap(false, true) {
		s.cancel(schema.ErrSessionCancelled)
	}
}

// aborted reports whether the session was cancelled by its owner, as opposed
// to failing on its own.
func (s *session) aborted() bool {
	return s.stopped.Load() || s.parent.Err() != nil
}

func (s *session) run() {
	defer close(s.done)
	defer s.cancel(nil)

	resp, err := s.send()
	if err != nil {
		s.fail(err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := decodeAPIError(resp)
		var quotaErr *schema.QuotaError
		if errors.As(apiErr, &quotaErr) {
			s.log.Warn("session quota exceeded", "status", resp.StatusCode, "plan", quotaErr.Quota.Plan, "remaining", quotaErr.Quota.MessagesRemaining)
			info := quotaErr.Quota
			s.terminate(schema.StatusQuotaExceeded, quotaErr, &info, func() {
				if cb := s.c.cfg.Callbacks.OnQuotaExceeded; cb != nil {
					cb(info)
				}
			})
			return
		}
		s.fail(apiErr)
		return
	}

	stream := sse.NewStream(resp.Body)
	machine := protocol.NewMachine(s, s.log)
	for {
		env, err := stream.Next(s.ctx)
		if err != nil {
			var decodeErr *sse.DecodeError
			if errors.As(err, &decodeErr) {
				line := string(decodeErr.Line())
				preview := previewText(line, previewBytes)
				s.log.Warn("session envelope decode failed", "preview", preview, "truncated", len(preview) < len(line), "err", err)
				s.c.cfg.Metrics.MalformedEnvelope()
				continue
			}
			if errors.Is(err, io.EOF) {
				s.log.Debug("session stream eof", "lines", stream.Lines())
				s.complete(machine)
				return
			}
			s.fail(fmt.Errorf("read stream: %w", err))
			return
		}
		switch env.Kind {
		case schema.EnvelopeChunk:
			s.log.Trace("session chunk", "bytes", len(env.Text))
			s.mu.Lock()
			s.raw.WriteString(env.Text)
			s.mu.Unlock()
			s.c.cfg.Metrics.Chunk(len(env.Text))
			machine.Feed(env.Text)
			if s.aborted() {
				s.terminate(schema.StatusAborted, nil, nil, nil)
				return
			}
		case schema.EnvelopeUsage:
			s.handleUsage(*env.Usage)
		case schema.EnvelopeError:
			s.fail(&schema.StreamError{Message: env.Message})
			return
		case schema.EnvelopeDone:
			s.log.Debug("session stream done", "lines", stream.Lines())
			s.complete(machine)
			return
		}
	}
}

func (s *session) send() (*http.Response, error) {
	timeout := s.c.cfg.ResponseTimeout
	var timer *time.Timer
	if timeout > 0 {
		timer = time.AfterFunc(timeout, func() { s.cancel(errResponseTimeout) })
	}
	resp, err := s.c.client.Do(s.req)
	if timer != nil {
		timer.Stop()
	}
	if err != nil {
		if errors.Is(context.Cause(s.ctx), errResponseTimeout) {
			return nil, fmt.Errorf("request %s: %w after %s", s.req.URL.Redacted(), errResponseTimeout, timeout)
		}
		return nil, fmt.Errorf("request %s: %w", s.req.URL.Redacted(), err)
	}
	s.log.Debug("session response", "status", resp.StatusCode, "content_type", resp.Header.Get("Content-Type"))
	return resp, nil
}

func (s *session) handleUsage(event schema.UsageEvent) {
	event = s.c.cfg.Pricing.Apply(event, s.model)
	s.mu.Lock()
	s.tracker.Add(event)
	s.mu.Unlock()
	s.c.cfg.Metrics.Usage(event)
	s.log.Debug("session usage", "input_tokens", event.InputTokens, "output_tokens", event.OutputTokens, "cached_tokens", event.CachedTokens, "provider", event.Provider)
	s.dispatch(func() {
		if cb := s.c.cfg.Callbacks.OnUsage; cb != nil {
			cb(event)
		}
	})
}

// complete runs end-of-stream recovery and reports the final result.
func (s *session) complete(machine *protocol.Machine) {
	if s.aborted() {
		s.terminate(schema.StatusAborted, nil, nil, nil)
		return
	}
	s.recovering = true
	if recovered := machine.Finish(); len(recovered) > 0 {
		s.log.Warn("session screens recovered", "count", len(recovered))
	}
	s.recovering = false
	s.mu.Lock()
	s.result.Screens = machine.Screens()
	s.mu.Unlock()
	s.terminate(schema.StatusCompleted, nil, nil, func() {
		if cb := s.c.cfg.Callbacks.OnCompleted; cb != nil {
			cb(s.snapshot())
		}
	})
}

func (s *session) fail(err error) {
	if s.aborted() {
		s.terminate(schema.StatusAborted, nil, nil, nil)
		return
	}
	s.terminate(schema.StatusFailed, err, nil, func() {
		if cb := s.c.cfg.Callbacks.OnError; cb != nil {
			cb(err)
		}
	})
}

// terminate records the terminal status once and delivers notify. A session
// cancelled in the meantime is recorded as aborted and notify is dropped.
func (s *session) terminate(status schema.SessionStatus, err error, quota *schema.QuotaInfo, notify func()) {
	s.c.dispatchMu.Lock()
	defer s.c.dispatchMu.Unlock()
	if s.aborted() {
		status, err, quota, notify = schema.StatusAborted, nil, nil, nil
	}

	s.mu.Lock()
	if s.terminal {
		s.mu.Unlock()
		return
	}
	s.terminal = true
	s.result.Status = status
	if err != nil {
		s.result.Error = err.Error()
	}
	s.result.Quota = quota
	s.result.FinishedAt = time.Now().UTC()
	s.result.Usage = s.tracker.Totals()
	elapsed := s.result.FinishedAt.Sub(s.result.StartedAt)
	screens := len(s.result.Screens)
	s.mu.Unlock()

	s.c.cfg.Metrics.SessionFinished(status, elapsed)
	switch status {
	case schema.StatusFailed:
		s.log.Error("session failed", "err", err, "duration_ms", elapsed.Milliseconds())
	case schema.StatusAborted:
		s.log.Info("session aborted", "screens", screens, "duration_ms", elapsed.Milliseconds())
	default:
		s.log.Info("session finished", "status", status, "screens", screens, "duration_ms", elapsed.Milliseconds())
	}
	if notify != nil {
		notify()
	}
}

// dispatch delivers one callback unless the session has been cancelled.
func (s *session) dispatch(fn func()) {
	s.c.dispatchMu.Lock()
	defer s.c.dispatchMu.Unlock()
	if s.aborted() {
		return
	}
	fn()
}

func (s *session) snapshot() schema.SessionResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.result
	out.Screens = make([]schema.Screen, len(s.result.Screens))
	for i, screen := range s.result.Screens {
		out.Screens[i] = screen.Clone()
	}
	out.Messages = append([]string(nil), s.result.Messages...)
	if s.result.Quota != nil {
		quota := *s.result.Quota
		out.Quota = &quota
	}
	out.Raw = s.raw.String()
	if !s.terminal {
		out.Usage = s.tracker.Totals()
	}
	return out
}

func (s *session) OnMessage(text string) {
	s.mu.Lock()
	s.result.Messages = append(s.result.Messages, text)
	s.mu.Unlock()
	s.log.Debug("session message", "len", len(text))
	s.dispatch(func() {
		if cb := s.c.cfg.Callbacks.OnMessage; cb != nil {
			cb(text)
		}
	})
}

func (s *session) OnProjectName(name string) {
	s.mu.Lock()
	s.result.ProjectName = name
	s.mu.Unlock()
	s.log.Debug("session project name", "name", name)
	s.dispatch(func() {
		if cb := s.c.cfg.Callbacks.OnProjectName; cb != nil {
			cb(name)
		}
	})
}

func (s *session) OnProjectIcon(icon string) {
	s.mu.Lock()
	s.result.ProjectIcon = icon
	s.mu.Unlock()
	s.dispatch(func() {
		if cb := s.c.cfg.Callbacks.OnProjectIcon; cb != nil {
			cb(icon)
		}
	})
}

func (s *session) OnScreenOpened(header schema.ScreenHeader) {
	logx.WithScreen(s.log, header).Debug("session screen opened", "root", header.IsRoot)
	s.dispatch(func() {
		if cb := s.c.cfg.Callbacks.OnScreenOpened; cb != nil {
			cb(header)
		}
	})
}

func (s *session) OnScreenUpdated(header schema.ScreenHeader, html string) {
	s.log.Trace("session screen updated", "screen", header.Name, "html_len", len(html))
	s.dispatch(func() {
		if cb := s.c.cfg.Callbacks.OnScreenUpdated; cb != nil {
			cb(header, html)
		}
	})
}

func (s *session) OnScreenCompleted(screen schema.Screen) {
	kind := metrics.KindNew
	switch {
	case s.recovering:
		kind = metrics.KindRecovered
	case screen.IsEdit:
		kind = metrics.KindEdit
	}
	s.mu.Lock()
	s.result.Screens = append(s.result.Screens, screen.Clone())
	s.mu.Unlock()
	s.c.cfg.Metrics.ScreenCompleted(kind)
	logx.WithScreen(s.log, screen.ScreenHeader).Info("session screen completed", "kind", kind, "html_len", len(screen.HTML))
	s.dispatch(func() {
		if cb := s.c.cfg.Callbacks.OnScreenCompleted; cb != nil {
			cb(screen)
		}
	})
}

func previewText(value string, max int) string {
	if max <= 0 || len(value) <= max {
		return value
	}
	return value[:max]
}
