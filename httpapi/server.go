// Package httpapi serves a mock generation endpoint that speaks the same
// event stream as the real upstream. It is used for local development and
// end to end tests of the session controller.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"pkt.systems/pslog"
	"pkt.systems/screenstream/internal/metrics"
	"pkt.systems/screenstream/schema"
)

const (
	maxRequestBytes = 1 << 20
	codeInvalid     = "INVALID_REQUEST"
	freePlan        = "free"
)

// Server serves the mock upstream.
type Server struct {
	cfg       Config
	log       pslog.Logger
	metrics   *metrics.Recorder
	quota     *quotaStore
	scenarios []mockScenario
}

// NewServer constructs a mock upstream server. logger and rec may be nil.
func NewServer(cfg Config, logger pslog.Logger, rec *metrics.Recorder) *Server {
	return &Server{
		cfg:       cfg,
		log:       logger,
		metrics:   rec,
		quota:     newQuotaStore(cfg.FreeMessages),
		scenarios: buildScenarios(),
	}
}

// Handler returns an http.Handler for the server.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(withRequestLogging(s.log))

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	r.Route("/api", func(r chi.Router) {
		r.Post("/generate", s.handleGenerate)
		r.Get("/quota/{project}", s.handleQuota)
		r.Delete("/quota/{project}", s.handleQuotaReset)
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleQuota(w http.ResponseWriter, r *http.Request) {
	project := schema.ProjectID(chi.URLParam(r, "project"))
	if err := schema.ValidateProjectID(project); err != nil {
		writeError(w, http.StatusBadRequest, codeInvalid, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"projectId":         project,
		"plan":              freePlan,
		"messagesRemaining": s.quota.remaining(project),
	})
}

func (s *Server) handleQuotaReset(w http.ResponseWriter, r *http.Request) {
	project := schema.ProjectID(chi.URLParam(r, "project"))
	if err := schema.ValidateProjectID(project); err != nil {
		writeError(w, http.StatusBadRequest, codeInvalid, err)
		return
	}
	s.quota.reset(project)
	pslog.Ctx(r.Context()).Info("mock quota reset", "project", project)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	log := pslog.Ctx(r.Context())
	var req schema.GenerateRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes)).Decode(&req); err != nil {
		s.reject(w, r, http.StatusBadRequest, schema.ErrorResponse{Code: codeInvalid, Error: "invalid json"})
		return
	}
	req, err := schema.NormalizeGenerateRequest(req, s.cfg.DefaultModel)
	if err != nil {
		s.reject(w, r, http.StatusBadRequest, schema.ErrorResponse{Code: codeInvalid, Error: err.Error()})
		return
	}
	if !s.cfg.modelAvailable(req.Model) {
		s.reject(w, r, http.StatusForbidden, schema.ErrorResponse{
			Code:  schema.CodeModelRestricted,
			Error: schema.ErrModelRestricted.Error(),
		})
		return
	}
	scenario, err := pickScenario(req, s.scenarios)
	if err != nil {
		s.reject(w, r, http.StatusBadRequest, schema.ErrorResponse{Code: codeInvalid, Error: err.Error()})
		return
	}
	remaining, ok := s.quota.take(req.ProjectID)
	if !ok {
		zero := 0
		s.reject(w, r, http.StatusTooManyRequests, schema.ErrorResponse{
			Code:              schema.CodeQuotaExceeded,
			Message:           "free plan message limit reached",
			Plan:              freePlan,
			MessagesRemaining: &zero,
		})
		return
	}

	stream := scenario.build(req)
	log = log.With("scenario", scenario.name, "model", req.Model)
	log.Info("mock stream start", "bytes", len(stream.text), "remaining", remaining)
	s.metrics.MockStream(scenario.name)

	flusher, _ := w.(http.Flusher)
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")
	if remaining >= 0 {
		w.Header().Set("X-Messages-Remaining", strconv.Itoa(remaining))
	}
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, ": stream "+scenario.name+"\n\n")
	flush(flusher)

	if err := s.play(r.Context(), w, flusher, req, stream); err != nil {
		if errors.Is(err, context.Canceled) {
			log.Debug("mock stream cancelled by client")
			return
		}
		log.Warn("mock stream write failed", "err", err)
		return
	}
	log.Debug("mock stream finished")
}

func (s *Server) play(ctx context.Context, w http.ResponseWriter, flusher http.Flusher, req schema.GenerateRequest, stream mockStream) error {
	for _, chunk := range SplitChunks(stream.text, s.cfg.chunkSize()) {
		text := chunk
		if err := s.emit(ctx, w, flusher, schema.WireEvent{Chunk: &text}); err != nil {
			return err
		}
	}
	if stream.fail != "" {
		return s.emit(ctx, w, flusher, schema.WireEvent{Error: stream.fail})
	}
	if stream.truncate {
		return nil
	}
	input := approxTokens(req.Prompt)
	cached := 0
	for _, screen := range req.Screens {
		cached += approxTokens(screen.HTML)
	}
	usage := schema.UsageEvent{
		InputTokens:  input + cached,
		OutputTokens: approxTokens(stream.text),
		CachedTokens: cached,
		Model:        req.Model,
		Provider:     "mock",
	}
	if err := s.emit(ctx, w, flusher, schema.WireEvent{Usage: &usage}); err != nil {
		return err
	}
	return s.emit(ctx, w, flusher, schema.WireEvent{Done: true})
}

// emit writes one data line, flushes it and waits the configured delay.
func (s *Server) emit(ctx context.Context, w http.ResponseWriter, flusher http.Flusher, event schema.WireEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := writeDataLine(w, event); err != nil {
		return err
	}
	flush(flusher)
	if s.cfg.Delay <= 0 {
		return nil
	}
	timer := time.NewTimer(s.cfg.Delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (s *Server) reject(w http.ResponseWriter, r *http.Request, status int, payload schema.ErrorResponse) {
	pslog.Ctx(r.Context()).Info("mock request rejected", "status", status, "code", payload.Code)
	s.metrics.MockRejected(payload.Code)
	writeJSON(w, status, payload)
}

// SplitChunks cuts text into pieces of at most size bytes without splitting
// a UTF-8 sequence.
func SplitChunks(text string, size int) []string {
	if text == "" {
		return nil
	}
	if size <= 0 {
		return []string{text}
	}
	out := make([]string, 0, len(text)/size+1)
	for len(text) > 0 {
		n := size
		if n >= len(text) {
			out = append(out, text)
			break
		}
		for n > 0 && !utf8.RuneStart(text[n]) {
			n--
		}
		if n == 0 {
			_, n = utf8.DecodeRuneInString(text)
		}
		out = append(out, text[:n])
		text = text[n:]
	}
	return out
}

func writeDataLine(w http.ResponseWriter, event schema.WireEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", strings.TrimSpace(string(data)))
	return err
}

func flush(f http.Flusher) {
	if f != nil {
		f.Flush()
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	data, _ := json.Marshal(payload)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

func writeError(w http.ResponseWriter, status int, code string, err error) {
	writeJSON(w, status, schema.ErrorResponse{Code: code, Error: err.Error()})
}
