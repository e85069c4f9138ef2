package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"pkt.systems/screenstream/internal/metrics"
	"pkt.systems/screenstream/internal/usage"
	"pkt.systems/screenstream/schema"
)

type callbackLog struct {
	mu        sync.Mutex
	events    []string
	screens   []schema.Screen
	updates   int
	usage     []schema.UsageEvent
	errs      []error
	quotas    []schema.QuotaInfo
	completed []schema.SessionResult
	opened    chan schema.ScreenHeader
}

func newCallbackLog() *callbackLog {
	return &callbackLog{opened: make(chan schema.ScreenHeader, 16)}
}

func (l *callbackLog) record(event string) {
	l.mu.Lock()
	l.events = append(l.events, event)
	l.mu.Unlock()
}

func (l *callbackLog) callbacks() Callbacks {
	return Callbacks{
		OnScreenOpened: func(header schema.ScreenHeader) {
			l.record("open:" + header.Name)
			l.opened <- header
		},
		OnScreenUpdated: func(schema.ScreenHeader, string) {
			l.mu.Lock()
			l.updates++
			l.mu.Unlock()
		},
		OnScreenCompleted: func(screen schema.Screen) {
			l.mu.Lock()
			l.screens = append(l.screens, screen)
			l.mu.Unlock()
			l.record("done:" + screen.Name)
		},
		OnMessage:     func(text string) { l.record("message:" + text) },
		OnProjectName: func(name string) { l.record("name:" + name) },
		OnProjectIcon: func(icon string) { l.record("icon:" + icon) },
		OnUsage: func(event schema.UsageEvent) {
			l.mu.Lock()
			l.usage = append(l.usage, event)
			l.mu.Unlock()
		},
		OnError: func(err error) {
			l.mu.Lock()
			l.errs = append(l.errs, err)
			l.mu.Unlock()
			l.record("error")
		},
		OnQuotaExceeded: func(info schema.QuotaInfo) {
			l.mu.Lock()
			l.quotas = append(l.quotas, info)
			l.mu.Unlock()
			l.record("quota")
		},
		OnCompleted: func(result schema.SessionResult) {
			l.mu.Lock()
			l.completed = append(l.completed, result)
			l.mu.Unlock()
			l.record("completed")
		},
	}
}

func (l *callbackLog) snapshotEvents() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

func writeEvent(t *testing.T, w http.ResponseWriter, event schema.WireEvent) {
	t.Helper()
	data, err := json.Marshal(event)
	if err != nil {
		t.Errorf("marshal event: %v", err)
		return
	}
	writeLine(w, "data: "+string(data))
}

func writeLine(w http.ResponseWriter, line string) {
	_, _ = fmt.Fprintf(w, "%s\n\n", line)
	if flusher, ok := w.(http.Flusher); ok {
		flusher.Flush()
	}
}

func chunkEvent(text string) schema.WireEvent {
	return schema.WireEvent{Chunk: &text}
}

func streamServer(t *testing.T, chunks []string, tail ...schema.WireEvent) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		writeLine(w, ": keep-alive")
		for _, chunk := range chunks {
			writeEvent(t, w, chunkEvent(chunk))
		}
		for _, event := range tail {
			writeEvent(t, w, event)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func startAndWait(t *testing.T, controller *Controller, endpoint string) schema.SessionResult {
	t.Helper()
	handle, err := controller.Start(context.Background(), StartRequest{Endpoint: endpoint, Body: schema.GenerateRequest{Prompt: "build"}})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	result, err := handle.Wait(ctx)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	return result
}

func TestSessionStreamsScreensAndUsage(t *testing.T) {
	chunks := []string{
		"<!-- PROJECT_NAME: Trails -->\n<!-- MESSAGE: Building. -->\n<!-- SCREEN_ST",
		"ART: Home [0,0] [ROOT] -->\n<main>hi</main>\n<!-- SCREEN_END -->\n",
		"<!-- SCREEN_EDIT: Settings -->\n<form></form>\n<!-- SCREEN_END -->",
	}
	srv := streamServer(t, chunks,
		schema.WireEvent{Usage: &schema.UsageEvent{InputTokens: 1_000_000, OutputTokens: 1_000_000, Provider: "mock"}},
		schema.WireEvent{Done: true},
	)
	log := newCallbackLog()
	rec := metrics.New(false)
	controller := NewController(Config{
		DefaultModel: "mini",
		Pricing:      usage.Pricing{"mini": {Input: 1, Output: 2}},
		Metrics:      rec,
		Callbacks:    log.callbacks(),
	})
	result := startAndWait(t, controller, srv.URL)

	if result.Status != schema.StatusCompleted {
		t.Fatalf("status = %s, want completed (err=%s)", result.Status, result.Error)
	}
	if len(result.Screens) != 2 {
		t.Fatalf("expected 2 screens, got %+v", result.Screens)
	}
	home := result.Screens[0]
	if home.Name != "Home" || home.HTML != "<main>hi</main>" || !home.IsRoot || !home.HasGrid() {
		t.Fatalf("unexpected home screen: %+v", home)
	}
	if settings := result.Screens[1]; !settings.IsEdit || settings.HTML != "<form></form>" {
		t.Fatalf("unexpected settings screen: %+v", settings)
	}
	if result.Raw != strings.Join(chunks, "") {
		t.Fatalf("raw transcript mismatch: %q", result.Raw)
	}
	if result.ProjectName != "Trails" || len(result.Messages) != 1 {
		t.Fatalf("unexpected metadata: name=%q messages=%v", result.ProjectName, result.Messages)
	}
	if result.Usage.Events != 1 || math.Abs(result.Usage.CostUSD-3) > 1e-9 {
		t.Fatalf("unexpected usage totals: %+v", result.Usage)
	}
	wantEvents := []string{"message:Building.", "name:Trails", "open:Home", "done:Home", "open:Settings", "done:Settings", "completed"}
	if got := log.snapshotEvents(); strings.Join(got, ",") != strings.Join(wantEvents, ",") {
		t.Fatalf("events = %v, want %v", got, wantEvents)
	}
	if len(log.completed) != 1 || len(log.completed[0].Screens) != 2 {
		t.Fatalf("expected completed callback with 2 screens, got %+v", log.completed)
	}
	if len(log.usage) != 1 || log.usage[0].CostUSD == nil {
		t.Fatalf("expected priced usage callback, got %+v", log.usage)
	}
	expected := `
# HELP screenstream_decoder_screens_total Screens completed, by kind (new, edit or recovered).
# TYPE screenstream_decoder_screens_total counter
screenstream_decoder_screens_total{kind="edit"} 1
screenstream_decoder_screens_total{kind="new"} 1
`
	if err := testutil.GatherAndCompare(rec.Registry(), strings.NewReader(expected), "screenstream_decoder_screens_total"); err != nil {
		t.Fatalf("screen metrics: %v", err)
	}
}

func TestSessionSkipsMalformedEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeEvent(t, w, chunkEvent("<!-- SCREEN_START: A -->he"))
		writeLine(w, "data: {not json")
		writeEvent(t, w, chunkEvent("llo<!-- SCREEN_END -->"))
		writeEvent(t, w, schema.WireEvent{Done: true})
	}))
	defer srv.Close()
	log := newCallbackLog()
	rec := metrics.New(false)
	controller := NewController(Config{DefaultModel: "mini", Metrics: rec, Callbacks: log.callbacks()})
	result := startAndWait(t, controller, srv.URL)

	if len(log.errs) != 0 {
		t.Fatalf("malformed line must not surface an error, got %v", log.errs)
	}
	if result.Status != schema.StatusCompleted || len(result.Screens) != 1 || result.Screens[0].HTML != "hello" {
		t.Fatalf("unexpected result: %+v", result)
	}
	expected := `
# HELP screenstream_transport_malformed_envelopes_total Data lines skipped because they were not valid JSON.
# TYPE screenstream_transport_malformed_envelopes_total counter
screenstream_transport_malformed_envelopes_total 1
`
	if err := testutil.GatherAndCompare(rec.Registry(), strings.NewReader(expected), "screenstream_transport_malformed_envelopes_total"); err != nil {
		t.Fatalf("malformed metric: %v", err)
	}
}

func TestSessionQuotaExceededFiresOnlyQuotaCallback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = io.WriteString(w, `{"code":"QUOTA_EXCEEDED","plan":"free","messagesRemaining":0}`)
	}))
	defer srv.Close()
	log := newCallbackLog()
	controller := NewController(Config{DefaultModel: "mini", Callbacks: log.callbacks()})
	result := startAndWait(t, controller, srv.URL)

	if got := log.snapshotEvents(); len(got) != 1 || got[0] != "quota" {
		t.Fatalf("events = %v, want only quota", got)
	}
	if log.quotas[0].Plan != "free" || log.quotas[0].MessagesRemaining != 0 {
		t.Fatalf("unexpected quota info: %+v", log.quotas[0])
	}
	if result.Status != schema.StatusQuotaExceeded || result.Quota == nil || result.Raw != "" {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestSessionModelRestrictedIsGenericError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = io.WriteString(w, `{"code":"MODEL_RESTRICTED","error":"nope"}`)
	}))
	defer srv.Close()
	log := newCallbackLog()
	controller := NewController(Config{DefaultModel: "big", Callbacks: log.callbacks()})
	result := startAndWait(t, controller, srv.URL)

	if len(log.errs) != 1 || len(log.quotas) != 0 {
		t.Fatalf("expected a single error callback, got errs=%v quotas=%v", log.errs, log.quotas)
	}
	if !errors.Is(log.errs[0], schema.ErrModelRestricted) {
		t.Fatalf("expected ErrModelRestricted, got %v", log.errs[0])
	}
	if log.errs[0].Error() != "the selected model is not available on your current plan" {
		t.Fatalf("unexpected message %q", log.errs[0].Error())
	}
	if result.Status != schema.StatusFailed {
		t.Fatalf("status = %s, want failed", result.Status)
	}
}

func TestSessionUnrecognizedErrorUsesRawBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream exploded", http.StatusBadGateway)
	}))
	defer srv.Close()
	log := newCallbackLog()
	controller := NewController(Config{DefaultModel: "mini", Callbacks: log.callbacks()})
	startAndWait(t, controller, srv.URL)

	var apiErr *schema.APIError
	if len(log.errs) != 1 || !errors.As(log.errs[0], &apiErr) {
		t.Fatalf("expected api error, got %v", log.errs)
	}
	if apiErr.Status != http.StatusBadGateway || apiErr.Message != "upstream exploded" {
		t.Fatalf("unexpected api error: %+v", apiErr)
	}
}

func TestSessionErrorEnvelopeSkipsRecovery(t *testing.T) {
	srv := streamServer(t, []string{"<!-- SCREEN_START: Draft -->partial"}, schema.WireEvent{Error: "model overloaded"})
	log := newCallbackLog()
	controller := NewController(Config{DefaultModel: "mini", Callbacks: log.callbacks()})
	result := startAndWait(t, controller, srv.URL)

	if len(log.errs) != 1 || !errors.Is(log.errs[0], schema.ErrStreamFailed) || log.errs[0].Error() != "model overloaded" {
		t.Fatalf("expected stream error, got %v", log.errs)
	}
	if len(log.screens) != 0 || len(log.completed) != 0 {
		t.Fatalf("error must not recover screens or complete: screens=%v completed=%d", log.screens, len(log.completed))
	}
	if result.Status != schema.StatusFailed || result.Error != "model overloaded" {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestSessionRecoversOpenScreenAtEOF(t *testing.T) {
	srv := streamServer(t, []string{"<!-- SCREEN_START: Draft -->", "partial"})
	log := newCallbackLog()
	rec := metrics.New(false)
	controller := NewController(Config{DefaultModel: "mini", Metrics: rec, Callbacks: log.callbacks()})
	result := startAndWait(t, controller, srv.URL)

	if len(log.errs) != 0 {
		t.Fatalf("unexpected errors: %v", log.errs)
	}
	if len(result.Screens) != 1 || result.Screens[0].Name != "Draft" || result.Screens[0].HTML != "partial" {
		t.Fatalf("unexpected screens: %+v", result.Screens)
	}
	if got := log.snapshotEvents(); strings.Join(got, ",") != "open:Draft,done:Draft,completed" {
		t.Fatalf("unexpected events: %v", got)
	}
	expected := `
# HELP screenstream_decoder_screens_total Screens completed, by kind (new, edit or recovered).
# TYPE screenstream_decoder_screens_total counter
screenstream_decoder_screens_total{kind="recovered"} 1
`
	if err := testutil.GatherAndCompare(rec.Registry(), strings.NewReader(expected), "screenstream_decoder_screens_total"); err != nil {
		t.Fatalf("recovered metric: %v", err)
	}
}

// blockingServer sends one chunk per request and holds the stream open until
// the client goes away.
func blockingServer(t *testing.T, chunk func(r *http.Request) string, closed chan<- string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body schema.GenerateRequest
		_ = json.NewDecoder(r.Body).Decode(&body)
		writeEvent(t, w, chunkEvent(chunk(r)))
		<-r.Context().Done()
		if closed != nil {
			closed <- body.Prompt
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func waitOpened(t *testing.T, log *callbackLog) schema.ScreenHeader {
	t.Helper()
	select {
	case header := <-log.opened:
		return header
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for screen open")
	}
	return schema.ScreenHeader{}
}

func TestSessionCancelSkipsRecovery(t *testing.T) {
	closed := make(chan string, 1)
	srv := blockingServer(t, func(*http.Request) string { return "<!-- SCREEN_START: Open -->half" }, closed)
	log := newCallbackLog()
	controller := NewController(Config{DefaultModel: "mini", Callbacks: log.callbacks()})
	handle, err := controller.Start(context.Background(), StartRequest{Endpoint: srv.URL, Body: schema.GenerateRequest{Prompt: "x"}})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	waitOpened(t, log)
	handle.Cancel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	result, err := handle.Wait(ctx)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if result.Status != schema.StatusAborted {
		t.Fatalf("status = %s, want aborted", result.Status)
	}
	if got := log.snapshotEvents(); len(got) != 1 || got[0] != "open:Open" {
		t.Fatalf("cancelled session must fire nothing after cancel, got %v", got)
	}
	if len(result.Screens) != 0 {
		t.Fatalf("open screen must not be recovered, got %+v", result.Screens)
	}
	select {
	case <-closed:
	case <-time.After(5 * time.Second):
		t.Fatalf("server did not observe cancellation")
	}
}

func TestSessionParentContextCancelIsSilent(t *testing.T) {
	srv := blockingServer(t, func(*http.Request) string { return "<!-- SCREEN_START: Open -->half" }, nil)
	log := newCallbackLog()
	controller := NewController(Config{DefaultModel: "mini", Callbacks: log.callbacks()})
	parent, cancelParent := context.WithCancel(context.Background())
	handle, err := controller.Start(parent, StartRequest{Endpoint: srv.URL, Body: schema.GenerateRequest{Prompt: "x"}})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	waitOpened(t, log)
	cancelParent()
	<-handle.Done()
	if result := handle.Result(); result.Status != schema.StatusAborted {
		t.Fatalf("status = %s, want aborted", result.Status)
	}
	if len(log.errs) != 0 || len(log.completed) != 0 {
		t.Fatalf("expected silent abort, got errs=%v completed=%d", log.errs, len(log.completed))
	}
}

func TestStartSupersedesRunningSession(t *testing.T) {
	closed := make(chan string, 1)
	first := blockingServer(t, func(*http.Request) string { return "<!-- SCREEN_START: First -->x" }, closed)
	second := streamServer(t, []string{"<!-- SCREEN_START: Second -->y<!-- SCREEN_END -->"}, schema.WireEvent{Done: true})
	log := newCallbackLog()
	controller := NewController(Config{DefaultModel: "mini", Callbacks: log.callbacks()})

	firstHandle, err := controller.Start(context.Background(), StartRequest{Endpoint: first.URL, Body: schema.GenerateRequest{Prompt: "one"}})
	if err != nil {
		t.Fatalf("start first: %v", err)
	}
	waitOpened(t, log)
	secondHandle, err := controller.Start(context.Background(), StartRequest{Endpoint: second.URL, Body: schema.GenerateRequest{Prompt: "two"}})
	if err != nil {
		t.Fatalf("start second: %v", err)
	}
	if controller.Current().ID() != secondHandle.ID() || firstHandle.ID() == secondHandle.ID() {
		t.Fatalf("expected the second session to be current")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	firstResult, err := firstHandle.Wait(ctx)
	if err != nil {
		t.Fatalf("wait first: %v", err)
	}
	secondResult, err := secondHandle.Wait(ctx)
	if err != nil {
		t.Fatalf("wait second: %v", err)
	}
	if firstResult.Status != schema.StatusAborted || secondResult.Status != schema.StatusCompleted {
		t.Fatalf("statuses = %s/%s, want aborted/completed", firstResult.Status, secondResult.Status)
	}
	want := "open:First,open:Second,done:Second,completed"
	if got := strings.Join(log.snapshotEvents(), ","); got != want {
		t.Fatalf("events = %s, want %s", got, want)
	}
	select {
	case prompt := <-closed:
		if prompt != "one" {
			t.Fatalf("unexpected closed stream %q", prompt)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("first stream was not closed")
	}
}

func TestStartSendsNormalizedRequest(t *testing.T) {
	var (
		mu     sync.Mutex
		body   schema.GenerateRequest
		header http.Header
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		header = r.Header.Clone()
		_ = json.NewDecoder(r.Body).Decode(&body)
		mu.Unlock()
		writeEvent(t, w, schema.WireEvent{Done: true})
	}))
	defer srv.Close()
	controller := NewController(Config{DefaultModel: "mini"})
	handle, err := controller.Start(context.Background(), StartRequest{
		Endpoint: srv.URL,
		Body:     schema.GenerateRequest{Prompt: "  a todo app  ", ProjectID: "p1"},
		Headers:  map[string]string{"X-Api-Key": "secret"},
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	<-handle.Done()
	mu.Lock()
	defer mu.Unlock()
	if body.Prompt != "a todo app" || body.Model != "mini" || body.ProjectID != "p1" {
		t.Fatalf("unexpected body: %+v", body)
	}
	if header.Get("X-Api-Key") != "secret" || header.Get("Accept") != "text/event-stream" {
		t.Fatalf("unexpected headers: %v", header)
	}
	if !strings.HasPrefix(header.Get("User-Agent"), "screenstream/") {
		t.Fatalf("unexpected user agent %q", header.Get("User-Agent"))
	}
	if handle.Prompt() != "a todo app" {
		t.Fatalf("unexpected handle prompt %q", handle.Prompt())
	}
}

func TestStartValidatesRequest(t *testing.T) {
	controller := NewController(Config{DefaultModel: "mini"})
	if _, err := controller.Start(context.Background(), StartRequest{Endpoint: "http://x", Body: schema.GenerateRequest{Prompt: " "}}); !errors.Is(err, schema.ErrEmptyPrompt) {
		t.Fatalf("expected ErrEmptyPrompt, got %v", err)
	}
	if _, err := controller.Start(context.Background(), StartRequest{Body: schema.GenerateRequest{Prompt: "x"}}); !errors.Is(err, schema.ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}
	if controller.Current() != nil {
		t.Fatalf("rejected start must not register a session")
	}
}

func TestSessionTransportFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	endpoint := srv.URL
	srv.Close()
	log := newCallbackLog()
	controller := NewController(Config{DefaultModel: "mini", Callbacks: log.callbacks()})
	result := startAndWait(t, controller, endpoint)
	if len(log.errs) != 1 || result.Status != schema.StatusFailed {
		t.Fatalf("expected transport failure, got errs=%v status=%s", log.errs, result.Status)
	}
}

func TestSessionResponseTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)
	log := newCallbackLog()
	controller := NewController(Config{DefaultModel: "mini", ResponseTimeout: 50 * time.Millisecond, Callbacks: log.callbacks()})
	result := startAndWait(t, controller, srv.URL)
	if len(log.errs) != 1 || !errors.Is(log.errs[0], errResponseTimeout) {
		t.Fatalf("expected timeout error, got %v", log.errs)
	}
	if result.Status != schema.StatusFailed {
		t.Fatalf("status = %s, want failed", result.Status)
	}
}
