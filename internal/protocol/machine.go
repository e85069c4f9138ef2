// Package protocol decodes the tag vocabulary embedded in generated markup.
//
// A Machine consumes text fragments as they arrive and reports chat
// messages, project metadata and screens to a Sink. Fragment boundaries carry
// no meaning: feeding a document in arbitrary pieces yields the same screens
// as feeding it whole.
package protocol

import (
	"strings"

	"pkt.systems/pslog"
	"pkt.systems/screenstream/schema"
)

// Mode is the parse state of a Machine.
type Mode int

const (
	// ModeIdle means no screen is open.
	ModeIdle Mode = iota
	// ModeInScreen means a screen is accumulating HTML.
	ModeInScreen
)

func (m Mode) String() string {
	switch m {
	case ModeIdle:
		return "idle"
	case ModeInScreen:
		return "in_screen"
	default:
		return "unknown"
	}
}

// Sink receives decoder notifications. Calls happen synchronously on the
// goroutine that feeds the Machine, in source order.
type Sink interface {
	OnMessage(text string)
	OnProjectName(name string)
	OnProjectIcon(icon string)
	OnScreenOpened(header schema.ScreenHeader)
	OnScreenUpdated(header schema.ScreenHeader, html string)
	OnScreenCompleted(screen schema.Screen)
}

// Machine is the incremental tag decoder for one session. It is not safe for
// concurrent use.
type Machine struct {
	sink      Sink
	log       pslog.Logger
	mode      Mode
	pending   string
	current   *schema.ScreenHeader
	html      strings.Builder
	emitted   []schema.Screen
	recovered int
	finished  bool
}

// NewMachine constructs a Machine reporting to sink. A nil sink discards
// notifications.
func NewMachine(sink Sink, logger pslog.Logger) *Machine {
	if sink == nil {
		sink = discardSink{}
	}
	return &Machine{sink: sink, log: logger}
}

// Mode returns the current parse state.
func (m *Machine) Mode() Mode {
	return m.mode
}

// Pending returns text received but not yet matched against any tag.
func (m *Machine) Pending() string {
	return m.pending
}

// Screens returns the screens completed so far, in completion order.
func (m *Machine) Screens() []schema.Screen {
	out := make([]schema.Screen, len(m.emitted))
	for i, screen := range m.emitted {
		out[i] = screen.Clone()
	}
	return out
}

// Recovered returns the number of screens emitted by Finish.
func (m *Machine) Recovered() int {
	return m.recovered
}

// Feed processes one fragment, draining every tag it completes before
// returning. Feed after Finish is ignored.
func (m *Machine) Feed(chunk string) {
	if m.finished || chunk == "" {
		return
	}
	m.pending += chunk
	m.drain()
}

// drain runs the scan steps in their fixed order: message, project name,
// project icon, screen start, screen edit, then screen end while a screen is
// open. The order decides which tag wins when two overlap in one fragment.
func (m *Machine) drain() {
	for {
		for m.scanMetadata() {
		}
		if m.mode == ModeIdle {
			if m.openScreen() {
				continue
			}
			m.pending = m.pending[PendingTagStart(m.pending):]
			return
		}
		if m.closeScreen() {
			continue
		}
		m.appendSafe()
		return
	}
}

// scanMetadata runs one message, name, icon pass and reports whether it
// removed anything from the buffer.
func (m *Machine) scanMetadata() bool {
	messages, rest := ExtractMessages(m.pending)
	m.pending = rest
	found := len(messages) > 0
	for _, text := range messages {
		if text == "" {
			continue
		}
		m.sink.OnMessage(text)
	}
	if name, rest, ok := ExtractProjectName(m.pending); ok {
		m.pending = rest
		found = true
		if name != "" {
			m.sink.OnProjectName(name)
		}
	}
	if icon, rest, ok := ExtractProjectIcon(m.pending); ok {
		m.pending = rest
		found = true
		if icon != "" {
			m.sink.OnProjectIcon(icon)
		}
	}
	return found
}

// openScreen handles Idle -> InScreen. A start tag is checked before an edit
// tag; the edit tag only wins when it appears earlier in the buffer.
func (m *Machine) openScreen() bool {
	match, found := FindScreenStart(m.pending)
	isEdit := false
	if edit, ok := FindScreenEdit(m.pending); ok && (!found || edit.Start < match.Start) {
		match, found, isEdit = edit, true, true
	}
	if !found {
		return false
	}
	header := DecodeScreenName(match.Payload)
	header.IsEdit = isEdit
	m.pending = m.pending[match.End:]
	m.current = &header
	m.html.Reset()
	m.mode = ModeInScreen
	if m.log != nil {
		m.log.Debug("screen opened", "screen", header.Name, "edit", isEdit, "root", header.IsRoot, "grid", header.HasGrid())
	}
	m.sink.OnScreenOpened(cloneHeader(header))
	return true
}

// closeScreen handles InScreen -> Idle.
func (m *Machine) closeScreen() bool {
	match, ok := FindScreenEnd(m.pending)
	if !ok {
		return false
	}
	m.html.WriteString(m.pending[:match.Start])
	m.pending = m.pending[match.End:]
	m.complete()
	return true
}

// appendSafe moves every byte that can no longer become part of a tag into
// the accumulator and reports the partial HTML.
func (m *Machine) appendSafe() {
	cut := PendingTagStart(m.pending)
	if cut == 0 {
		return
	}
	m.html.WriteString(m.pending[:cut])
	m.pending = m.pending[cut:]
	m.sink.OnScreenUpdated(cloneHeader(*m.current), m.html.String())
}

func (m *Machine) complete() {
	screen := schema.Screen{
		ScreenHeader: *m.current,
		HTML:         strings.TrimSpace(m.html.String()),
	}
	m.current = nil
	m.html.Reset()
	m.mode = ModeIdle
	m.emitted = append(m.emitted, screen)
	if m.log != nil {
		m.log.Debug("screen completed", "screen", screen.Name, "edit", screen.IsEdit, "html_len", len(screen.HTML))
	}
	m.sink.OnScreenCompleted(screen.Clone())
}

func cloneHeader(header schema.ScreenHeader) schema.ScreenHeader {
	return schema.Screen{ScreenHeader: header}.Clone().ScreenHeader
}

type discardSink struct{}

func (discardSink) OnMessage(string) {}
func (discardSink) OnProjectName(string) {}
func (discardSink) OnProjectIcon(string) {}
func (discardSink) OnScreenOpened(schema.ScreenHeader) {}
func (discardSink) OnScreenUpdated(schema.ScreenHeader, string) {}
func (discardSink) OnScreenCompleted(schema.Screen) {}
