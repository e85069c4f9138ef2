package protocol

import (
	"strings"

	"pkt.systems/screenstream/schema"
)

// Finish runs the end-of-stream recovery exactly once and returns the screens
// it salvaged. It must only be called on clean completion; a cancelled or
// failed session is abandoned instead.
//
// Two cases are handled, in order:
//  1. While idle, a named start tag left in the pending buffer is paired
//     with a later end tag and emitted as a new screen.
//  2. While a screen is open, the accumulator (plus any pending text that is
//     not a cut-off tag) is emitted with the new/edit flag recorded at open
//     time.
func (m *Machine) Finish() []schema.Screen {
	if m.finished {
		return nil
	}
	m.finished = true
	var recovered []schema.Screen
	switch m.mode {
	case ModeIdle:
		if screen, ok := recoverTrailingStart(m.pending); ok {
			m.pending = ""
			m.current = &screen.ScreenHeader
			m.html.Reset()
			m.html.WriteString(screen.HTML)
			m.complete()
			recovered = append(recovered, m.emitted[len(m.emitted)-1].Clone())
		}
	case ModeInScreen:
		tail := m.pending
		if cut := PendingTagStart(tail); cut < len(tail) && isPartialTag(tail[cut:]) {
			tail = tail[:cut]
		}
		m.html.WriteString(tail)
		m.pending = ""
		if strings.TrimSpace(m.html.String()) == "" {
			m.current = nil
			m.html.Reset()
			m.mode = ModeIdle
			break
		}
		m.complete()
		recovered = append(recovered, m.emitted[len(m.emitted)-1].Clone())
	}
	m.recovered += len(recovered)
	if m.log != nil && len(recovered) > 0 {
		m.log.Warn("screens recovered at end of stream", "count", len(recovered), "screen", recovered[0].Name)
	}
	return recovered
}

// recoverTrailingStart pairs a stranded SCREEN_START keyword with a later
// SCREEN_END keyword. The result is always a new screen.
func recoverTrailingStart(buf string) (schema.Screen, bool) {
	startKw := strings.Index(buf, keywordScreenStart)
	if startKw < 0 {
		return schema.Screen{}, false
	}
	nameStart := startKw + len(keywordScreenStart)
	endKw := strings.Index(buf[nameStart:], keywordScreenEnd)
	if endKw < 0 {
		return schema.Screen{}, false
	}
	endKw += nameStart

	nameEnd := endKw
	bodyStart := endKw
	if idx := strings.IndexAny(buf[nameStart:endKw], "\n<"); idx >= 0 {
		nameEnd = nameStart + idx
		bodyStart = nameEnd
	}
	if idx := strings.Index(buf[nameStart:nameEnd], commentClose); idx >= 0 {
		nameEnd = nameStart + idx
		bodyStart = nameEnd + len(commentClose)
	}

	bodyEnd := endKw
	if open := strings.LastIndex(buf[bodyStart:endKw], commentOpen); open >= 0 {
		if strings.TrimSpace(buf[bodyStart+open+len(commentOpen):endKw]) == "" {
			bodyEnd = bodyStart + open
		}
	}

	header := DecodeScreenName(buf[nameStart:nameEnd])
	if header.Name == "" {
		return schema.Screen{}, false
	}
	header.IsEdit = false
	return schema.Screen{
		ScreenHeader: header,
		HTML:         strings.TrimSpace(buf[bodyStart:bodyEnd]),
	}, true
}
