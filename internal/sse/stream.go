// Package sse decodes the line-oriented event stream produced by the
// generation endpoint into schema envelopes.
package sse

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"

	"pkt.systems/screenstream/schema"
)

// DataPrefix marks event lines. Any other line is ignored.
const DataPrefix = "data:"

const maxLineBytes = 4 << 20

// ErrLineTooLong is returned when a single line exceeds the reader limit.
var ErrLineTooLong = errors.New("sse line exceeds 4 MiB")

// DecodeError reports a data line whose payload is not valid JSON. The stream
// remains usable after it is returned.
type DecodeError struct {
	line []byte
	err  error
}

func (e *DecodeError) Error() string {
	if e == nil || e.err == nil {
		return "sse decode error"
	}
	return "sse decode error: " + e.err.Error()
}

func (e *DecodeError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.err
}

// Line returns the offending line without the data prefix.
func (e *DecodeError) Line() []byte {
	if e == nil {
		return nil
	}
	return e.line
}

// Stream reads envelopes from an event stream body. A line split across two
// underlying reads is buffered until its newline arrives.
type Stream struct {
	reader  *bufio.Reader
	pending []schema.Envelope
	lines   int
}

// NewStream wraps r.
func NewStream(r io.Reader) *Stream {
	return &Stream{reader: bufio.NewReaderSize(r, 64*1024)}
}

// Lines returns the number of lines consumed so far.
func (s *Stream) Lines() int {
	return s.lines
}

// Next returns the next envelope. It returns io.EOF at the end of the body and
// a *DecodeError for a malformed data line; callers may keep calling Next
// after a DecodeError.
func (s *Stream) Next(ctx context.Context) (schema.Envelope, error) {
	if len(s.pending) > 0 {
		env := s.pending[0]
		s.pending = s.pending[1:]
		return env, nil
	}
	for {
		if ctx.Err() != nil {
			return schema.Envelope{}, ctx.Err()
		}
		line, err := s.readLine()
		if len(line) == 0 && err != nil {
			return schema.Envelope{}, err
		}
		if err != nil && !errors.Is(err, io.EOF) {
			return schema.Envelope{}, err
		}
		s.lines++
		payload, ok := dataPayload(line)
		if !ok {
			if err != nil {
				return schema.Envelope{}, err
			}
			continue
		}
		envelopes, decodeErr := decodeEnvelopes(payload)
		if decodeErr != nil {
			return schema.Envelope{}, &DecodeError{line: append([]byte(nil), payload...), err: decodeErr}
		}
		if len(envelopes) == 0 {
			if err != nil {
				return schema.Envelope{}, err
			}
			continue
		}
		s.pending = append(s.pending, envelopes[1:]...)
		return envelopes[0], nil
	}
}

func (s *Stream) readLine() ([]byte, error) {
	var line []byte
	for {
		frag, err := s.reader.ReadSlice('\n')
		if len(line)+len(frag) > maxLineBytes {
			return nil, ErrLineTooLong
		}
		line = append(line, frag...)
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		return line, err
	}
}

func dataPayload(line []byte) ([]byte, bool) {
	line = bytes.TrimRight(line, "\r\n")
	if !bytes.HasPrefix(line, []byte(DataPrefix)) {
		return nil, false
	}
	payload := line[len(DataPrefix):]
	if len(payload) > 0 && payload[0] == ' ' {
		payload = payload[1:]
	}
	payload = bytes.TrimSpace(payload)
	if len(payload) == 0 {
		return nil, false
	}
	return payload, true
}

func decodeEnvelopes(payload []byte) ([]schema.Envelope, error) {
	var event schema.WireEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, err
	}
	return event.Envelopes(), nil
}
