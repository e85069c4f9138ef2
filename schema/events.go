package schema

// EnvelopeKind discriminates transport-level events.
type EnvelopeKind string

const (
	// EnvelopeChunk carries a fragment of generated text.
	EnvelopeChunk EnvelopeKind = "chunk"
	// EnvelopeUsage carries token usage telemetry.
	EnvelopeUsage EnvelopeKind = "usage"
	// EnvelopeDone signals clean completion.
	EnvelopeDone EnvelopeKind = "done"
	// EnvelopeError carries a server-side stream error.
	EnvelopeError EnvelopeKind = "error"
)

// Envelope is one decoded event from the wire format.
type Envelope struct {
	Kind    EnvelopeKind
	Text    string
	Usage   *UsageEvent
	Message string
}

// UsageEvent captures token usage reported by the generation endpoint.
type UsageEvent struct {
	InputTokens  int      `json:"inputTokens,omitempty"`
	OutputTokens int      `json:"outputTokens,omitempty"`
	CachedTokens int      `json:"cachedTokens,omitempty"`
	Model        ModelID  `json:"model,omitempty"`
	Provider     string   `json:"provider,omitempty"`
	CostUSD      *float64 `json:"cost,omitempty"`
}

// WireEvent is the JSON object carried by a data line.
type WireEvent struct {
	Chunk *string     `json:"chunk,omitempty"`
	Usage *UsageEvent `json:"usage,omitempty"`
	Done  bool        `json:"done,omitempty"`
	Error string      `json:"error,omitempty"`
}

// Envelopes expands a wire event into envelopes in dispatch order.
func (e WireEvent) Envelopes() []Envelope {
	out := make([]Envelope, 0, 1)
	if e.Chunk != nil {
		out = append(out, Envelope{Kind: EnvelopeChunk, Text: *e.Chunk})
	}
	if e.Usage != nil {
		usage := *e.Usage
		out = append(out, Envelope{Kind: EnvelopeUsage, Usage: &usage})
	}
	if e.Error != "" {
		out = append(out, Envelope{Kind: EnvelopeError, Message: e.Error})
	}
	if e.Done {
		out = append(out, Envelope{Kind: EnvelopeDone})
	}
	return out
}
