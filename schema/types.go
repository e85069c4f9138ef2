package schema

import "time"

// SessionID identifies a streaming generation session.
type SessionID string

// ProjectID identifies the project a generation belongs to.
type ProjectID string

// ModelID identifies an LLM model.
type ModelID string

// ScreenHeader describes a screen at the moment its start tag is recognized,
// before any HTML has arrived.
type ScreenHeader struct {
	Name    string `json:"name"`
	IsEdit  bool   `json:"isEdit"`
	GridCol *int   `json:"gridCol,omitempty"`
	GridRow *int   `json:"gridRow,omitempty"`
	IsRoot  bool   `json:"isRoot,omitempty"`
}

// HasGrid reports whether the screen name carried a grid position.
func (h ScreenHeader) HasGrid() bool {
	return h.GridCol != nil && h.GridRow != nil
}

// Screen is one completed unit of generated UI markup.
type Screen struct {
	ScreenHeader
	HTML string `json:"html"`
}

// Clone returns a copy that shares no pointers with s.
func (s Screen) Clone() Screen {
	out := s
	if s.GridCol != nil {
		col := *s.GridCol
		out.GridCol = &col
	}
	if s.GridRow != nil {
		row := *s.GridRow
		out.GridRow = &row
	}
	return out
}

// SessionStatus is the terminal status of a session.
type SessionStatus string

const (
	// StatusRunning marks a session that has not terminated yet.
	StatusRunning SessionStatus = "running"
	// StatusCompleted marks a clean completion.
	StatusCompleted SessionStatus = "completed"
	// StatusAborted marks an explicit cancellation.
	StatusAborted SessionStatus = "aborted"
	// StatusFailed marks a transport failure or server error.
	StatusFailed SessionStatus = "failed"
	// StatusQuotaExceeded marks a structured quota rejection.
	StatusQuotaExceeded SessionStatus = "quota_exceeded"
)

// QuotaInfo carries the structured quota rejection payload.
type QuotaInfo struct {
	Plan              string `json:"plan"`
	MessagesRemaining int    `json:"messagesRemaining"`
	Message           string `json:"message,omitempty"`
}

// UsageTotals aggregates usage events across a session.
type UsageTotals struct {
	InputTokens  int     `json:"inputTokens"`
	OutputTokens int     `json:"outputTokens"`
	CachedTokens int     `json:"cachedTokens"`
	CostUSD      float64 `json:"costUsd"`
	Events       int     `json:"events"`
}

// SessionResult is accumulated by the session controller.
type SessionResult struct {
	ID          SessionID     `json:"id"`
	Model       ModelID       `json:"model,omitempty"`
	Status      SessionStatus `json:"status"`
	Error       string        `json:"error,omitempty"`
	Quota       *QuotaInfo    `json:"quota,omitempty"`
	Screens     []Screen      `json:"screens"`
	Messages    []string      `json:"messages,omitempty"`
	ProjectName string        `json:"projectName,omitempty"`
	ProjectIcon string        `json:"projectIcon,omitempty"`
	Usage       UsageTotals   `json:"usage"`
	Raw         string        `json:"-"`
	StartedAt   time.Time     `json:"startedAt"`
	FinishedAt  time.Time     `json:"finishedAt,omitempty"`
}
