package core

import "pkt.systems/screenstream/schema"

// Callbacks is the consumer-facing surface of a session. Every field is
// optional. Calls are serialized per Controller and never interleave between
// sessions. A callback may call Start or Cancel but must not block on
// Handle.Wait of its own session.
type Callbacks struct {
	// OnScreenOpened fires when a start or edit tag is recognized.
	OnScreenOpened func(header schema.ScreenHeader)
	// OnScreenUpdated carries the partial HTML accumulated so far.
	OnScreenUpdated func(header schema.ScreenHeader, html string)
	// OnScreenCompleted fires once per screen, including recovered ones.
	OnScreenCompleted func(screen schema.Screen)
	OnMessage         func(text string)
	OnProjectName     func(name string)
	OnProjectIcon     func(icon string)
	// OnUsage receives usage events with the cost filled in from pricing
	// when the server omitted it.
	OnUsage func(event schema.UsageEvent)

	// Exactly one of the following fires per session, unless it was
	// cancelled.

	// OnError receives transport failures, server errors and model
	// restrictions.
	OnError         func(err error)
	OnQuotaExceeded func(info schema.QuotaInfo)
	OnCompleted     func(result schema.SessionResult)
}
