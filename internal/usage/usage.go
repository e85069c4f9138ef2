// Package usage prices and aggregates token usage reported by the
// generation endpoint.
package usage

import (
	"sort"
	"strings"

	"pkt.systems/screenstream/schema"
)

const perMillion = 1_000_000

// Rate is the USD price per million tokens for one model.
type Rate struct {
	Input  float64 `mapstructure:"input" yaml:"input" json:"input"`
	Output float64 `mapstructure:"output" yaml:"output" json:"output"`
	Cached float64 `mapstructure:"cached" yaml:"cached" json:"cached"`
}

// Pricing maps model ids to rates. A model without an exact entry uses the
// longest configured id that prefixes it.
type Pricing map[schema.ModelID]Rate

// Lookup returns the rate for model.
func (p Pricing) Lookup(model schema.ModelID) (Rate, bool) {
	if len(p) == 0 || model == "" {
		return Rate{}, false
	}
	if rate, ok := p[model]; ok {
		return rate, true
	}
	keys := make([]string, 0, len(p))
	for key := range p {
		keys = append(keys, string(key))
	}
	sort.Slice(keys, func(i, j int) bool { return len(keys[i]) > len(keys[j]) })
	for _, key := range keys {
		if key != "" && strings.HasPrefix(string(model), key) {
			return p[schema.ModelID(key)], true
		}
	}
	return Rate{}, false
}

// Cost computes the USD cost of an event. Cached tokens are billed at the
// cached rate and the remaining input tokens at the input rate.
func (r Rate) Cost(event schema.UsageEvent) float64 {
	cached := event.CachedTokens
	if cached > event.InputTokens {
		cached = event.InputTokens
	}
	input := event.InputTokens - cached
	return (float64(input)*r.Input + float64(cached)*r.Cached + float64(event.OutputTokens)*r.Output) / perMillion
}

// Apply fills CostUSD when the event carries none and a rate is known for
// its model (or fallback when the event names no model).
func (p Pricing) Apply(event schema.UsageEvent, fallback schema.ModelID) schema.UsageEvent {
	if event.CostUSD != nil {
		return event
	}
	model := event.Model
	if model == "" {
		model = fallback
	}
	rate, ok := p.Lookup(model)
	if !ok {
		return event
	}
	cost := rate.Cost(event)
	event.CostUSD = &cost
	return event
}

// Tracker sums usage events for one session. It is not safe for concurrent
// use.
type Tracker struct {
	totals schema.UsageTotals
}

// Add records one event.
func (t *Tracker) Add(event schema.UsageEvent) {
	t.totals.Events++
	t.totals.InputTokens += event.InputTokens
	t.totals.OutputTokens += event.OutputTokens
	t.totals.CachedTokens += event.CachedTokens
	if event.CostUSD != nil {
		t.totals.CostUSD += *event.CostUSD
	}
}

// Totals returns the aggregate so far.
func (t *Tracker) Totals() schema.UsageTotals {
	return t.totals
}
