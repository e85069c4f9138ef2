package httpapi

import (
	"time"

	"pkt.systems/screenstream/schema"
)

// Config defines mock upstream settings.
type Config struct {
	Addr string
	// ChunkSize is the number of bytes of generated text per chunk envelope.
	ChunkSize int
	// Delay is the pause between two envelopes.
	Delay time.Duration
	// FreeMessages is the number of generations each project may run before
	// quota rejections start. Zero disables the quota.
	FreeMessages     int
	DefaultModel     schema.ModelID
	AllowedModels    []schema.ModelID
	RestrictedModels []schema.ModelID
}

const (
	defaultChunkSize = 48
	shutdownTimeout  = 5 * time.Second
	defaultProject   = schema.ProjectID("default")
)

func (c Config) chunkSize() int {
	if c.ChunkSize <= 0 {
		return defaultChunkSize
	}
	return c.ChunkSize
}

// modelAvailable reports whether model may be served. An empty allow list
// permits every model that is not restricted.
func (c Config) modelAvailable(model schema.ModelID) bool {
	for _, restricted := range c.RestrictedModels {
		if restricted == model {
			return false
		}
	}
	if len(c.AllowedModels) == 0 {
		return true
	}
	for _, allowed := range c.AllowedModels {
		if allowed == model {
			return true
		}
	}
	return false
}
