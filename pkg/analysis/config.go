package analysis

import (
	"time"

	"github.com/rhuss/tabula/pkg/api"
)

// Config holds pipeline settings.
type Config struct {
	// MaxConcurrent bounds scripts running at once (default: 4).
	MaxConcurrent int

	// QueueTimeout bounds the wait for a free sandbox slot. Zero waits until
	// the request context ends.
	QueueTimeout time.Duration

	// ExecTimeout is the per-script wall-clock limit. Zero uses the executor
	// default.
	ExecTimeout time.Duration

	// SampleSize is the number of sample rows shown to the generator
	// (default: describe.DefaultSampleSize).
	SampleSize int

	// ScratchDir is the parent of the per-request working directories
	// (default: os.TempDir()).
	ScratchDir string

	// ImageURLPrefix builds the image link returned for sessions
	// (default: "/v1/sessions/"). The link is prefix + id + "/image".
	ImageURLPrefix string

	// Validation limits query length and file size.
	Validation api.ValidationConfig

	// Now returns the current time (default: time.Now).
	Now func() time.Time
}

func (c *Config) applyDefaults() {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 4
	}
	if c.ImageURLPrefix == "" {
		c.ImageURLPrefix = "/v1/sessions/"
	}
	if c.Validation == (api.ValidationConfig{}) {
		c.Validation = api.DefaultValidationConfig()
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}
