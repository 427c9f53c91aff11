package llm

import (
	"context"
	"strings"
	"time"
)

// DefaultTimeout bounds a model call when Config.Timeout is not set.
const DefaultTimeout = 60 * time.Second

// Provider is a chat model reachable over some wire protocol. The agent
// loop only calls Complete; Stream is there for channels that can show a
// reply while it is being written.
type Provider interface {
	Complete(ctx context.Context, messages []Message, tools []Tool) (*Response, error)
	Stream(ctx context.Context, messages []Message, tools []Tool) (<-chan Delta, error)
}

// Config is what a provider needs to reach its model.
type Config struct {
	BaseURL     string
	APIKey      string
	Model       string
	MaxTokens   int
	Temperature float32
	Timeout     time.Duration
}

// WithDefaults returns a copy of c with a positive Timeout and no trailing
// slash on BaseURL.
func (c Config) WithDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	return c
}
