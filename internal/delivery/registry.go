// Package delivery sends unprompted messages, such as the idle-close notice,
// back through the transport a conversation came from.
package delivery

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/user/tablemate/internal/types"
)

// ErrNoHandler is returned for conversations whose transport cannot be
// written to outside a request, such as the synchronous HTTP API.
var ErrNoHandler = errors.New("no delivery handler")

// Handler sends message to the conversation identified by sessionKey.
type Handler func(sessionKey, message string) error

// Registry maps a session key's source ("telegram", "discord") to the
// adapter that can reach it.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register installs handler for source, replacing any earlier one.
func (r *Registry) Register(source string, handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[source] = handler
}

// Deliver sends message through the handler registered for key's source.
func (r *Registry) Deliver(key types.SessionKey, message string) error {
	r.mu.RLock()
	handler, ok := r.handlers[key.Source()]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w for %q", ErrNoHandler, key.Source())
	}
	if err := handler(string(key), message); err != nil {
		return fmt.Errorf("deliver to %s: %w", key, err)
	}
	return nil
}

// Sources lists the registered sources in sorted order.
func (r *Registry) Sources() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for s := range r.handlers {
		out = append(out, s)
	}
	slices.Sort(out)
	return out
}
