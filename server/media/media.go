// Package media defines an interface which must be implemented by blob
// storage backends for role source content.
package media

import (
	"context"
	"io"
)

// Handler is a blob store holding role code and media under opaque keys.
// Content under a given key is immutable: updates allocate a fresh key.
type Handler interface {
	// Init initializes the blob store.
	Init(jsconf string) error
	// Put stores content under the key.
	Put(ctx context.Context, key string, in io.Reader) error
	// Get fetches the content stored under the key.
	Get(ctx context.Context, key string) ([]byte, error)
	// Delete removes the content stored under the key.
	Delete(ctx context.Context, key string) error
	// List returns all keys currently in the store.
	List(ctx context.Context) ([]string, error)
}

var handlers = make(map[string]Handler)

// RegisterHandler saves the provided blob handler by name.
func RegisterHandler(name string, handler Handler) {
	if handler == nil {
		panic("media: Register handler is nil")
	}
	if _, dup := handlers[name]; dup {
		panic("media: duplicate registration of handler " + name)
	}
	handlers[name] = handler
}

// GetHandler returns the registered handler by name or nil.
func GetHandler(name string) Handler {
	return handlers[name]
}
