// Package cache provides versioned cache namespaces for intercepted responses.
// Supports in-memory, SQLite, PostgreSQL, MongoDB and Redis backends; the
// persistent backends let several edge instances share one set of namespaces.
package cache

import (
	"context"
	"errors"
	"strings"

	"chatus/internal/core"
)

// ErrStorageClosed is returned by operations on a closed Storage.
var ErrStorageClosed = errors.New("cache storage is closed")

// Storage is the set of named namespaces, the counterpart of a browser's CacheStorage.
// Implementations must be safe for concurrent use.
type Storage interface {
	// Open returns the namespace with the given name, creating it if needed.
	Open(ctx context.Context, name string) (Namespace, error)

	// Has reports whether a namespace exists.
	Has(ctx context.Context, name string) (bool, error)

	// Delete removes a namespace and all of its entries.
	// Returns false if the namespace did not exist.
	Delete(ctx context.Context, name string) (bool, error)

	// Keys lists namespace names in lexical order.
	Keys(ctx context.Context) ([]string, error)

	// Close releases any resources held by the storage.
	Close() error
}

// Namespace is a key-value store of request key to response.
type Namespace interface {
	Name() string

	// Match returns the stored response for key.
	// Returns nil, nil if no entry exists.
	Match(ctx context.Context, key string) (*core.Response, error)

	// Put stores resp under key, replacing any previous entry.
	Put(ctx context.Context, key string, resp *core.Response) error

	// Delete removes an entry. Returns false if it did not exist.
	Delete(ctx context.Context, key string) (bool, error)

	// Keys lists entry keys in lexical order.
	Keys(ctx context.Context) ([]string, error)
}

// Names derives the versioned namespace names from a prefix and a version.
// Deploying a new version yields new names, so old namespaces are never mutated.
type Names struct {
	Prefix  string
	Version string
}

// DefaultNames returns the names used by ChatUs v1.0.0.
func DefaultNames() Names {
	return Names{Prefix: "chatus-", Version: "v1.0.0"}
}

// Current is the catch-all version name, used only for prefix matching.
func (n Names) Current() string { return n.Prefix + n.Version }

// Static holds install-time assets and framework static files.
func (n Names) Static() string { return n.Prefix + "static-" + n.Version }

// Dynamic holds runtime-fetched API and miscellaneous responses.
func (n Names) Dynamic() string { return n.Prefix + "dynamic-" + n.Version }

// Messages is reserved for offline message data and is never written.
func (n Names) Messages() string { return n.Prefix + "messages-" + n.Version }

// All returns the three namespaces that survive activation.
func (n Names) All() []string {
	return []string{n.Static(), n.Dynamic(), n.Messages()}
}

// Owned reports whether name belongs to this application.
func (n Names) Owned(name string) bool {
	return strings.HasPrefix(name, n.Prefix)
}

// IsCurrent reports whether name is one of the current version's namespaces.
func (n Names) IsCurrent(name string) bool {
	for _, current := range n.All() {
		if name == current {
			return true
		}
	}
	return false
}
