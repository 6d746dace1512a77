// Package memory implements the shared, agent-agnostic memory substrate:
// five semantically distinct categories behind one typed store/retrieve/list
// contract. Episodic, semantic, procedural, and emotional items are durable
// until deleted; working items carry a mandatory TTL and expire.
package memory

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

// Type is a memory category.
type Type string

const (
	Episodic   Type = "episodic"
	Semantic   Type = "semantic"
	Procedural Type = "procedural"
	Emotional  Type = "emotional"
	Working    Type = "working"
)

// Types lists all memory categories.
func Types() []Type {
	return []Type{Episodic, Semantic, Procedural, Emotional, Working}
}

// Valid reports whether t is a known category.
func (t Type) Valid() bool {
	switch t {
	case Episodic, Semantic, Procedural, Emotional, Working:
		return true
	}
	return false
}

var (
	// ErrNotFound reports a lookup miss, distinguished from an empty value.
	ErrNotFound = errors.New("memory item not found")

	// ErrInvalidArgument reports a malformed call, such as a working-memory
	// store without a TTL.
	ErrInvalidArgument = errors.New("invalid argument")
)

// Item is a stored memory entry. Keys are unique within a (Type, Key) pair;
// a later store with the same pair overwrites. TTL is zero for durable types.
type Item struct {
	Type     Type              `json:"type"`
	Key      string            `json:"key"`
	Value    json.RawMessage   `json:"value"`
	StoredAt time.Time         `json:"stored_at"`
	TTL      time.Duration     `json:"ttl,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Expired reports whether the item's TTL has elapsed at now.
func (it *Item) Expired(now time.Time) bool {
	return it.TTL > 0 && !now.Before(it.StoredAt.Add(it.TTL))
}

// Filter narrows a List call. Zero fields match everything.
type Filter struct {
	KeyPrefix string
	Metadata  map[string]string
	Since     time.Time
	Until     time.Time
	Limit     int
}

// Match reports whether the item satisfies the filter, limit aside.
func (f Filter) Match(it *Item) bool {
	if f.KeyPrefix != "" && !strings.HasPrefix(it.Key, f.KeyPrefix) {
		return false
	}
	if !f.Since.IsZero() && it.StoredAt.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && it.StoredAt.After(f.Until) {
		return false
	}
	for k, v := range f.Metadata {
		if it.Metadata[k] != v {
			return false
		}
	}
	return true
}

// TypeStats summarizes one category.
type TypeStats struct {
	Count  int       `json:"count"`
	Oldest time.Time `json:"oldest,omitempty"`
	Newest time.Time `json:"newest,omitempty"`
}

// Store is a backend holding items keyed by (type, key). Implementations
// must serialize operations per key; List returns items ordered by StoredAt
// ascending and never returns expired items.
type Store interface {
	Put(ctx context.Context, item *Item) error
	Get(ctx context.Context, typ Type, key string) (*Item, error)
	List(ctx context.Context, typ Type, f Filter) ([]Item, error)
	Delete(ctx context.Context, typ Type, key string) error
	DeleteExpired(ctx context.Context, now time.Time) (int, error)
	Stats(ctx context.Context) (map[Type]TypeStats, error)
	Close() error
}
