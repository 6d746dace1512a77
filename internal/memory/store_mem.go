package memory

import (
	"context"
	"fmt"
	"hash/fnv"
	"sort"
	"sync"
	"time"
)

const memShards = 32

type memShard struct {
	mu    sync.RWMutex
	items map[string]*Item
}

// MemStore is a process-local Store. Items are spread over mutex-guarded
// shards keyed by (type, key), so writes to distinct keys rarely contend
// while a store followed by a retrieve on the same key always observes the
// write.
type MemStore struct {
	shards [memShards]*memShard
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	s := &MemStore{}
	for i := range s.shards {
		s.shards[i] = &memShard{items: make(map[string]*Item)}
	}
	return s
}

func itemKey(typ Type, key string) string {
	return string(typ) + "\x00" + key
}

func (s *MemStore) shard(k string) *memShard {
	h := fnv.New32a()
	h.Write([]byte(k))
	return s.shards[h.Sum32()%memShards]
}

// Put stores a copy of the item, overwriting any previous (type, key) entry.
func (s *MemStore) Put(_ context.Context, item *Item) error {
	k := itemKey(item.Type, item.Key)
	sh := s.shard(k)
	sh.mu.Lock()
	sh.items[k] = copyItem(item)
	sh.mu.Unlock()
	return nil
}

// Get returns a copy of the item under (typ, key).
func (s *MemStore) Get(_ context.Context, typ Type, key string) (*Item, error) {
	k := itemKey(typ, key)
	sh := s.shard(k)
	sh.mu.RLock()
	item, ok := sh.items[k]
	sh.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%s/%s: %w", typ, key, ErrNotFound)
	}
	return copyItem(item), nil
}

// copyItem detaches the returned item from the stored one, metadata included.
func copyItem(item *Item) *Item {
	cp := *item
	if item.Metadata != nil {
		cp.Metadata = make(map[string]string, len(item.Metadata))
		for k, v := range item.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}

// List scans all shards for unexpired items of typ matching f, ordered by
// StoredAt ascending.
func (s *MemStore) List(_ context.Context, typ Type, f Filter) ([]Item, error) {
	now := time.Now()
	var out []Item
	for _, sh := range s.shards {
		sh.mu.RLock()
		for _, item := range sh.items {
			if item.Type != typ || item.Expired(now) || !f.Match(item) {
				continue
			}
			out = append(out, *copyItem(item))
		}
		sh.mu.RUnlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StoredAt.Before(out[j].StoredAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// Delete removes the item under (typ, key).
func (s *MemStore) Delete(_ context.Context, typ Type, key string) error {
	k := itemKey(typ, key)
	sh := s.shard(k)
	sh.mu.Lock()
	_, ok := sh.items[k]
	delete(sh.items, k)
	sh.mu.Unlock()
	if !ok {
		return fmt.Errorf("%s/%s: %w", typ, key, ErrNotFound)
	}
	return nil
}

// DeleteExpired removes every item whose TTL elapsed before now.
func (s *MemStore) DeleteExpired(_ context.Context, now time.Time) (int, error) {
	removed := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		for k, item := range sh.items {
			if item.Expired(now) {
				delete(sh.items, k)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	return removed, nil
}

// Stats summarizes unexpired items per type.
func (s *MemStore) Stats(_ context.Context) (map[Type]TypeStats, error) {
	now := time.Now()
	out := make(map[Type]TypeStats)
	for _, sh := range s.shards {
		sh.mu.RLock()
		for _, item := range sh.items {
			if item.Expired(now) {
				continue
			}
			st := out[item.Type]
			st.Count++
			if st.Oldest.IsZero() || item.StoredAt.Before(st.Oldest) {
				st.Oldest = item.StoredAt
			}
			if item.StoredAt.After(st.Newest) {
				st.Newest = item.StoredAt
			}
			out[item.Type] = st
		}
		sh.mu.RUnlock()
	}
	return out, nil
}

// Close is a no-op for the in-memory store.
func (s *MemStore) Close() error { return nil }
