package memory

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "mem", "jarvis.db"), zap.NewNop())
	if err != nil {
		t.Fatalf("open sqlite store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLitePutGetRoundtrip(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	item := &Item{
		Type:     Semantic,
		Key:      "brand.voice",
		Value:    []byte(`"playful"`),
		StoredAt: time.Now(),
		Metadata: map[string]string{"source": "test"},
	}
	if err := s.Put(ctx, item); err != nil {
		t.Fatalf("put: %v", err)
	}

	got, err := s.Get(ctx, Semantic, "brand.voice")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(got.Value) != `"playful"` {
		t.Fatalf("value = %s", got.Value)
	}
	if got.Metadata["source"] != "test" {
		t.Fatalf("metadata = %v", got.Metadata)
	}
}

func TestSQLiteUpsertOverwrites(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	now := time.Now()
	if err := s.Put(ctx, &Item{Type: Episodic, Key: "k", Value: []byte(`1`), StoredAt: now}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := s.Put(ctx, &Item{Type: Episodic, Key: "k", Value: []byte(`2`), StoredAt: now.Add(time.Second)}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	got, err := s.Get(ctx, Episodic, "k")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(got.Value) != "2" {
		t.Fatalf("value = %s, want 2", got.Value)
	}
}

func TestSQLiteExpiredRowInvisible(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	if err := s.Put(ctx, &Item{
		Type:     Working,
		Key:      "hold",
		Value:    []byte(`"x"`),
		StoredAt: time.Now().Add(-time.Minute),
		TTL:      time.Second,
	}); err != nil {
		t.Fatalf("put: %v", err)
	}

	if _, err := s.Get(ctx, Working, "hold"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	items, err := s.List(ctx, Working, Filter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(items) != 0 {
		t.Fatalf("expired row visible in list: %+v", items)
	}

	removed, err := s.DeleteExpired(ctx, time.Now())
	if err != nil {
		t.Fatalf("delete expired: %v", err)
	}
	if removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}
}

func TestSQLiteListFilters(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	base := time.Now()
	rows := []Item{
		{Type: Episodic, Key: "shoot.001", Value: []byte(`1`), StoredAt: base},
		{Type: Episodic, Key: "shoot.002", Value: []byte(`2`), StoredAt: base.Add(time.Second),
			Metadata: map[string]string{"client": "alpha"}},
		{Type: Episodic, Key: "invoice.001", Value: []byte(`3`), StoredAt: base.Add(2 * time.Second)},
	}
	for i := range rows {
		if err := s.Put(ctx, &rows[i]); err != nil {
			t.Fatalf("put %s: %v", rows[i].Key, err)
		}
	}

	byPrefix, err := s.List(ctx, Episodic, Filter{KeyPrefix: "shoot."})
	if err != nil {
		t.Fatalf("list by prefix: %v", err)
	}
	if len(byPrefix) != 2 {
		t.Fatalf("prefix matched %d rows, want 2", len(byPrefix))
	}
	if byPrefix[0].Key != "shoot.001" {
		t.Fatalf("rows out of stored_at order: first is %s", byPrefix[0].Key)
	}

	byMeta, err := s.List(ctx, Episodic, Filter{Metadata: map[string]string{"client": "alpha"}})
	if err != nil {
		t.Fatalf("list by metadata: %v", err)
	}
	if len(byMeta) != 1 || byMeta[0].Key != "shoot.002" {
		t.Fatalf("metadata matched %+v", byMeta)
	}

	since, err := s.List(ctx, Episodic, Filter{Since: base.Add(500 * time.Millisecond)})
	if err != nil {
		t.Fatalf("list since: %v", err)
	}
	if len(since) != 2 {
		t.Fatalf("since matched %d rows, want 2", len(since))
	}
}

func TestSQLiteDeleteMissing(t *testing.T) {
	s := newTestSQLiteStore(t)
	if err := s.Delete(context.Background(), Semantic, "ghost"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestSQLiteStats(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	now := time.Now()
	for _, it := range []Item{
		{Type: Episodic, Key: "a", Value: []byte(`1`), StoredAt: now},
		{Type: Episodic, Key: "b", Value: []byte(`2`), StoredAt: now.Add(time.Second)},
		{Type: Emotional, Key: "c", Value: []byte(`3`), StoredAt: now},
	} {
		it := it
		if err := s.Put(ctx, &it); err != nil {
			t.Fatalf("put: %v", err)
		}
	}

	stats, err := s.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats[Episodic].Count != 2 || stats[Emotional].Count != 1 {
		t.Fatalf("stats = %+v", stats)
	}
	if stats[Episodic].Newest.Before(stats[Episodic].Oldest) {
		t.Fatalf("newest before oldest: %+v", stats[Episodic])
	}
}
