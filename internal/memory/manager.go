package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// StoreOption customizes a Store call.
type StoreOption func(*Item)

// WithTTL sets the item's time-to-live. Mandatory for working memory,
// rejected for the durable types.
func WithTTL(d time.Duration) StoreOption {
	return func(it *Item) { it.TTL = d }
}

// WithMetadata attaches one metadata pair.
func WithMetadata(key, value string) StoreOption {
	return func(it *Item) {
		if it.Metadata == nil {
			it.Metadata = make(map[string]string)
		}
		it.Metadata[key] = value
	}
}

// Manager routes typed memory operations to a durable store and an ephemeral
// store for the working category, enforces TTL rules, and runs the periodic
// expiry sweep. Expiry is also checked on every read, so retrieve and list
// never return an expired item regardless of sweep cadence.
type Manager struct {
	durable   Store
	ephemeral Store
	sweep     time.Duration
	logger    *zap.Logger
}

// NewManager creates a Manager. The two stores may be the same instance;
// working-memory traffic goes to ephemeral, everything else to durable.
func NewManager(durable, ephemeral Store, sweepInterval time.Duration, logger *zap.Logger) *Manager {
	if sweepInterval <= 0 {
		sweepInterval = time.Minute
	}
	return &Manager{durable: durable, ephemeral: ephemeral, sweep: sweepInterval, logger: logger}
}

func (m *Manager) storeFor(typ Type) Store {
	if typ == Working {
		return m.ephemeral
	}
	return m.durable
}

// Store writes value under (typ, key), overwriting any previous item.
func (m *Manager) Store(ctx context.Context, typ Type, key string, value interface{}, opts ...StoreOption) error {
	if !typ.Valid() {
		return fmt.Errorf("unknown memory type %q: %w", typ, ErrInvalidArgument)
	}
	if key == "" {
		return fmt.Errorf("empty key: %w", ErrInvalidArgument)
	}

	data, err := marshalValue(value)
	if err != nil {
		return fmt.Errorf("marshal value for %s/%s: %w", typ, key, err)
	}

	item := &Item{Type: typ, Key: key, Value: data, StoredAt: time.Now()}
	for _, opt := range opts {
		opt(item)
	}

	if typ == Working && item.TTL <= 0 {
		return fmt.Errorf("working memory requires a ttl: %w", ErrInvalidArgument)
	}
	if typ != Working && item.TTL > 0 {
		return fmt.Errorf("%s memory is durable and takes no ttl: %w", typ, ErrInvalidArgument)
	}

	if err := m.storeFor(typ).Put(ctx, item); err != nil {
		return fmt.Errorf("store %s/%s: %w", typ, key, err)
	}
	m.logger.Debug("memory stored",
		zap.String("type", string(typ)), zap.String("key", key))
	return nil
}

// Retrieve returns the item under (typ, key) or ErrNotFound. Expired working
// items are removed on sight.
func (m *Manager) Retrieve(ctx context.Context, typ Type, key string) (*Item, error) {
	if !typ.Valid() {
		return nil, fmt.Errorf("unknown memory type %q: %w", typ, ErrInvalidArgument)
	}
	st := m.storeFor(typ)
	item, err := st.Get(ctx, typ, key)
	if err != nil {
		return nil, err
	}
	if item.Expired(time.Now()) {
		_ = st.Delete(ctx, typ, key)
		return nil, fmt.Errorf("%s/%s expired: %w", typ, key, ErrNotFound)
	}
	return item, nil
}

// List returns items of the given type matching the filter, ordered by
// StoredAt ascending. The call is re-invocable and never yields expired items.
func (m *Manager) List(ctx context.Context, typ Type, f Filter) ([]Item, error) {
	if !typ.Valid() {
		return nil, fmt.Errorf("unknown memory type %q: %w", typ, ErrInvalidArgument)
	}
	return m.storeFor(typ).List(ctx, typ, f)
}

// Delete removes the item under (typ, key). Missing items return ErrNotFound.
func (m *Manager) Delete(ctx context.Context, typ Type, key string) error {
	if !typ.Valid() {
		return fmt.Errorf("unknown memory type %q: %w", typ, ErrInvalidArgument)
	}
	return m.storeFor(typ).Delete(ctx, typ, key)
}

// Stats summarizes every category: durable types from the durable store,
// working from the ephemeral one. Derived on demand, never persisted.
func (m *Manager) Stats(ctx context.Context) (map[Type]TypeStats, error) {
	stats, err := m.durable.Stats(ctx)
	if err != nil {
		return nil, fmt.Errorf("durable stats: %w", err)
	}
	eph, err := m.ephemeral.Stats(ctx)
	if err != nil {
		return nil, fmt.Errorf("ephemeral stats: %w", err)
	}
	out := make(map[Type]TypeStats, len(Types()))
	for _, t := range Types() {
		if t == Working {
			out[t] = eph[t]
		} else {
			out[t] = stats[t]
		}
	}
	return out, nil
}

// Sweep removes expired working items once and returns how many went.
func (m *Manager) Sweep(ctx context.Context) (int, error) {
	return m.ephemeral.DeleteExpired(ctx, time.Now())
}

// Run sweeps expired working memory on the configured interval until ctx is
// cancelled.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.sweep)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := m.Sweep(ctx)
			if err != nil {
				m.logger.Warn("memory sweep failed", zap.Error(err))
				continue
			}
			if removed > 0 {
				m.logger.Info("expired working memory removed", zap.Int("count", removed))
			}
		}
	}
}

// Close releases both backing stores.
func (m *Manager) Close() error {
	err := m.durable.Close()
	if eErr := m.ephemeral.Close(); err == nil {
		err = eErr
	}
	return err
}

func marshalValue(value interface{}) (json.RawMessage, error) {
	switch v := value.(type) {
	case nil:
		return json.RawMessage("null"), nil
	case json.RawMessage:
		return v, nil
	case []byte:
		return json.RawMessage(v), nil
	default:
		return json.Marshal(value)
	}
}
