package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ResultCache stores encoded analytic results under parameter-derived keys.
type ResultCache interface {
	// Get returns the stored bytes for key, or ok=false on a miss.
	Get(ctx context.Context, key string) (data []byte, ok bool, err error)

	// Set stores data under key for the cache's TTL.
	Set(ctx context.Context, key string, data []byte) error

	// Clear removes every entry.
	Clear(ctx context.Context) error
}

// GetJSON decodes the cached value for key into T.
func GetJSON[T any](ctx context.Context, c ResultCache, key string) (T, bool, error) {
	var v T
	data, ok, err := c.Get(ctx, key)
	if err != nil || !ok {
		return v, false, err
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return v, false, fmt.Errorf("decode cached %s: %w", key, err)
	}
	return v, true, nil
}

// SetJSON encodes v and stores it under key.
func SetJSON[T any](ctx context.Context, c ResultCache, key string, v T) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return c.Set(ctx, key, data)
}

// Memory is an in-process ResultCache.
type Memory struct {
	entries *TTL[string, []byte]
}

// NewMemory creates an in-process result cache.
func NewMemory(maxEntries int, ttl time.Duration) *Memory {
	return &Memory{entries: NewTTL[string, []byte](maxEntries, ttl)}
}

// Get returns the stored bytes for key.
func (m *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	data, ok := m.entries.Get(key)
	return data, ok, nil
}

// Set stores data under key.
func (m *Memory) Set(_ context.Context, key string, data []byte) error {
	m.entries.Set(key, data)
	return nil
}

// Clear removes every entry.
func (m *Memory) Clear(_ context.Context) error {
	m.entries.Clear()
	return nil
}

// ClearPrefix removes entries whose key starts with prefix.
func (m *Memory) ClearPrefix(prefix string) int {
	return m.entries.DeleteFunc(func(k string) bool { return strings.HasPrefix(k, prefix) })
}

// Len returns the number of entries.
func (m *Memory) Len() int {
	return m.entries.Len()
}

var _ ResultCache = (*Memory)(nil)

// Tiered reads through a fast local cache before a shared one and writes to both.
type Tiered struct {
	local  ResultCache
	shared ResultCache
}

// NewTiered layers local in front of shared.
func NewTiered(local, shared ResultCache) *Tiered {
	return &Tiered{local: local, shared: shared}
}

// Get checks local first, then shared, back-filling local on a shared hit.
func (t *Tiered) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if data, ok, err := t.local.Get(ctx, key); err == nil && ok {
		return data, true, nil
	}
	data, ok, err := t.shared.Get(ctx, key)
	if err != nil || !ok {
		return nil, false, err
	}
	_ = t.local.Set(ctx, key, data)
	return data, true, nil
}

// Set writes to both tiers.
func (t *Tiered) Set(ctx context.Context, key string, data []byte) error {
	if err := t.local.Set(ctx, key, data); err != nil {
		return err
	}
	return t.shared.Set(ctx, key, data)
}

// Clear empties both tiers.
func (t *Tiered) Clear(ctx context.Context) error {
	if err := t.local.Clear(ctx); err != nil {
		return err
	}
	return t.shared.Clear(ctx)
}

var _ ResultCache = (*Tiered)(nil)
