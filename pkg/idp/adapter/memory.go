// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package adapter

import (
	"context"
	"sync"
	"time"

	"github.com/stack-auth/stack-sub005/pkg/logger"
)

// DefaultCleanupInterval is how often the memory backend sweeps expired records.
const DefaultCleanupInterval = time.Minute

// MemoryBackend is a Backend holding records in process memory. Every update
// holds the mutex for its whole read-modify-write.
type MemoryBackend struct {
	mu sync.Mutex

	// records maps model -> id -> record.
	records map[string]map[string]*Record

	now             func() time.Time
	cleanupInterval time.Duration
	sweeper         *sweeper
}

// MemoryOption configures a MemoryBackend.
type MemoryOption func(*MemoryBackend)

// WithMemoryCleanupInterval sets how often expired records are swept. A
// non-positive interval disables the sweep; expired records are still
// never returned.
func WithMemoryCleanupInterval(interval time.Duration) MemoryOption {
	return func(b *MemoryBackend) {
		b.cleanupInterval = interval
	}
}

// WithMemoryClock sets the clock that decides whether a record is live.
func WithMemoryClock(now func() time.Time) MemoryOption {
	return func(b *MemoryBackend) {
		b.now = now
	}
}

// NewMemoryBackend creates a MemoryBackend and starts its expiry sweep.
func NewMemoryBackend(opts ...MemoryOption) *MemoryBackend {
	b := &MemoryBackend{
		records:         make(map[string]map[string]*Record),
		now:             time.Now,
		cleanupInterval: DefaultCleanupInterval,
	}
	for _, opt := range opts {
		opt(b)
	}
	b.sweeper = startSweeper(b.cleanupInterval, b.cleanupExpired)
	return b
}

// Close stops the expiry sweep.
func (b *MemoryBackend) Close() error {
	b.sweeper.stop()
	return nil
}

func (b *MemoryBackend) cleanupExpired() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	removed := 0
	for _, byID := range b.records {
		for id, rec := range byID {
			if !rec.ExpiresAt.After(now) {
				delete(byID, id)
				removed++
			}
		}
	}
	if removed > 0 {
		logger.Debugw("swept expired protocol state records", "count", removed)
	}
}

// UpdateUnique implements Backend.
func (b *MemoryBackend) UpdateUnique(_ context.Context, model string, lookup Lookup, fn UpdateFunc) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	byID := b.records[model]
	if byID == nil {
		byID = make(map[string]*Record)
		b.records[model] = byID
	}

	id, stored, err := b.find(model, byID, lookup)
	if err != nil {
		return err
	}

	var old *Record
	if stored != nil {
		old = &Record{Payload: stored.Payload.clone(), ExpiresAt: stored.ExpiresAt}
	}

	updated, err := fn(old)
	if err != nil {
		return err
	}

	switch {
	case updated == nil:
		if stored != nil {
			delete(byID, id)
		}
	case updated == old:
	case id == "":
		return integrityViolation("no %s found with %s to update", model, lookup)
	default:
		byID[id] = &Record{Payload: updated.Payload.clone(), ExpiresAt: updated.ExpiresAt}
	}
	return nil
}

// find returns the id and record of the live record matching lookup. For a
// primary lookup the id is returned even when there is no live record.
func (b *MemoryBackend) find(model string, byID map[string]*Record, lookup Lookup) (string, *Record, error) {
	now := b.now()

	if !lookup.IsSecondary() {
		rec, ok := byID[lookup.ID]
		if !ok || !rec.ExpiresAt.After(now) {
			return lookup.ID, nil, nil
		}
		return lookup.ID, rec, nil
	}

	var (
		matchID string
		match   *Record
	)
	for id, rec := range byID {
		if !rec.ExpiresAt.After(now) || rec.Payload.StringValue(lookup.Property) != lookup.Value {
			continue
		}
		if match != nil {
			return "", nil, integrityViolation("multiple live %s records found with %s", model, lookup)
		}
		matchID, match = id, rec
	}
	return matchID, match, nil
}

// Len returns the number of stored records, live or not, of model.
func (b *MemoryBackend) Len(model string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.records[model])
}
