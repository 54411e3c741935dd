// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/ory/fosite"

	"github.com/stack-auth/stack-sub005/pkg/logger"
)

// timedEntry wraps a value with its creation time for TTL tracking.
// A zero expiresAt never expires.
type timedEntry[T any] struct {
	value     T
	createdAt time.Time
	expiresAt time.Time
}

func (e *timedEntry[T]) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// MemoryStorage implements the Storage interface with in-memory maps.
// This implementation is thread-safe and suitable for development, tests and
// single-replica deployments. Every operation holds the mutex for its whole
// read-modify-write, so redemption of a code is serialized per process.
type MemoryStorage struct {
	mu sync.RWMutex

	// authCodes maps code signature -> code.
	authCodes map[string]*timedEntry[*AuthorizationCode]

	// refreshTokens maps token signature -> token.
	refreshTokens map[string]*timedEntry[*RefreshToken]

	// pendingAuthorizations maps inner state -> pending authorization. Entries
	// outlive their ExpiresAt by DefaultExpiredRetention.
	pendingAuthorizations map[string]*timedEntry[*PendingAuthorization]

	// upstreamTokens maps id -> upstream token. Upstream tokens do not expire.
	upstreamTokens map[string]*UpstreamToken

	// cleanupInterval is how often the background cleanup runs
	cleanupInterval time.Duration

	// stopCleanup is used to signal the cleanup goroutine to stop
	stopCleanup chan struct{}

	// cleanupDone is closed when the cleanup goroutine has fully stopped
	cleanupDone chan struct{}

	closeOnce sync.Once
}

// MemoryStorageOption configures a MemoryStorage instance.
type MemoryStorageOption func(*MemoryStorage)

// WithCleanupInterval sets a custom cleanup interval.
func WithCleanupInterval(interval time.Duration) MemoryStorageOption {
	return func(s *MemoryStorage) {
		s.cleanupInterval = interval
	}
}

// NewMemoryStorage creates a new MemoryStorage instance with initialized maps
// and starts the background cleanup goroutine.
func NewMemoryStorage(opts ...MemoryStorageOption) *MemoryStorage {
	s := &MemoryStorage{
		authCodes:             make(map[string]*timedEntry[*AuthorizationCode]),
		refreshTokens:         make(map[string]*timedEntry[*RefreshToken]),
		pendingAuthorizations: make(map[string]*timedEntry[*PendingAuthorization]),
		upstreamTokens:        make(map[string]*UpstreamToken),
		cleanupInterval:       DefaultCleanupInterval,
		stopCleanup:           make(chan struct{}),
		cleanupDone:           make(chan struct{}),
	}

	for _, opt := range opts {
		opt(s)
	}

	// Start background cleanup goroutine
	go s.cleanupLoop()

	return s
}

// Health is a no-op for in-memory storage since it is always available.
func (*MemoryStorage) Health(_ context.Context) error {
	return nil
}

// Close stops the background cleanup goroutine and waits for it to finish.
func (s *MemoryStorage) Close() error {
	s.closeOnce.Do(func() {
		close(s.stopCleanup)
		<-s.cleanupDone
	})
	return nil
}

// cleanupLoop runs periodic cleanup of expired entries.
func (s *MemoryStorage) cleanupLoop() {
	defer close(s.cleanupDone)

	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCleanup:
			return
		case <-ticker.C:
			s.cleanupExpired()
		}
	}
}

func expiredKeys[T any](m map[string]*timedEntry[T], now time.Time) []string {
	var keys []string
	for k, v := range m {
		if v.expired(now) {
			keys = append(keys, k)
		}
	}
	return keys
}

// cleanupExpired removes all expired entries from storage.
// Uses collect-then-delete pattern: collects expired keys under read lock,
// then deletes under write lock. This minimizes write lock hold time.
func (s *MemoryStorage) cleanupExpired() {
	now := time.Now()

	s.mu.RLock()
	expiredCodes := expiredKeys(s.authCodes, now)
	expiredRefresh := expiredKeys(s.refreshTokens, now)
	expiredPending := expiredKeys(s.pendingAuthorizations, now)
	s.mu.RUnlock()

	if len(expiredCodes)+len(expiredRefresh)+len(expiredPending) == 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Re-check under the write lock, an entry may have been replaced in between.
	for _, k := range expiredCodes {
		if e, ok := s.authCodes[k]; ok && e.expired(now) {
			delete(s.authCodes, k)
		}
	}
	for _, k := range expiredRefresh {
		if e, ok := s.refreshTokens[k]; ok && e.expired(now) {
			delete(s.refreshTokens, k)
		}
	}
	for _, k := range expiredPending {
		if e, ok := s.pendingAuthorizations[k]; ok && e.expired(now) {
			delete(s.pendingAuthorizations, k)
		}
	}

	logger.Debugw("storage cleanup completed",
		"auth_codes", len(expiredCodes),
		"refresh_tokens", len(expiredRefresh),
		"pending_authorizations", len(expiredPending))
}

// -----------------------
// Authorization codes
// -----------------------

// SaveAuthorizationCode stores a new authorization code.
func (s *MemoryStorage) SaveAuthorizationCode(_ context.Context, code *AuthorizationCode) error {
	if code == nil {
		return fosite.ErrInvalidRequest.WithHint("authorization code cannot be nil")
	}
	if code.Signature == "" {
		return fosite.ErrInvalidRequest.WithHint("authorization code signature cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.authCodes[code.Signature]; exists {
		return fmt.Errorf("%w: authorization code already exists", ErrAlreadyExists)
	}

	now := time.Now()
	expiresAt := code.ExpiresAt
	if expiresAt.IsZero() {
		expiresAt = now.Add(DefaultAuthCodeTTL)
	}
	stored := code.clone()
	stored.ExpiresAt = expiresAt
	stored.Redeemed = false

	s.authCodes[code.Signature] = &timedEntry[*AuthorizationCode]{
		value:     stored,
		createdAt: now,
		expiresAt: expiresAt,
	}
	return nil
}

// GetAuthorizationCode returns the code, whether or not it was redeemed.
func (s *MemoryStorage) GetAuthorizationCode(_ context.Context, signature string) (*AuthorizationCode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.authCodes[signature]
	if !ok || entry.expired(time.Now()) {
		logger.Debugw("authorization code not found")
		return nil, fmt.Errorf("%w: %w", ErrNotFound, fosite.ErrNotFound.WithHint("Authorization code not found"))
	}
	return entry.value.clone(), nil
}

// RedeemAuthorizationCode marks the code redeemed under the write lock.
func (s *MemoryStorage) RedeemAuthorizationCode(_ context.Context, signature string) (*AuthorizationCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.authCodes[signature]
	if !ok || entry.expired(time.Now()) || entry.value.Redeemed {
		logger.Debugw("authorization code not redeemable")
		return nil, fmt.Errorf("%w: %w", ErrNotFound, fosite.ErrNotFound.WithHint("Authorization code not found"))
	}
	entry.value.Redeemed = true
	return entry.value.clone(), nil
}

// DeleteAuthorizationCode removes the code.
func (s *MemoryStorage) DeleteAuthorizationCode(_ context.Context, signature string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.authCodes, signature)
	return nil
}

// -----------------------
// Refresh tokens
// -----------------------

// SaveRefreshToken stores a refresh token.
func (s *MemoryStorage) SaveRefreshToken(_ context.Context, token *RefreshToken) error {
	if token == nil {
		return fosite.ErrInvalidRequest.WithHint("refresh token cannot be nil")
	}
	if token.Signature == "" {
		return fosite.ErrInvalidRequest.WithHint("refresh token signature cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.refreshTokens[token.Signature]; exists {
		return fmt.Errorf("%w: refresh token already exists", ErrAlreadyExists)
	}

	entry := &timedEntry[*RefreshToken]{
		value:     token.clone(),
		createdAt: time.Now(),
	}
	if token.ExpiresAt != nil {
		entry.expiresAt = *token.ExpiresAt
	}
	s.refreshTokens[token.Signature] = entry
	return nil
}

// GetRefreshToken retrieves a refresh token by signature.
func (s *MemoryStorage) GetRefreshToken(_ context.Context, signature string) (*RefreshToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.refreshTokens[signature]
	if !ok || entry.expired(time.Now()) {
		logger.Debugw("refresh token not found")
		return nil, fmt.Errorf("%w: %w", ErrNotFound, fosite.ErrNotFound.WithHint("Refresh token not found"))
	}
	return entry.value.clone(), nil
}

// DeleteRefreshToken removes a refresh token.
func (s *MemoryStorage) DeleteRefreshToken(_ context.Context, signature string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.refreshTokens, signature)
	return nil
}

// DeleteRefreshTokensByRequestID removes all refresh tokens minted by requestID.
func (s *MemoryStorage) DeleteRefreshTokensByRequestID(_ context.Context, requestID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for sig, entry := range s.refreshTokens {
		if entry.value.RequestID == requestID {
			delete(s.refreshTokens, sig)
		}
	}
	return nil
}

// -----------------------
// Pending authorizations
// -----------------------

// StorePendingAuthorization stores a pending authorization keyed by the inner state.
func (s *MemoryStorage) StorePendingAuthorization(_ context.Context, state string, pending *PendingAuthorization) error {
	if state == "" {
		return fosite.ErrInvalidRequest.WithHint("state cannot be empty")
	}
	if pending == nil {
		return fosite.ErrInvalidRequest.WithHint("pending authorization cannot be nil")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	stored := pending.clone()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	if stored.ExpiresAt.IsZero() {
		stored.ExpiresAt = now.Add(DefaultPendingAuthorizationTTL)
	}

	s.pendingAuthorizations[state] = &timedEntry[*PendingAuthorization]{
		value:     stored,
		createdAt: now,
		expiresAt: stored.ExpiresAt.Add(DefaultExpiredRetention),
	}
	return nil
}

// ConsumePendingAuthorization returns and removes a pending authorization.
func (s *MemoryStorage) ConsumePendingAuthorization(_ context.Context, state string) (*PendingAuthorization, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.pendingAuthorizations[state]
	if !ok {
		logger.Debugw("pending authorization not found")
		return nil, fmt.Errorf("%w: pending authorization not found", ErrNotFound)
	}
	delete(s.pendingAuthorizations, state)

	if entry.value.IsExpired(time.Now()) {
		logger.Debugw("pending authorization expired")
		return entry.value.clone(), ErrExpired
	}
	return entry.value.clone(), nil
}

// -----------------------
// Upstream tokens
// -----------------------

// StoreUpstreamToken stores or replaces an upstream token by id.
func (s *MemoryStorage) StoreUpstreamToken(_ context.Context, token *UpstreamToken) error {
	if token == nil {
		return fosite.ErrInvalidRequest.WithHint("upstream token cannot be nil")
	}
	if token.ID == "" {
		return fosite.ErrInvalidRequest.WithHint("upstream token ID cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stored := token.clone()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now()
	}
	s.upstreamTokens[token.ID] = stored
	return nil
}

// ListUpstreamTokens returns a user's upstream tokens for one provider, oldest first.
func (s *MemoryStorage) ListUpstreamTokens(
	_ context.Context, projectID, providerID, userID string,
) ([]*UpstreamToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*UpstreamToken
	for _, t := range s.upstreamTokens {
		if t.ProjectID == projectID && t.ProviderID == providerID && t.UserID == userID {
			out = append(out, t.clone())
		}
	}
	sortUpstreamTokens(out)
	return out, nil
}

// DeleteUpstreamToken removes an upstream token.
func (s *MemoryStorage) DeleteUpstreamToken(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.upstreamTokens[id]; !ok {
		return fmt.Errorf("%w: upstream token not found", ErrNotFound)
	}
	delete(s.upstreamTokens, id)
	return nil
}

func sortUpstreamTokens(tokens []*UpstreamToken) {
	slices.SortFunc(tokens, func(a, b *UpstreamToken) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		if a.ID < b.ID {
			return -1
		}
		if a.ID > b.ID {
			return 1
		}
		return 0
	})
}

// Stats provides statistics about the storage contents.
type Stats struct {
	AuthCodes             int
	RefreshTokens         int
	PendingAuthorizations int
	UpstreamTokens        int
}

// Stats returns current statistics about storage contents.
func (s *MemoryStorage) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return Stats{
		AuthCodes:             len(s.authCodes),
		RefreshTokens:         len(s.refreshTokens),
		PendingAuthorizations: len(s.pendingAuthorizations),
		UpstreamTokens:        len(s.upstreamTokens),
	}
}

var _ Storage = (*MemoryStorage)(nil)
