// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/ory/fosite"
	"github.com/redis/go-redis/v9"

	"github.com/stack-auth/stack-sub005/pkg/logger"
)

// Default timeouts for Redis operations.
const (
	DefaultDialTimeout  = 5 * time.Second
	DefaultReadTimeout  = 3 * time.Second
	DefaultWriteTimeout = 3 * time.Second

	// DefaultConnectAttempts bounds the startup ping retries.
	DefaultConnectAttempts = 5
)

// Key types used in Redis keys.
const (
	KeyTypeAuthCode         = "code"
	KeyTypeAuthCodeRedeemed = "code_redeemed"
	KeyTypeRefreshToken     = "refresh"
	KeyTypeRefreshByRequest = "refresh_req"
	KeyTypePending          = "pending"
	KeyTypeUpstream         = "upstream"
	KeyTypeUpstreamIndex    = "upstream_idx"
)

// RedisConfig holds Redis connection configuration.
// A single address connects to a standalone server, several addresses to a
// cluster, and a MasterName switches to Sentinel failover.
type RedisConfig struct {
	Addrs      []string `mapstructure:"addrs" yaml:"addrs" json:"addrs"`
	MasterName string   `mapstructure:"master_name" yaml:"master_name,omitempty" json:"master_name,omitempty"`
	Username   string   `mapstructure:"username" yaml:"username,omitempty" json:"username,omitempty"`
	Password   string   `mapstructure:"password" yaml:"-" json:"-"`
	DB         int      `mapstructure:"db" yaml:"db,omitempty" json:"db,omitempty"`

	// KeyPrefix namespaces every key, e.g. "stack:auth:".
	KeyPrefix string `mapstructure:"key_prefix" yaml:"key_prefix,omitempty" json:"key_prefix,omitempty"`

	// Timeouts (defaults: Dial=5s, Read=3s, Write=3s).
	DialTimeout  time.Duration `mapstructure:"dial_timeout" yaml:"dial_timeout,omitempty" json:"dial_timeout,omitempty"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout" yaml:"read_timeout,omitempty" json:"read_timeout,omitempty"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" yaml:"write_timeout,omitempty" json:"write_timeout,omitempty"`
}

// RedisStorage implements the Storage interface on Redis, enabling several
// server replicas to share codes, tokens and pending authorizations.
type RedisStorage struct {
	client    redis.UniversalClient
	keyPrefix string
}

// NewRedisStorage connects to Redis, retrying the initial ping with
// exponential backoff. Returns error if configuration validation fails or the
// connection cannot be established.
func NewRedisStorage(ctx context.Context, cfg RedisConfig) (*RedisStorage, error) {
	if err := validateRedisConfig(&cfg); err != nil {
		return nil, fmt.Errorf("invalid redis configuration: %w", err)
	}

	// Apply defaults
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}

	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:        cfg.Addrs,
		MasterName:   cfg.MasterName,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, client.Ping(ctx).Err()
	},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(DefaultConnectAttempts),
		backoff.WithNotify(func(err error, d time.Duration) {
			logger.Warnw("redis not reachable, retrying", "error", err, "retry_in", d)
		}),
	)
	if err != nil {
		// Close the client to prevent resource leak
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return NewRedisStorageWithClient(client, cfg.KeyPrefix), nil
}

// NewRedisStorageWithClient creates a RedisStorage with a pre-configured client.
// This is useful for testing with miniredis.
func NewRedisStorageWithClient(client redis.UniversalClient, keyPrefix string) *RedisStorage {
	return &RedisStorage{
		client:    client,
		keyPrefix: keyPrefix,
	}
}

func validateRedisConfig(cfg *RedisConfig) error {
	if len(cfg.Addrs) == 0 {
		return errors.New("at least one redis address is required")
	}
	for _, addr := range cfg.Addrs {
		if addr == "" {
			return errors.New("redis addresses cannot be empty")
		}
	}
	if cfg.DB < 0 {
		return errors.New("redis db cannot be negative")
	}
	return nil
}

// Close closes the Redis client.
func (s *RedisStorage) Close() error {
	return s.client.Close()
}

// Health pings Redis.
func (s *RedisStorage) Health(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis health check failed: %w", err)
	}
	return nil
}

func redisKey(prefix, keyType, id string) string {
	return prefix + keyType + ":" + id
}

// upstreamIndexKey length-prefixes the components so ids containing colons
// cannot collide.
func upstreamIndexKey(prefix, projectID, providerID, userID string) string {
	return redisKey(prefix, KeyTypeUpstreamIndex,
		fmt.Sprintf("%d:%s:%d:%s:%s", len(projectID), projectID, len(providerID), providerID, userID))
}

func notFound(hint string) error {
	return fmt.Errorf("%w: %w", ErrNotFound, fosite.ErrNotFound.WithHint(hint))
}

// -----------------------
// Authorization codes
// -----------------------

// SaveAuthorizationCode stores the code with a TTL matching its expiry.
func (s *RedisStorage) SaveAuthorizationCode(ctx context.Context, code *AuthorizationCode) error {
	if code == nil {
		return fosite.ErrInvalidRequest.WithHint("authorization code cannot be nil")
	}
	if code.Signature == "" {
		return fosite.ErrInvalidRequest.WithHint("authorization code signature cannot be empty")
	}

	stored := code.clone()
	stored.Redeemed = false
	if stored.ExpiresAt.IsZero() {
		stored.ExpiresAt = time.Now().Add(DefaultAuthCodeTTL)
	}
	ttl := time.Until(stored.ExpiresAt)
	if ttl <= 0 {
		logger.Debugw("not storing already expired authorization code")
		return nil
	}

	data, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("failed to marshal authorization code: %w", err)
	}

	ok, err := s.client.SetNX(ctx, redisKey(s.keyPrefix, KeyTypeAuthCode, code.Signature), data, ttl).Result()
	if err != nil {
		return fmt.Errorf("failed to store authorization code: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: authorization code already exists", ErrAlreadyExists)
	}
	return nil
}

// GetAuthorizationCode returns the code and its redemption state.
func (s *RedisStorage) GetAuthorizationCode(ctx context.Context, signature string) (*AuthorizationCode, error) {
	vals, err := s.client.MGet(ctx,
		redisKey(s.keyPrefix, KeyTypeAuthCode, signature),
		redisKey(s.keyPrefix, KeyTypeAuthCodeRedeemed, signature),
	).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get authorization code: %w", err)
	}
	raw, ok := vals[0].(string)
	if !ok {
		logger.Debugw("authorization code not found")
		return nil, notFound("Authorization code not found")
	}

	code, err := decodeAuthorizationCode(raw)
	if err != nil {
		return nil, err
	}
	if code.IsExpired(time.Now()) {
		return nil, notFound("Authorization code not found")
	}
	code.Redeemed = vals[1] != nil
	return code, nil
}

// redeemScript reads the code and claims its redemption marker in one step.
// The marker shares the code's remaining TTL. Returns nil when the code is
// missing or the marker already exists.
var redeemScript = redis.NewScript(`
local data = redis.call('GET', KEYS[1])
if not data then
	return false
end
local ttl = redis.call('PTTL', KEYS[1])
if ttl < 1 then
	ttl = tonumber(ARGV[1])
end
if not redis.call('SET', KEYS[2], '1', 'NX', 'PX', ttl) then
	return false
end
return data
`)

// RedeemAuthorizationCode atomically marks the code redeemed with a Lua script.
func (s *RedisStorage) RedeemAuthorizationCode(ctx context.Context, signature string) (*AuthorizationCode, error) {
	keys := []string{
		redisKey(s.keyPrefix, KeyTypeAuthCode, signature),
		redisKey(s.keyPrefix, KeyTypeAuthCodeRedeemed, signature),
	}
	raw, err := redeemScript.Run(ctx, s.client, keys, DefaultAuthCodeTTL.Milliseconds()).Text()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			logger.Debugw("authorization code not redeemable")
			return nil, notFound("Authorization code not found")
		}
		return nil, fmt.Errorf("failed to redeem authorization code: %w", err)
	}

	code, err := decodeAuthorizationCode(raw)
	if err != nil {
		return nil, err
	}
	if code.IsExpired(time.Now()) {
		return nil, notFound("Authorization code not found")
	}
	code.Redeemed = true
	return code, nil
}

// DeleteAuthorizationCode removes the code and its redemption marker.
func (s *RedisStorage) DeleteAuthorizationCode(ctx context.Context, signature string) error {
	err := s.client.Del(ctx,
		redisKey(s.keyPrefix, KeyTypeAuthCode, signature),
		redisKey(s.keyPrefix, KeyTypeAuthCodeRedeemed, signature),
	).Err()
	if err != nil {
		return fmt.Errorf("failed to delete authorization code: %w", err)
	}
	return nil
}

func decodeAuthorizationCode(raw string) (*AuthorizationCode, error) {
	var code AuthorizationCode
	if err := json.Unmarshal([]byte(raw), &code); err != nil {
		return nil, fmt.Errorf("failed to unmarshal authorization code: %w", err)
	}
	return &code, nil
}

// -----------------------
// Refresh tokens
// -----------------------

// SaveRefreshToken stores a refresh token and indexes it by request ID.
func (s *RedisStorage) SaveRefreshToken(ctx context.Context, token *RefreshToken) error {
	if token == nil {
		return fosite.ErrInvalidRequest.WithHint("refresh token cannot be nil")
	}
	if token.Signature == "" {
		return fosite.ErrInvalidRequest.WithHint("refresh token signature cannot be empty")
	}

	var ttl time.Duration
	if token.ExpiresAt != nil {
		ttl = time.Until(*token.ExpiresAt)
		if ttl <= 0 {
			logger.Debugw("not storing already expired refresh token")
			return nil
		}
	}

	data, err := json.Marshal(token)
	if err != nil {
		return fmt.Errorf("failed to marshal refresh token: %w", err)
	}

	key := redisKey(s.keyPrefix, KeyTypeRefreshToken, token.Signature)
	ok, err := s.client.SetNX(ctx, key, data, ttl).Result()
	if err != nil {
		return fmt.Errorf("failed to store refresh token: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: refresh token already exists", ErrAlreadyExists)
	}

	if token.RequestID != "" {
		idx := redisKey(s.keyPrefix, KeyTypeRefreshByRequest, token.RequestID)
		if err := s.client.SAdd(ctx, idx, token.Signature).Err(); err != nil {
			return fmt.Errorf("failed to index refresh token: %w", err)
		}
	}
	return nil
}

// GetRefreshToken retrieves a refresh token by signature.
func (s *RedisStorage) GetRefreshToken(ctx context.Context, signature string) (*RefreshToken, error) {
	data, err := s.client.Get(ctx, redisKey(s.keyPrefix, KeyTypeRefreshToken, signature)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			logger.Debugw("refresh token not found")
			return nil, notFound("Refresh token not found")
		}
		return nil, fmt.Errorf("failed to get refresh token: %w", err)
	}

	var token RefreshToken
	if err := json.Unmarshal(data, &token); err != nil {
		return nil, fmt.Errorf("failed to unmarshal refresh token: %w", err)
	}
	if token.IsExpired(time.Now()) {
		return nil, notFound("Refresh token not found")
	}
	return &token, nil
}

// DeleteRefreshToken removes a refresh token.
func (s *RedisStorage) DeleteRefreshToken(ctx context.Context, signature string) error {
	if err := s.client.Del(ctx, redisKey(s.keyPrefix, KeyTypeRefreshToken, signature)).Err(); err != nil {
		return fmt.Errorf("failed to delete refresh token: %w", err)
	}
	return nil
}

// DeleteRefreshTokensByRequestID removes every refresh token indexed under requestID.
func (s *RedisStorage) DeleteRefreshTokensByRequestID(ctx context.Context, requestID string) error {
	idx := redisKey(s.keyPrefix, KeyTypeRefreshByRequest, requestID)
	sigs, err := s.client.SMembers(ctx, idx).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("failed to list refresh tokens: %w", err)
	}

	keys := make([]string, 0, len(sigs)+1)
	for _, sig := range sigs {
		keys = append(keys, redisKey(s.keyPrefix, KeyTypeRefreshToken, sig))
	}
	keys = append(keys, idx)

	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("failed to delete refresh tokens: %w", err)
	}
	return nil
}

// -----------------------
// Pending authorizations
// -----------------------

// StorePendingAuthorization stores a pending authorization keyed by the inner state.
func (s *RedisStorage) StorePendingAuthorization(ctx context.Context, state string, pending *PendingAuthorization) error {
	if state == "" {
		return fosite.ErrInvalidRequest.WithHint("state cannot be empty")
	}
	if pending == nil {
		return fosite.ErrInvalidRequest.WithHint("pending authorization cannot be nil")
	}

	now := time.Now()
	stored := pending.clone()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	if stored.ExpiresAt.IsZero() {
		stored.ExpiresAt = now.Add(DefaultPendingAuthorizationTTL)
	}

	data, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("failed to marshal pending authorization: %w", err)
	}

	ttl := time.Until(stored.ExpiresAt.Add(DefaultExpiredRetention))
	if ttl <= 0 {
		return nil
	}
	if err := s.client.Set(ctx, redisKey(s.keyPrefix, KeyTypePending, state), data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to store pending authorization: %w", err)
	}
	return nil
}

// ConsumePendingAuthorization reads and deletes a pending authorization with GETDEL.
func (s *RedisStorage) ConsumePendingAuthorization(ctx context.Context, state string) (*PendingAuthorization, error) {
	data, err := s.client.GetDel(ctx, redisKey(s.keyPrefix, KeyTypePending, state)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			logger.Debugw("pending authorization not found")
			return nil, fmt.Errorf("%w: pending authorization not found", ErrNotFound)
		}
		return nil, fmt.Errorf("failed to consume pending authorization: %w", err)
	}

	var pending PendingAuthorization
	if err := json.Unmarshal(data, &pending); err != nil {
		return nil, fmt.Errorf("failed to unmarshal pending authorization: %w", err)
	}
	if pending.IsExpired(time.Now()) {
		logger.Debugw("pending authorization expired")
		return &pending, ErrExpired
	}
	return &pending, nil
}

// -----------------------
// Upstream tokens
// -----------------------

// StoreUpstreamToken stores an upstream token and adds it to its user index.
func (s *RedisStorage) StoreUpstreamToken(ctx context.Context, token *UpstreamToken) error {
	if token == nil {
		return fosite.ErrInvalidRequest.WithHint("upstream token cannot be nil")
	}
	if token.ID == "" {
		return fosite.ErrInvalidRequest.WithHint("upstream token ID cannot be empty")
	}

	stored := token.clone()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now()
	}
	data, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("failed to marshal upstream token: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, redisKey(s.keyPrefix, KeyTypeUpstream, token.ID), data, 0)
	pipe.SAdd(ctx, upstreamIndexKey(s.keyPrefix, token.ProjectID, token.ProviderID, token.UserID), token.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to store upstream token: %w", err)
	}
	return nil
}

// ListUpstreamTokens returns a user's upstream tokens for one provider, oldest first.
// Index entries whose token is gone are skipped.
func (s *RedisStorage) ListUpstreamTokens(
	ctx context.Context, projectID, providerID, userID string,
) ([]*UpstreamToken, error) {
	ids, err := s.client.SMembers(ctx, upstreamIndexKey(s.keyPrefix, projectID, providerID, userID)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to list upstream tokens: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = redisKey(s.keyPrefix, KeyTypeUpstream, id)
	}
	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get upstream tokens: %w", err)
	}

	out := make([]*UpstreamToken, 0, len(vals))
	for _, v := range vals {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var t UpstreamToken
		if err := json.Unmarshal([]byte(raw), &t); err != nil {
			return nil, fmt.Errorf("failed to unmarshal upstream token: %w", err)
		}
		out = append(out, &t)
	}
	sortUpstreamTokens(out)
	return out, nil
}

// DeleteUpstreamToken removes an upstream token and its index entry.
func (s *RedisStorage) DeleteUpstreamToken(ctx context.Context, id string) error {
	key := redisKey(s.keyPrefix, KeyTypeUpstream, id)
	data, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return fmt.Errorf("%w: upstream token not found", ErrNotFound)
		}
		return fmt.Errorf("failed to get upstream token: %w", err)
	}
	var t UpstreamToken
	if err := json.Unmarshal(data, &t); err != nil {
		return fmt.Errorf("failed to unmarshal upstream token: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, key)
	pipe.SRem(ctx, upstreamIndexKey(s.keyPrefix, t.ProjectID, t.ProviderID, t.UserID), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to delete upstream token: %w", err)
	}
	return nil
}

var _ Storage = (*RedisStorage)(nil)
