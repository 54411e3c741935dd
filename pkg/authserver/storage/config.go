// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"errors"
	"fmt"
	"time"
)

// Type defines the type of storage backend.
type Type string

const (
	// TypeMemory uses in-memory storage (default).
	TypeMemory Type = "memory"

	// TypeRedis uses Redis (standalone, Sentinel or Cluster).
	TypeRedis Type = "redis"
)

const (
	// DefaultCleanupInterval is how often the background cleanup runs.
	DefaultCleanupInterval = 5 * time.Minute

	// DefaultAuthCodeTTL is the default TTL for authorization codes (RFC 6749 recommendation).
	DefaultAuthCodeTTL = 10 * time.Minute

	// DefaultPendingAuthorizationTTL is how long a user has to finish the upstream login.
	DefaultPendingAuthorizationTTL = 10 * time.Minute

	// DefaultExpiredRetention is how long expired pending authorizations are kept,
	// so a late callback can be told it timed out rather than that it is unknown.
	DefaultExpiredRetention = 30 * time.Minute
)

// Config configures the storage backend.
type Config struct {
	// Type specifies the storage backend type. Defaults to memory.
	Type Type `mapstructure:"type" yaml:"type" json:"type"`

	// Redis is required when Type is redis.
	Redis *RedisConfig `mapstructure:"redis" yaml:"redis,omitempty" json:"redis,omitempty"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Type: TypeMemory,
	}
}

// Validate checks the configuration for the selected backend.
func (c *Config) Validate() error {
	switch c.Type {
	case "", TypeMemory:
		return nil
	case TypeRedis:
		if c.Redis == nil {
			return errors.New("redis configuration is required for redis storage")
		}
		return validateRedisConfig(c.Redis)
	default:
		return fmt.Errorf("unsupported storage type %q", c.Type)
	}
}
