// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"fmt"
)

// DefaultRedisKeyPrefix namespaces authorization server keys in a shared Redis.
const DefaultRedisKeyPrefix = "stack:auth:"

// New creates a Storage implementation based on config.
// If config is nil, defaults to in-memory storage.
func New(ctx context.Context, config *Config) (Storage, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	switch config.Type {
	case TypeMemory, "":
		return NewMemoryStorage(), nil

	case TypeRedis:
		redisCfg := *config.Redis
		if redisCfg.KeyPrefix == "" {
			redisCfg.KeyPrefix = DefaultRedisKeyPrefix
		}
		return NewRedisStorage(ctx, redisCfg)

	default:
		return nil, fmt.Errorf("unknown storage type: %s", config.Type)
	}
}
