// Copyright 2025 Codelens Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");

package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// FailOpen wraps a Store so backend failures degrade to cache misses
// instead of failing the item. The cache must never block execution.
type FailOpen struct {
	inner  Store
	logger zerolog.Logger
}

// NewFailOpen wraps the given store.
func NewFailOpen(inner Store) *FailOpen {
	return &FailOpen{
		inner:  inner,
		logger: log.With().Str("component", "cache").Logger(),
	}
}

// Get treats any backend error as a miss.
func (f *FailOpen) Get(ctx context.Context, fingerprint string) (json.RawMessage, bool, error) {
	value, ok, err := f.inner.Get(ctx, fingerprint)
	if err != nil {
		f.logger.Warn().Err(err).Str("fingerprint", fingerprint).Msg("Cache read failed, treating as miss")
		return nil, false, nil
	}
	return value, ok, nil
}

// Put swallows backend errors; a lost write only costs a recomputation.
func (f *FailOpen) Put(ctx context.Context, fingerprint string, value json.RawMessage, ttl time.Duration) error {
	if err := f.inner.Put(ctx, fingerprint, value, ttl); err != nil {
		f.logger.Warn().Err(err).Str("fingerprint", fingerprint).Msg("Cache write failed, continuing without caching")
	}
	return nil
}
