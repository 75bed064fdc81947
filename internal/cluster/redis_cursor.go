// ABOUTME: Redis-backed SharedCursor storing a versioned JSON position document
// ABOUTME: Compare-and-swap goes through a narrow RedisClient interface

// Package cluster shares the rotation cursor between leadrouter replicas via Redis.
package cluster

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/2389/leadrouter/internal/distribution"
	"github.com/2389/leadrouter/internal/rotation"
)

// ErrKeyMissing is returned by RedisClient.Get when the key does not exist.
var ErrKeyMissing = errors.New("key missing")

// RedisClient abstracts the Redis operations needed by RedisCursor.
// This allows a real go-redis client or a mock to be used interchangeably.
type RedisClient interface {
	// Get returns the value of key, or ErrKeyMissing.
	Get(ctx context.Context, key string) (string, error)
	// SwapIfVersion atomically replaces the cursor document at key with value
	// if the stored document's version equals expected (0 when absent).
	SwapIfVersion(ctx context.Context, key string, expected int64, value string) (bool, error)
	// Ping checks connectivity.
	Ping(ctx context.Context) error
	// Close shuts down the client.
	Close() error
}

// cursorDoc is the JSON document stored at the cursor key.
type cursorDoc struct {
	Version  int64             `json:"version"`
	Position rotation.Position `json:"position"`
}

// RedisCursor is a distribution.SharedCursor stored as one Redis key.
type RedisCursor struct {
	client RedisClient
	key    string
	logger *slog.Logger
}

var _ distribution.SharedCursor = (*RedisCursor)(nil)

// NewRedisCursor creates a RedisCursor on key.
func NewRedisCursor(client RedisClient, key string, logger *slog.Logger) *RedisCursor {
	return &RedisCursor{
		client: client,
		key:    key,
		logger: logger.With("component", "redis-cursor"),
	}
}

// Load reads the cursor document. A missing key is the Empty cursor at version 0.
func (r *RedisCursor) Load(ctx context.Context) (rotation.Position, int64, error) {
	raw, err := r.client.Get(ctx, r.key)
	if errors.Is(err, ErrKeyMissing) {
		return rotation.EmptyPosition(), 0, nil
	}
	if err != nil {
		return rotation.Position{}, 0, fmt.Errorf("reading cursor %s: %w", r.key, err)
	}

	var doc cursorDoc
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return rotation.Position{}, 0, fmt.Errorf("decoding cursor %s: %w", r.key, err)
	}
	doc.Position = doc.Position.Normalize()
	return doc.Position, doc.Version, nil
}

// Swap stores pos if the document is still at version expected.
func (r *RedisCursor) Swap(ctx context.Context, pos rotation.Position, expected int64) (bool, error) {
	data, err := json.Marshal(cursorDoc{Version: expected + 1, Position: pos})
	if err != nil {
		return false, fmt.Errorf("encoding cursor: %w", err)
	}

	ok, err := r.client.SwapIfVersion(ctx, r.key, expected, string(data))
	if err != nil {
		return false, fmt.Errorf("swapping cursor %s: %w", r.key, err)
	}
	if !ok {
		r.logger.Debug("cursor version moved", "key", r.key, "expected", expected)
	}
	return ok, nil
}

// Ping checks that Redis is reachable.
func (r *RedisCursor) Ping(ctx context.Context) error {
	return r.client.Ping(ctx)
}

// Close closes the underlying client.
func (r *RedisCursor) Close() error {
	return r.client.Close()
}
