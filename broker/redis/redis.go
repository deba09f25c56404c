// Package redis provides a broker.Broker backed by Redis Streams, one stream
// per session namespace.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ggoodman/capbridge-go/broker"
	"github.com/redis/go-redis/v9"
)

// Broker is a Redis Streams implementation of broker.Broker.
type Broker struct {
	client    redis.UniversalClient
	keyPrefix string
	maxLen    int64
	block     time.Duration
}

// Config contains configuration options for the Redis broker.
type Config struct {
	// Client is the Redis client to use. If nil, a client for localhost:6379 is created.
	Client redis.UniversalClient
	// KeyPrefix is prepended to every key. Defaults to "capbridge:".
	KeyPrefix string
	// MaxLen approximately bounds each stream. Defaults to 1024. As with the
	// memory broker, trimming drops the oldest entries even if no reader has
	// consumed them, and requests lost that way settle only at their deadline.
	MaxLen int64
	// Block is how long a single XREAD waits before re-checking the context.
	// Defaults to one second.
	Block time.Duration
}

// New creates a Redis-backed broker.
func New(config Config) *Broker {
	client := config.Client
	if client == nil {
		client = redis.NewClient(&redis.Options{
			Addr: "localhost:6379",
		})
	}

	keyPrefix := config.KeyPrefix
	if keyPrefix == "" {
		keyPrefix = "capbridge:"
	}
	maxLen := config.MaxLen
	if maxLen <= 0 {
		maxLen = 1024
	}
	block := config.Block
	if block <= 0 {
		block = time.Second
	}

	return &Broker{
		client:    client,
		keyPrefix: keyPrefix,
		maxLen:    maxLen,
		block:     block,
	}
}

// Ping verifies connectivity.
func (b *Broker) Ping(ctx context.Context) error {
	if err := b.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

// Close closes the Redis connection.
func (b *Broker) Close() error {
	return b.client.Close()
}

// Publish implements broker.Broker.
func (b *Broker) Publish(ctx context.Context, namespace string, data []byte) (string, error) {
	streamKey := b.streamKey(namespace)

	eventID, err := b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: streamKey,
		MaxLen: b.maxLen,
		Approx: true,
		Values: map[string]any{
			"data": data,
		},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("failed to publish message to stream %s: %w", streamKey, err)
	}

	return eventID, nil
}

// Subscribe implements broker.Broker. Cleanup of the namespace does not end
// an active subscription; callers end it through ctx.
func (b *Broker) Subscribe(ctx context.Context, namespace string, afterEventID string, handler broker.MessageHandler) error {
	streamKey := b.streamKey(namespace)

	startID := "0"
	if afterEventID != "" {
		n, err := b.client.XRange(ctx, streamKey, afterEventID, afterEventID).Result()
		if err != nil {
			return fmt.Errorf("failed to look up event %s: %w", afterEventID, err)
		}
		if len(n) == 0 {
			return broker.ErrEventNotFound
		}
		startID = afterEventID
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		streams, err := b.client.XRead(ctx, &redis.XReadArgs{
			Streams: []string{streamKey, startID},
			Count:   100,
			Block:   b.block,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("failed to read from stream %s: %w", streamKey, err)
		}

		for _, stream := range streams {
			for _, message := range stream.Messages {
				startID = message.ID

				var data []byte
				switch v := message.Values["data"].(type) {
				case string:
					data = []byte(v)
				case []byte:
					data = v
				default:
					continue
				}

				if err := handler(ctx, broker.MessageEnvelope{ID: message.ID, Data: data}); err != nil {
					return err
				}
			}
		}
	}
}

// Cleanup implements broker.Broker.
func (b *Broker) Cleanup(ctx context.Context, namespace string) error {
	streamKey := b.streamKey(namespace)

	if err := b.client.Del(ctx, streamKey).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("failed to cleanup namespace %s: %w", namespace, err)
	}

	return nil
}

func (b *Broker) streamKey(namespace string) string {
	return b.keyPrefix + "stream:" + namespace
}

var _ broker.Broker = (*Broker)(nil)
