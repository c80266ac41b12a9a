package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"signalrelay/internal/message"
)

// DeliveryEntry is the value stored per message in the delivery hash.
type DeliveryEntry struct {
	Status message.Status `json:"status"`
	Detail string         `json:"detail,omitempty"`
	At     time.Time      `json:"at"`
}

// RedisMirror keeps the processed id set and delivery outcomes in Redis so
// several hosts can share them.
type RedisMirror struct {
	client *redis.Client
	prefix string
}

// NewRedisMirror connects to url and verifies the server answers.
func NewRedisMirror(ctx context.Context, url, prefix string) (*RedisMirror, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewRedisMirrorWithClient(client, prefix), nil
}

// NewRedisMirrorWithClient wraps an existing client.
func NewRedisMirrorWithClient(client *redis.Client, prefix string) *RedisMirror {
	if prefix == "" {
		prefix = "signalrelay"
	}
	return &RedisMirror{client: client, prefix: prefix}
}

// Name identifies the mirror in logs.
func (m *RedisMirror) Name() string { return "redis" }

// Close releases the client.
func (m *RedisMirror) Close() error {
	return m.client.Close()
}

func (m *RedisMirror) processedKey() string { return m.prefix + ":processed" }
func (m *RedisMirror) deliveryKey() string  { return m.prefix + ":delivery" }

// ProcessedIDs returns every id in the processed set.
func (m *RedisMirror) ProcessedIDs(ctx context.Context) ([]string, error) {
	ids, err := m.client.SMembers(ctx, m.processedKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("read processed set: %w", err)
	}
	return ids, nil
}

// RecordProcessed adds the signal ids to the processed set.
func (m *RedisMirror) RecordProcessed(ctx context.Context, signals []message.CanonicalSignal) error {
	if len(signals) == 0 {
		return nil
	}
	members := make([]interface{}, 0, len(signals))
	for _, sig := range signals {
		members = append(members, sig.ID)
	}
	if err := m.client.SAdd(ctx, m.processedKey(), members...).Err(); err != nil {
		return fmt.Errorf("add processed ids: %w", err)
	}
	return nil
}

// RecordDelivery stores the outcome under the message id.
func (m *RedisMirror) RecordDelivery(ctx context.Context, sig message.CanonicalSignal, detail string) error {
	payload, err := json.Marshal(DeliveryEntry{Status: sig.Status, Detail: detail, At: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("encode delivery entry: %w", err)
	}
	if err := m.client.HSet(ctx, m.deliveryKey(), sig.ID, payload).Err(); err != nil {
		return fmt.Errorf("record delivery: %w", err)
	}
	return nil
}

// Delivery returns the stored outcome for id, if any.
func (m *RedisMirror) Delivery(ctx context.Context, id string) (DeliveryEntry, bool, error) {
	raw, err := m.client.HGet(ctx, m.deliveryKey(), id).Bytes()
	if err == redis.Nil {
		return DeliveryEntry{}, false, nil
	}
	if err != nil {
		return DeliveryEntry{}, false, fmt.Errorf("read delivery entry: %w", err)
	}
	var entry DeliveryEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return DeliveryEntry{}, false, fmt.Errorf("decode delivery entry: %w", err)
	}
	return entry, true, nil
}
