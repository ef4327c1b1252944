package registry

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisMirror copies version metadata to Redis so other processes can see
// which model is serving.
type RedisMirror struct {
	client *redis.Client
	prefix string
}

// NewRedisMirror connects to addr and checks the connection.
func NewRedisMirror(ctx context.Context, addr string, db int) (*RedisMirror, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, DB: db})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
	}
	return &RedisMirror{client: client, prefix: "arpguard:model:"}, nil
}

func (m *RedisMirror) versionKey(id string) string { return m.prefix + id }

func (m *RedisMirror) activeKey() string { return m.prefix + "active" }

// Publish stores v under its ID and, for the active version, updates the active pointer.
func (m *RedisMirror) Publish(ctx context.Context, v Version, active bool) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal version: %w", err)
	}
	pipe := m.client.TxPipeline()
	pipe.Set(ctx, m.versionKey(v.ID), data, 0)
	if active {
		pipe.Set(ctx, m.activeKey(), v.ID, 0)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to set redis keys: %w", err)
	}
	return nil
}

// ActiveVersion reads back the mirrored active version.
func (m *RedisMirror) ActiveVersion(ctx context.Context) (Version, error) {
	id, err := m.client.Get(ctx, m.activeKey()).Result()
	if err != nil {
		return Version{}, fmt.Errorf("failed to read active version: %w", err)
	}
	data, err := m.client.Get(ctx, m.versionKey(id)).Bytes()
	if err != nil {
		return Version{}, fmt.Errorf("version %s not found in redis: %w", id, err)
	}
	var v Version
	if err := json.Unmarshal(data, &v); err != nil {
		return Version{}, fmt.Errorf("failed to unmarshal version: %w", err)
	}
	return v, nil
}

func (m *RedisMirror) Close() error {
	return m.client.Close()
}
