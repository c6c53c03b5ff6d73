package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig configures a RedisStore.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// RedisStore keeps one hash per batch with one field per chunk, so every
// chunk write is a single HSET.
type RedisStore struct {
	client *redis.Client
	prefix string
}

var _ Store = (*RedisStore)(nil)

// OpenRedis connects to Redis and verifies the connection.
func OpenRedis(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	if cfg.Addr == "" {
		cfg.Addr = "localhost:6379"
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "narrator"
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Addr, err)
	}
	return &RedisStore{client: client, prefix: cfg.Prefix}, nil
}

func (r *RedisStore) chunksKey(batchID string) string {
	return fmt.Sprintf("%s:batch:%s:chunks", r.prefix, batchID)
}

func (r *RedisStore) batchKey(bookID string) string {
	return fmt.Sprintf("%s:batch:%s", r.prefix, bookID)
}

func (r *RedisStore) indexKey() string {
	return r.prefix + ":batches"
}

func (r *RedisStore) GetChunk(ctx context.Context, batchID, chunkID string) (*ChunkState, error) {
	data, err := r.client.HGet(ctx, r.chunksKey(batchID), chunkID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get chunk %s from redis: %w", chunkID, err)
	}
	var cs ChunkState
	if err := json.Unmarshal(data, &cs); err != nil {
		return nil, fmt.Errorf("failed to decode chunk %s: %w", chunkID, err)
	}
	return &cs, nil
}

func (r *RedisStore) PutChunk(ctx context.Context, cs *ChunkState) error {
	cs.UpdatedAt = time.Now().UTC()
	data, err := json.Marshal(cs)
	if err != nil {
		return fmt.Errorf("failed to encode chunk: %w", err)
	}
	if err := r.client.HSet(ctx, r.chunksKey(cs.BatchID), cs.ChunkID, data).Err(); err != nil {
		return fmt.Errorf("failed to put chunk %s to redis: %w", cs.ChunkID, err)
	}
	return nil
}

func (r *RedisStore) ListChunks(ctx context.Context, batchID string, statuses ...ChunkStatus) ([]ChunkState, error) {
	all, err := r.client.HGetAll(ctx, r.chunksKey(batchID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list chunks from redis: %w", err)
	}
	want := statusSet(statuses)
	out := make([]ChunkState, 0, len(all))
	for id, data := range all {
		var cs ChunkState
		if err := json.Unmarshal([]byte(data), &cs); err != nil {
			return nil, fmt.Errorf("failed to decode chunk %s: %w", id, err)
		}
		if want != nil && !want[cs.Status] {
			continue
		}
		out = append(out, cs)
	}
	sortChunks(out)
	return out, nil
}

func (r *RedisStore) PruneChunks(ctx context.Context, batchID string, keep []string) (int, error) {
	ids, err := r.client.HKeys(ctx, r.chunksKey(batchID)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to list chunk ids from redis: %w", err)
	}
	keepSet := make(map[string]bool, len(keep))
	for _, id := range keep {
		keepSet[id] = true
	}
	var stale []string
	for _, id := range ids {
		if !keepSet[id] {
			stale = append(stale, id)
		}
	}
	if len(stale) == 0 {
		return 0, nil
	}
	n, err := r.client.HDel(ctx, r.chunksKey(batchID), stale...).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to prune chunks in redis: %w", err)
	}
	return int(n), nil
}

func (r *RedisStore) GetBatch(ctx context.Context, bookID string) (*BatchRecord, error) {
	data, err := r.client.Get(ctx, r.batchKey(bookID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get batch %s from redis: %w", bookID, err)
	}
	var b BatchRecord
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("failed to decode batch %s: %w", bookID, err)
	}
	return &b, nil
}

func (r *RedisStore) PutBatch(ctx context.Context, b *BatchRecord) error {
	now := time.Now().UTC()
	if b.CreatedAt.IsZero() {
		b.CreatedAt = now
	}
	b.UpdatedAt = now
	data, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("failed to encode batch: %w", err)
	}

	pipe := r.client.TxPipeline()
	pipe.Set(ctx, r.batchKey(b.BookID), data, 0)
	pipe.SAdd(ctx, r.indexKey(), b.BookID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to put batch %s to redis: %w", b.BookID, err)
	}
	return nil
}

func (r *RedisStore) ListBatches(ctx context.Context) ([]BatchRecord, error) {
	ids, err := r.client.SMembers(ctx, r.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list batches from redis: %w", err)
	}
	sort.Strings(ids)
	out := make([]BatchRecord, 0, len(ids))
	for _, id := range ids {
		b, err := r.GetBatch(ctx, id)
		if err != nil {
			return nil, err
		}
		if b != nil {
			out = append(out, *b)
		}
	}
	return out, nil
}

func (r *RedisStore) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close closes the client.
func (r *RedisStore) Close() error {
	return r.client.Close()
}
