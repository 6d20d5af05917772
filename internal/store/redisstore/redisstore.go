// Package redisstore backs store.KV with Redis, grounded on
// flashbots-mev-share-node/adapters/redis's thin go-redis wrapper style.
// Optimistic CAS is implemented with WATCH/MULTI (redis.Client.Watch)
// around a value+version pair stored as a single hash, and the pub/sub
// hint uses Redis PUBLISH/SUBSCRIBE directly.
package redisstore

import (
	"context"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/omnirelay/bounty-relayer/internal/store"
)

const (
	fieldValue   = "value"
	fieldVersion = "version"
	pubsubChannel = "relaystate-changes"
)

// Store implements store.KV over a *redis.Client.
type Store struct {
	client *redis.Client
}

func New(client *redis.Client) *Store {
	return &Store{client: client}
}

func (s *Store) Get(ctx context.Context, key string) (store.Entry, error) {
	res, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return store.Entry{}, err
	}
	if len(res) == 0 {
		return store.Entry{}, store.ErrNotFound
	}
	version, err := strconv.ParseInt(res[fieldVersion], 10, 64)
	if err != nil {
		return store.Entry{}, err
	}
	return store.Entry{Value: []byte(res[fieldValue]), Version: version}, nil
}

// SetIfVersion performs an optimistic compare-and-set using WATCH/MULTI:
// the version field is re-checked inside the transaction and the write is
// discarded (redis.TxFailedErr) if another writer raced us, surfaced as
// store.ErrVersionConflict, matching the documented read-modify-write
// contract of the KV interface.
func (s *Store) SetIfVersion(ctx context.Context, key string, expectedVersion int64, value []byte) (int64, error) {
	newVersion := expectedVersion + 1

	txf := func(tx *redis.Tx) error {
		current, err := tx.HGet(ctx, key, fieldVersion).Int64()
		if err != nil && err != redis.Nil {
			return err
		}
		if err == redis.Nil {
			current = 0
		}
		if current != expectedVersion {
			return store.ErrVersionConflict
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, fieldValue, value, fieldVersion, newVersion)
			pipe.Publish(ctx, pubsubChannel, key)
			return nil
		})
		return err
	}

	err := s.client.Watch(ctx, txf, key)
	if err == redis.TxFailedErr {
		return 0, store.ErrVersionConflict
	}
	if err != nil {
		return 0, err
	}
	return newVersion, nil
}

func (s *Store) Push(ctx context.Context, queueKey string, member string) error {
	return s.client.RPush(ctx, queueKey, member).Err()
}

func (s *Store) PopN(ctx context.Context, queueKey string, n int) ([]string, error) {
	out := make([]string, 0, n)
	for i := 0; i < n; i++ {
		v, err := s.client.LPop(ctx, queueKey).Result()
		if err == redis.Nil {
			break
		}
		if err != nil {
			return out, err
		}
		out = append(out, v)
	}
	return out, nil
}

// Subscribe relays raw key names published on pubsubChannel that match
// keyPrefix. This is a hint only; a missed message never
// blocks correctness because every component also polls the Store
// directly.
func (s *Store) Subscribe(ctx context.Context, keyPrefix string) (<-chan string, error) {
	sub := s.client.Subscribe(ctx, pubsubChannel)
	out := make(chan string, 32)

	go func() {
		defer close(out)
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				if len(msg.Payload) >= len(keyPrefix) && msg.Payload[:len(keyPrefix)] == keyPrefix {
					select {
					case out <- msg.Payload:
					default:
					}
				}
			}
		}
	}()

	return out, nil
}
