package baseline

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"botsentry/internal/config"
)

const keyPrefix = "baseline:"

// RedisStore is a Redis-backed Store for shared deployments. Snapshots are
// JSON-serialized under "baseline:{org_id}"; compare-and-swap uses a WATCH
// transaction on the key.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a RedisStore from configuration, verifying the
// connection before returning.
func NewRedisStore(cfg config.RedisConfig) (*RedisStore, error) {
	opts := &redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolSize:     cfg.PoolSize,
	}

	if cfg.TLSEnabled {
		opts.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisStore{client: client}, nil
}

// Get returns the stored baseline for an organization.
func (s *RedisStore) Get(ctx context.Context, orgID string) (*OrganizationBaseline, error) {
	data, err := s.client.Get(ctx, keyPrefix+orgID).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("redis get: %w", err)
	}

	var snap OrganizationBaseline
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("corrupt baseline snapshot for %s: %w", orgID, err)
	}
	return &snap, nil
}

// Put stores a baseline if the current stored version matches
// expectedVersion. The update runs inside a WATCH transaction so a
// concurrent writer forces ErrVersionConflict rather than a lost update.
func (s *RedisStore) Put(ctx context.Context, snap *OrganizationBaseline, expectedVersion uint64) error {
	key := keyPrefix + snap.OrgID

	txn := func(tx *redis.Tx) error {
		currentVersion := uint64(0)
		data, err := tx.Get(ctx, key).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
			// first write
		case err != nil:
			return fmt.Errorf("redis get: %w", err)
		default:
			var current OrganizationBaseline
			if err := json.Unmarshal(data, &current); err != nil {
				return fmt.Errorf("corrupt baseline snapshot for %s: %w", snap.OrgID, err)
			}
			currentVersion = current.Version
		}

		if currentVersion != expectedVersion {
			return ErrVersionConflict
		}

		stored := snap.Clone()
		stored.Version = expectedVersion + 1
		payload, err := json.Marshal(stored)
		if err != nil {
			return fmt.Errorf("marshal baseline snapshot: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, 0)
			return nil
		})
		return err
	}

	err := s.client.Watch(ctx, txn, key)
	if errors.Is(err, redis.TxFailedErr) {
		return ErrVersionConflict
	}
	return err
}

// Close releases the underlying connection pool.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
