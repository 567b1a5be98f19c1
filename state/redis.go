/*************************************************************************
 * Copyright 2025 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package state

import (
	"bytes"
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore backs the substrate with Redis so that multiple vigil
// processes share window state.  Windows are sorted sets scored by unix
// nanoseconds, counters and values are plain keys with TTLs.
type RedisStore struct {
	cl     *redis.Client
	prefix string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	if cfg.Prefix == `` {
		cfg.Prefix = `vigil:`
	}
	cl := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := cl.Ping(context.Background()).Err(); err != nil {
		cl.Close()
		return nil, err
	}
	return &RedisStore{cl: cl, prefix: cfg.Prefix}, nil
}

func (r *RedisStore) key(k string) string {
	return r.prefix + k
}

func (r *RedisStore) WindowAdd(ctx context.Context, key, member string, ts time.Time, window time.Duration) (n int, err error) {
	if key == `` {
		return 0, ErrEmptyKey
	}
	k := r.key(key)
	pipe := r.cl.TxPipeline()
	pipe.ZAdd(ctx, k, redis.Z{Score: float64(ts.UnixNano()), Member: member})
	// strictly-less-than eviction, an entry exactly window old survives
	cutoff := ts.Add(-window).UnixNano()
	pipe.ZRemRangeByScore(ctx, k, `-inf`, `(`+strconv.FormatInt(cutoff, 10))
	card := pipe.ZCard(ctx, k)
	pipe.Expire(ctx, k, window+time.Minute)
	if _, err = pipe.Exec(ctx); err != nil {
		return
	}
	n = int(card.Val())
	return
}

func (r *RedisStore) WindowMembers(ctx context.Context, key string, since time.Time) (ms []Member, err error) {
	var zs []redis.Z
	zs, err = r.cl.ZRangeByScoreWithScores(ctx, r.key(key), &redis.ZRangeBy{
		Min: strconv.FormatInt(since.UnixNano(), 10),
		Max: `+inf`,
	}).Result()
	if err != nil {
		return
	}
	for _, z := range zs {
		s, ok := z.Member.(string)
		if !ok {
			continue
		}
		ms = append(ms, Member{Value: s, At: time.Unix(0, int64(z.Score))})
	}
	return
}

func (r *RedisStore) Delete(ctx context.Context, key string) error {
	return r.cl.Del(ctx, r.key(key)).Err()
}

func (r *RedisStore) Incr(ctx context.Context, key string, ttl time.Duration) (n int64, err error) {
	k := r.key(key)
	if n, err = r.cl.Incr(ctx, k).Result(); err != nil {
		return
	}
	if n == 1 && ttl > 0 {
		err = r.cl.Expire(ctx, k, ttl).Err()
	}
	return
}

func (r *RedisStore) Counter(ctx context.Context, key string) (int64, error) {
	v, err := r.cl.Get(ctx, r.key(key)).Result()
	if err == redis.Nil {
		return 0, nil
	} else if err != nil {
		return 0, err
	}
	return strconv.ParseInt(v, 10, 64)
}

func (r *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	b, err := r.cl.Get(ctx, r.key(key)).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	return b, err
}

func (r *RedisStore) Set(ctx context.Context, key string, val []byte, ttl time.Duration) error {
	if key == `` {
		return ErrEmptyKey
	}
	return r.cl.Set(ctx, r.key(key), val, ttl).Err()
}

func (r *RedisStore) CompareAndSwap(ctx context.Context, key string, old, val []byte, ttl time.Duration) error {
	if key == `` {
		return ErrEmptyKey
	}
	k := r.key(key)
	txf := func(tx *redis.Tx) error {
		cur, err := tx.Get(ctx, k).Bytes()
		if err == redis.Nil {
			cur = nil
		} else if err != nil {
			return err
		}
		if !bytes.Equal(cur, old) {
			return ErrCASConflict
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, k, val, ttl)
			return nil
		})
		return err
	}
	err := r.cl.Watch(ctx, txf, k)
	if err == redis.TxFailedErr {
		// somebody raced the watch, surface it as a CAS conflict so the
		// retry loop in Update handles it
		err = ErrCASConflict
	}
	return err
}

func (r *RedisStore) Close() error {
	return r.cl.Close()
}
