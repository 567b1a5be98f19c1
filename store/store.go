/*************************************************************************
 * Copyright 2025 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package store is the durable layer under the alert manager, the baseline
// worker, and the policy engine.  It is a single bolt database with one
// top level bucket per record family and a nested bucket per tenant, so
// every scan is naturally tenant scoped.
package store

import (
	"encoding/binary"
	"errors"
	"os"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	BucketAlerts     = `alerts`
	BucketBaselines  = `baselines`
	BucketWhitelists = `whitelists`
	BucketEvents     = `events`
	BucketDeadLetter = `deadletter`
)

var (
	ErrNotFound   = errors.New("not found")
	ErrNotOpen    = errors.New("store is not open")
	ErrBadBucket  = errors.New("unknown bucket")
	ErrLockFailed = errors.New("failed to acquire store lock, file is held by another process")

	buckets = []string{BucketAlerts, BucketBaselines, BucketWhitelists, BucketEvents, BucketDeadLetter}

	dbTimeout  = 100 * time.Millisecond
	dbOpenMode os.FileMode = 0660
)

type Store struct {
	db *bolt.DB
}

// Open opens or creates the bolt database at path and ensures the record
// family buckets exist.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, dbOpenMode, &bolt.Options{Timeout: dbTimeout})
	if err != nil {
		if err == bolt.ErrTimeout {
			return nil, ErrLockFailed
		}
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range buckets {
			if _, err := tx.CreateBucketIfNotExists([]byte(b)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return ErrNotOpen
	}
	return s.db.Close()
}

func validBucket(name string) bool {
	for _, b := range buckets {
		if b == name {
			return true
		}
	}
	return false
}

func tenantBucket(tx *bolt.Tx, bucket, tenant string, create bool) (*bolt.Bucket, error) {
	top := tx.Bucket([]byte(bucket))
	if top == nil {
		return nil, ErrBadBucket
	}
	if create {
		return top.CreateBucketIfNotExists([]byte(tenant))
	}
	b := top.Bucket([]byte(tenant))
	if b == nil {
		return nil, ErrNotFound
	}
	return b, nil
}

// Put stores val under (bucket, tenant, key).
func (s *Store) Put(bucket, tenant string, key, val []byte) error {
	if s == nil || s.db == nil {
		return ErrNotOpen
	} else if !validBucket(bucket) {
		return ErrBadBucket
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tenantBucket(tx, bucket, tenant, true)
		if err != nil {
			return err
		}
		return b.Put(key, val)
	})
}

// Get fetches the value at (bucket, tenant, key), ErrNotFound when absent.
func (s *Store) Get(bucket, tenant string, key []byte) (val []byte, err error) {
	if s == nil || s.db == nil {
		return nil, ErrNotOpen
	} else if !validBucket(bucket) {
		return nil, ErrBadBucket
	}
	err = s.db.View(func(tx *bolt.Tx) error {
		b, err := tenantBucket(tx, bucket, tenant, false)
		if err != nil {
			return err
		}
		v := b.Get(key)
		if v == nil {
			return ErrNotFound
		}
		val = append([]byte(nil), v...)
		return nil
	})
	return
}

// Delete removes the key, deleting an absent key is not an error.
func (s *Store) Delete(bucket, tenant string, key []byte) error {
	if s == nil || s.db == nil {
		return ErrNotOpen
	} else if !validBucket(bucket) {
		return ErrBadBucket
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tenantBucket(tx, bucket, tenant, false)
		if err == ErrNotFound {
			return nil
		} else if err != nil {
			return err
		}
		return b.Delete(key)
	})
}

// Scan walks every (key, value) pair for a tenant in key order.  Returning
// a non-nil error from fn stops the walk and surfaces the error.
func (s *Store) Scan(bucket, tenant string, fn func(k, v []byte) error) error {
	if s == nil || s.db == nil {
		return ErrNotOpen
	} else if !validBucket(bucket) {
		return ErrBadBucket
	}
	return s.db.View(func(tx *bolt.Tx) error {
		b, err := tenantBucket(tx, bucket, tenant, false)
		if err == ErrNotFound {
			return nil
		} else if err != nil {
			return err
		}
		return b.ForEach(fn)
	})
}

// Append stores val under a monotonically increasing key prefixed with the
// timestamp, so time range scans are cheap.  Used for the event archive and
// the dead letter log.
func (s *Store) Append(bucket, tenant string, ts time.Time, val []byte) error {
	if s == nil || s.db == nil {
		return ErrNotOpen
	} else if !validBucket(bucket) {
		return ErrBadBucket
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tenantBucket(tx, bucket, tenant, true)
		if err != nil {
			return err
		}
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		key := make([]byte, 16)
		binary.BigEndian.PutUint64(key, uint64(ts.UnixNano()))
		binary.BigEndian.PutUint64(key[8:], seq)
		return b.Put(key, val)
	})
}

// ScanRange walks appended records with timestamps in [from, to).
func (s *Store) ScanRange(bucket, tenant string, from, to time.Time, fn func(ts time.Time, v []byte) error) error {
	if s == nil || s.db == nil {
		return ErrNotOpen
	} else if !validBucket(bucket) {
		return ErrBadBucket
	}
	min := make([]byte, 8)
	binary.BigEndian.PutUint64(min, uint64(from.UnixNano()))
	maxNano := uint64(to.UnixNano())
	return s.db.View(func(tx *bolt.Tx) error {
		b, err := tenantBucket(tx, bucket, tenant, false)
		if err == ErrNotFound {
			return nil
		} else if err != nil {
			return err
		}
		c := b.Cursor()
		for k, v := c.Seek(min); k != nil; k, v = c.Next() {
			if len(k) < 8 {
				continue
			}
			nano := binary.BigEndian.Uint64(k)
			if nano >= maxNano {
				break
			}
			if err := fn(time.Unix(0, int64(nano)), v); err != nil {
				return err
			}
		}
		return nil
	})
}

// Prune drops appended records older than cutoff for every tenant in the
// bucket, returning the count removed.  The weekly maintenance pass uses
// this to enforce retention.
func (s *Store) Prune(bucket string, cutoff time.Time) (removed int, err error) {
	if s == nil || s.db == nil {
		return 0, ErrNotOpen
	} else if !validBucket(bucket) {
		return 0, ErrBadBucket
	}
	limit := make([]byte, 8)
	binary.BigEndian.PutUint64(limit, uint64(cutoff.UnixNano()))
	err = s.db.Update(func(tx *bolt.Tx) error {
		top := tx.Bucket([]byte(bucket))
		if top == nil {
			return ErrBadBucket
		}
		return top.ForEachBucket(func(tenant []byte) error {
			b := top.Bucket(tenant)
			if b == nil {
				return nil
			}
			c := b.Cursor()
			var victims [][]byte
			for k, _ := c.First(); k != nil; k, _ = c.Next() {
				if len(k) >= 8 && string(k[:8]) >= string(limit) {
					break
				}
				victims = append(victims, append([]byte(nil), k...))
			}
			for _, k := range victims {
				if err := b.Delete(k); err != nil {
					return err
				}
			}
			removed += len(victims)
			return nil
		})
	})
	return
}

// Tenants lists the tenant sub-buckets present in a record family.
func (s *Store) Tenants(bucket string) (tenants []string, err error) {
	if s == nil || s.db == nil {
		return nil, ErrNotOpen
	} else if !validBucket(bucket) {
		return nil, ErrBadBucket
	}
	err = s.db.View(func(tx *bolt.Tx) error {
		top := tx.Bucket([]byte(bucket))
		if top == nil {
			return ErrBadBucket
		}
		return top.ForEachBucket(func(name []byte) error {
			tenants = append(tenants, string(name))
			return nil
		})
	})
	return
}
