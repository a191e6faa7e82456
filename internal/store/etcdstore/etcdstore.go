// Package etcdstore implements internal/store.KV on top of an etcd
// cluster, the primary durable backend for multi-node deployments of the
// dispatch engine.
//
// Grounded on estuary-flow's and kedacore-keda's use of
// go.etcd.io/etcd/client/v3 for coordination and durable configuration
// storage (both list it directly in go.mod); here it plays the role spec
// §6.5 calls "a durable key-value store" for User rows and the Reservation
// journal.
package etcdstore

import (
	"context"
	"fmt"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
)

// Store is a store.KV backed by etcd.
type Store struct {
	client    *clientv3.Client
	keyPrefix string
	opTimeout time.Duration
}

// Config configures the etcd connection.
type Config struct {
	Endpoints   []string
	DialTimeout time.Duration
	OpTimeout   time.Duration
	// KeyPrefix namespaces all keys written by this Store (e.g.
	// "/dejavu-dispatch/"), so multiple applications can share a cluster.
	KeyPrefix string
}

// New dials an etcd cluster and returns a Store.
func New(cfg Config) (*Store, error) {
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	if cfg.OpTimeout == 0 {
		cfg.OpTimeout = 3 * time.Second
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "/dejavu-dispatch/"
	}

	client, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("etcdstore: dial: %w", err)
	}

	return &Store{client: client, keyPrefix: cfg.KeyPrefix, opTimeout: cfg.OpTimeout}, nil
}

func (s *Store) fullKey(key string) string {
	return s.keyPrefix + key
}

// Get implements store.KV.
func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	resp, err := s.client.Get(ctx, s.fullKey(key))
	if err != nil {
		return nil, false, fmt.Errorf("etcdstore: get %q: %w", key, err)
	}
	if len(resp.Kvs) == 0 {
		return nil, false, nil
	}
	return resp.Kvs[0].Value, true, nil
}

// Put implements store.KV.
func (s *Store) Put(ctx context.Context, key string, value []byte) error {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	if _, err := s.client.Put(ctx, s.fullKey(key), string(value)); err != nil {
		return fmt.Errorf("etcdstore: put %q: %w", key, err)
	}
	return nil
}

// Close implements store.KV.
func (s *Store) Close() error {
	return s.client.Close()
}
