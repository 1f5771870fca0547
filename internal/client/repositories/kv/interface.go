// Package kv is the durable key/value table behind the device cache.
//
// Get returns (nil, nil) for absent keys. DeletePrefix and List match keys by
// literal prefix; no wildcard characters are interpreted.
package kv

import (
	"context"
)

type Repository interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	DeletePrefix(ctx context.Context, prefix string) (int64, error)
	List(ctx context.Context, prefix string) (map[string][]byte, error)
}
