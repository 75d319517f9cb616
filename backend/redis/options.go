package redis

import (
	"github.com/cschleiden/go-flows/backend"
)

type RedisOptions struct {
	*backend.Options

	KeyPrefix string

	// LeaseScanLimit bounds the number of visible events inspected per lease attempt.
	LeaseScanLimit int
}

type RedisBackendOption func(*RedisOptions)

func WithBackendOptions(opts ...backend.BackendOption) RedisBackendOption {
	return func(o *RedisOptions) {
		for _, opt := range opts {
			opt(o.Options)
		}
	}
}

func WithKeyPrefix(keyPrefix string) RedisBackendOption {
	return func(o *RedisOptions) {
		o.KeyPrefix = keyPrefix
	}
}

func WithLeaseScanLimit(limit int) RedisBackendOption {
	return func(o *RedisOptions) {
		o.LeaseScanLimit = limit
	}
}
