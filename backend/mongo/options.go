package mongo

import (
	"time"

	"github.com/cschleiden/go-flows/backend"
)

type MongoOptions struct {
	*backend.Options

	// LeaseScanLimit bounds the number of visible events inspected per lease attempt.
	LeaseScanLimit int64

	ConnectTimeout time.Duration
}

type MongoBackendOption func(*MongoOptions)

func WithBackendOptions(opts ...backend.BackendOption) MongoBackendOption {
	return func(o *MongoOptions) {
		for _, opt := range opts {
			opt(o.Options)
		}
	}
}

func WithLeaseScanLimit(limit int64) MongoBackendOption {
	return func(o *MongoOptions) {
		o.LeaseScanLimit = limit
	}
}

func WithConnectTimeout(timeout time.Duration) MongoBackendOption {
	return func(o *MongoOptions) {
		o.ConnectTimeout = timeout
	}
}
