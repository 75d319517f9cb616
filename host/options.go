package host

import "time"

type Options struct {
	// CacheSize is the max number of flow instances kept in memory. Defaults to 128.
	CacheSize int

	// CacheTTL is the time a flow instance is kept in memory after its last delivery. Defaults
	// to 10 seconds.
	CacheTTL time.Duration

	// MaxContinuations bounds the number of transitions that do not wait, applied while handling a
	// single event. Defaults to 64.
	MaxContinuations int

	// RemoveEnded removes flow instances from the backend once they have ended and their removal
	// delay has passed.
	RemoveEnded bool
}

var DefaultOptions = Options{
	CacheSize:        128,
	CacheTTL:         10 * time.Second,
	MaxContinuations: 64,
}

type Option func(*Options)

func WithCacheSize(size int) Option {
	return func(o *Options) {
		o.CacheSize = size
	}
}

func WithCacheTTL(ttl time.Duration) Option {
	return func(o *Options) {
		o.CacheTTL = ttl
	}
}

func WithMaxContinuations(n int) Option {
	return func(o *Options) {
		o.MaxContinuations = n
	}
}

func WithRemoveEnded() Option {
	return func(o *Options) {
		o.RemoveEnded = true
	}
}
