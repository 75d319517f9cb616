package worker

import "time"

type Options struct {
	// Pollers is the number of pollers leasing events. Defaults to 2.
	Pollers int

	// MaxParallelTasks determines the maximum number of events delivered concurrently by the
	// worker. The default is 0 which is no limit.
	MaxParallelTasks int

	// HeartbeatInterval is the interval between lease extensions while an event is delivered.
	// Defaults to 25 seconds.
	HeartbeatInterval time.Duration

	// PollingInterval is the interval between polling for new events. Defaults to 200ms.
	PollingInterval time.Duration

	// StaleVersionRetries is the number of times a delivery is retried after a version conflict
	// with another process. Defaults to 5.
	StaleVersionRetries uint64

	// FlowInstanceCacheSize is the max number of flow instances kept in memory. Defaults to 128.
	FlowInstanceCacheSize int

	// FlowInstanceCacheTTL is the time flow instances are kept in memory after their last
	// delivery. Defaults to 10 seconds.
	FlowInstanceCacheTTL time.Duration

	// MaxContinuations bounds the number of transitions without waiting per event. Defaults to 64.
	MaxContinuations int

	// RemoveEndedFlows removes flow instances once they ended and their removal delay passed.
	RemoveEndedFlows bool
}

var DefaultOptions = Options{
	Pollers:             2,
	PollingInterval:     200 * time.Millisecond,
	MaxParallelTasks:    0,
	HeartbeatInterval:   25 * time.Second,
	StaleVersionRetries: 5,

	FlowInstanceCacheSize: 128,
	FlowInstanceCacheTTL:  10 * time.Second,
	MaxContinuations:      64,
}
