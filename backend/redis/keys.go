package redis

import (
	"fmt"
	"strings"
)

type keys struct {
	prefix string
}

func newKeys(prefix string) *keys {
	if prefix != "" && !strings.HasSuffix(prefix, ":") {
		prefix += ":"
	}

	return &keys{prefix: prefix}
}

// flowKey returns the key of the hash holding the record of a flow instance
func (k *keys) flowKey(flowKey string) string {
	return fmt.Sprintf("%vflow:%v", k.prefix, flowKey)
}

// flowsKey returns the key of the set of all flow instances
func (k *keys) flowsKey() string {
	return k.prefix + "flows"
}

// flowEventsKey returns the key of the set of pending event ids of a flow instance
func (k *keys) flowEventsKey(flowKey string) string {
	return fmt.Sprintf("%vflow-events:%v", k.prefix, flowKey)
}

// flowLeaseKey returns the key holding the lease expiration of the event currently leased for a
// flow instance
func (k *keys) flowLeaseKey(flowKey string) string {
	return fmt.Sprintf("%vflow-lease:%v", k.prefix, flowKey)
}

// eventKey returns the key of the hash holding a scheduled event
func (k *keys) eventKey(id string) string {
	return fmt.Sprintf("%vevent:%v", k.prefix, id)
}

// eventsKey returns the key of the ZSET of all pending events, scored by visibility time.
func (k *keys) eventsKey() string {
	return k.prefix + "events"
}

// eventSeqKey returns the key of the counter used to order events with the same visibility time
func (k *keys) eventSeqKey() string {
	return k.prefix + "event-seq"
}

// eventMember returns the member of an event in the events ZSET. Members with the same score are
// ordered lexicographically, the zero padded sequence keeps them in enqueue order.
func eventMember(seq int64, id string) string {
	return fmt.Sprintf("%019d:%v", seq, id)
}
