package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/cschleiden/go-flows/backend"
	"github.com/cschleiden/go-flows/core"
	"github.com/cschleiden/go-flows/core/task"
	"github.com/redis/go-redis/v9"
)

// Leases the earliest visible event whose flow instance has no other leased event.
//
// KEYS[1] - events key
// ARGV[1] - current timestamp in ms
// ARGV[2] - lease expiration in ms
// ARGV[3] - worker name
// ARGV[4] - scan limit
// ARGV[5] - key prefix
var leaseEventCmd = redis.NewScript(`
	local now = tonumber(ARGV[1])
	local members = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1], "LIMIT", 0, tonumber(ARGV[4]))

	for _, member in ipairs(members) do
		local id = string.sub(member, 21)
		local eventKey = ARGV[5] .. "event:" .. id
		local flowKey = redis.call("HGET", eventKey, "flow_key")

		if flowKey then
			local leaseKey = ARGV[5] .. "flow-lease:" .. flowKey
			local lease = redis.call("HMGET", leaseKey, "event", "locked_until")

			if not lease[1] or tonumber(lease[2]) <= now then
				redis.call("HSET", leaseKey, "event", id, "locked_until", ARGV[2])
				redis.call("HSET", eventKey, "worker", ARGV[3], "locked_until", ARGV[2])

				return redis.call("HGETALL", eventKey)
			end
		end
	end

	return nil
`)

// KEYS[1] - event key
// ARGV[1] - event id
// ARGV[2] - worker name
// ARGV[3] - lease expiration in ms
// ARGV[4] - key prefix
var extendEventCmd = redis.NewScript(`
	local event = redis.call("HMGET", KEYS[1], "worker", "flow_key")
	if event[1] ~= ARGV[2] or not event[2] then
		return 0
	end

	local leaseKey = ARGV[4] .. "flow-lease:" .. event[2]
	if redis.call("HGET", leaseKey, "event") ~= ARGV[1] then
		return 0
	end

	redis.call("HSET", leaseKey, "locked_until", ARGV[3])
	redis.call("HSET", KEYS[1], "locked_until", ARGV[3])

	return 1
`)

// KEYS[1] - event key
// KEYS[2] - events key
// ARGV[1] - event id
// ARGV[2] - key prefix
var completeEventCmd = redis.NewScript(`
	local event = redis.call("HMGET", KEYS[1], "flow_key", "member")
	if not event[1] then
		return 0
	end

	redis.call("DEL", KEYS[1])
	redis.call("ZREM", KEYS[2], event[2])
	redis.call("SREM", ARGV[2] .. "flow-events:" .. event[1], ARGV[1])

	local leaseKey = ARGV[2] .. "flow-lease:" .. event[1]
	if redis.call("HGET", leaseKey, "event") == ARGV[1] then
		redis.call("DEL", leaseKey)
	end

	return 1
`)

func (rb *redisBackend) GetEventTask(ctx context.Context) (*task.Event, error) {
	lockedUntil := rb.options.Clock.Now().Add(rb.options.EventLockTimeout)

	res, err := leaseEventCmd.Run(ctx, rb.rdb,
		[]string{rb.keys.eventsKey()},
		rb.now(),
		lockedUntil.UnixMilli(),
		rb.workerName,
		rb.options.LeaseScanLimit,
		rb.keys.prefix,
	).StringSlice()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}

		return nil, fmt.Errorf("leasing event: %w", err)
	}

	e, err := parseEvent(res)
	if err != nil {
		return nil, err
	}

	return &task.Event{
		ID:          e.ID,
		Event:       e,
		LockedUntil: lockedUntil,
	}, nil
}

func (rb *redisBackend) ExtendEventTask(ctx context.Context, t *task.Event) error {
	lockedUntil := rb.options.Clock.Now().Add(rb.options.EventLockTimeout)

	extended, err := extendEventCmd.Run(ctx, rb.rdb,
		[]string{rb.keys.eventKey(t.ID)},
		t.ID,
		rb.workerName,
		lockedUntil.UnixMilli(),
		rb.keys.prefix,
	).Int()
	if err != nil {
		return fmt.Errorf("extending event lease: %w", err)
	}

	if extended != 1 {
		return backend.ErrEventNotFound
	}

	t.LockedUntil = lockedUntil

	return nil
}

func (rb *redisBackend) CompleteEventTask(ctx context.Context, t *task.Event) error {
	if err := completeEventCmd.Run(ctx, rb.rdb,
		[]string{rb.keys.eventKey(t.ID), rb.keys.eventsKey()},
		t.ID,
		rb.keys.prefix,
	).Err(); err != nil {
		return fmt.Errorf("completing event task: %w", err)
	}

	return nil
}

// parseEvent builds a scheduled event from the flat field list of an event hash
func parseEvent(fields []string) (*core.ScheduledEvent, error) {
	if len(fields)%2 != 0 {
		return nil, fmt.Errorf("invalid event hash with %d fields", len(fields))
	}

	values := make(map[string]string, len(fields)/2)
	for i := 0; i < len(fields); i += 2 {
		values[fields[i]] = fields[i+1]
	}

	visibleAt, err := strconv.ParseInt(values["visible_at"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("parsing event visibility: %w", err)
	}

	e := &core.ScheduledEvent{
		ID:        values["id"],
		Target:    core.NewFlowID(values["flow_type"], values["flow_args"]),
		VisibleAt: time.UnixMilli(visibleAt),
		Name:      values["name"],
	}

	if payload, ok := values["payload"]; ok && payload != "" {
		e.Payload = []byte(payload)
	}

	if metadata, ok := values["metadata"]; ok {
		if err := json.Unmarshal([]byte(metadata), &e.Metadata); err != nil {
			return nil, fmt.Errorf("decoding event metadata: %w", err)
		}
	}

	return e, nil
}
