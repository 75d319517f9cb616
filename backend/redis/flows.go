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
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// maxTxRetries bounds optimistic retries of transactions that watch keys other writers only
// append to.
const maxTxRetries = 3

func (rb *redisBackend) now() int64 {
	return rb.options.Clock.Now().UnixMilli()
}

func (rb *redisBackend) CreateFlowInstance(ctx context.Context, id core.FlowID, events ...*core.ScheduledEvent) error {
	key := rb.keys.flowKey(id.String())

	seq, err := rb.reserveSequence(ctx, len(events))
	if err != nil {
		return err
	}

	err = rb.rdb.Watch(ctx, func(tx *redis.Tx) error {
		exists, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return fmt.Errorf("checking for existing flow instance: %w", err)
		}

		if exists > 0 {
			return backend.ErrInstanceAlreadyExists
		}

		now := rb.now()
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.HSet(ctx, key,
				"flow_type", id.Type,
				"flow_args", id.Args,
				"version", 0,
				"step", "",
				"created_at", now,
				"updated_at", now,
			)
			p.SAdd(ctx, rb.keys.flowsKey(), id.String())

			return rb.addEventsP(ctx, p, seq, events)
		})

		return err
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		return backend.ErrInstanceAlreadyExists
	}

	if err != nil && !errors.Is(err, backend.ErrInstanceAlreadyExists) {
		return fmt.Errorf("creating flow instance: %w", err)
	}

	return err
}

func (rb *redisBackend) GetFlowInstance(ctx context.Context, id core.FlowID) (*core.FlowRecord, error) {
	fields, err := rb.rdb.HGetAll(ctx, rb.keys.flowKey(id.String())).Result()
	if err != nil {
		return nil, fmt.Errorf("getting flow instance: %w", err)
	}

	if len(fields) == 0 {
		return nil, backend.ErrInstanceNotFound
	}

	r := &core.FlowRecord{
		ID:   id,
		Step: fields["step"],
	}

	if state, ok := fields["state"]; ok {
		r.State = []byte(state)
	}

	if r.Version, err = strconv.ParseInt(fields["version"], 10, 64); err != nil {
		return nil, fmt.Errorf("parsing flow instance version: %w", err)
	}

	createdAt, err := strconv.ParseInt(fields["created_at"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("parsing flow instance creation time: %w", err)
	}

	updatedAt, err := strconv.ParseInt(fields["updated_at"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("parsing flow instance update time: %w", err)
	}

	r.CreatedAt = time.UnixMilli(createdAt)
	r.UpdatedAt = time.UnixMilli(updatedAt)

	return r, nil
}

func (rb *redisBackend) CommitFlowInstance(ctx context.Context, c *core.Commit) (int64, error) {
	key := rb.keys.flowKey(c.ID.String())

	seq, err := rb.reserveSequence(ctx, len(c.Events))
	if err != nil {
		return 0, err
	}

	err = rb.rdb.Watch(ctx, func(tx *redis.Tx) error {
		if err := checkVersion(ctx, tx, key, c.ExpectedVersion); err != nil {
			return err
		}

		_, err := tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.HSet(ctx, key,
				"version", c.ExpectedVersion+1,
				"step", c.Step,
				"updated_at", rb.now(),
			)

			if c.State != nil {
				p.HSet(ctx, key, "state", c.State)
			} else {
				p.HDel(ctx, key, "state")
			}

			return rb.addEventsP(ctx, p, seq, c.Events)
		})

		return err
	}, key)
	if err != nil {
		if errors.Is(err, redis.TxFailedErr) {
			return 0, fmt.Errorf("%w: instance modified concurrently", backend.ErrStaleVersion)
		}

		if errors.Is(err, backend.ErrStaleVersion) || errors.Is(err, backend.ErrInstanceNotFound) {
			return 0, err
		}

		return 0, fmt.Errorf("committing flow instance: %w", err)
	}

	return c.ExpectedVersion + 1, nil
}

func (rb *redisBackend) RemoveFlowInstance(ctx context.Context, id core.FlowID, expectedVersion int64) error {
	flowKey := id.String()
	key := rb.keys.flowKey(flowKey)
	eventsKey := rb.keys.flowEventsKey(flowKey)

	remove := func(tx *redis.Tx) error {
		if err := checkVersion(ctx, tx, key, expectedVersion); err != nil {
			return err
		}

		ids, err := tx.SMembers(ctx, eventsKey).Result()
		if err != nil {
			return fmt.Errorf("reading pending events: %w", err)
		}

		members := make([]any, 0, len(ids))
		eventKeys := make([]string, 0, len(ids))
		for _, eventID := range ids {
			member, err := tx.HGet(ctx, rb.keys.eventKey(eventID), "member").Result()
			if err != nil && !errors.Is(err, redis.Nil) {
				return fmt.Errorf("reading event: %w", err)
			}

			if member != "" {
				members = append(members, member)
			}

			eventKeys = append(eventKeys, rb.keys.eventKey(eventID))
		}

		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Del(ctx, key, eventsKey, rb.keys.flowLeaseKey(flowKey))
			p.SRem(ctx, rb.keys.flowsKey(), flowKey)

			if len(eventKeys) > 0 {
				p.Del(ctx, eventKeys...)
			}

			if len(members) > 0 {
				p.ZRem(ctx, rb.keys.eventsKey(), members...)
			}

			return nil
		})

		return err
	}

	for i := 0; i < maxTxRetries; i++ {
		err := rb.rdb.Watch(ctx, remove, key, eventsKey)
		if errors.Is(err, redis.TxFailedErr) {
			// Events were added concurrently, or the instance was committed. The version check of
			// the next attempt tells these apart.
			continue
		}

		if err != nil && !errors.Is(err, backend.ErrStaleVersion) && !errors.Is(err, backend.ErrInstanceNotFound) {
			return fmt.Errorf("removing flow instance: %w", err)
		}

		return err
	}

	return fmt.Errorf("%w: instance modified concurrently", backend.ErrStaleVersion)
}

func (rb *redisBackend) SignalFlowInstance(ctx context.Context, event *core.ScheduledEvent) error {
	key := rb.keys.flowKey(event.Target.String())

	seq, err := rb.reserveSequence(ctx, 1)
	if err != nil {
		return err
	}

	signal := func(tx *redis.Tx) error {
		exists, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return fmt.Errorf("checking for flow instance: %w", err)
		}

		if exists == 0 {
			return backend.ErrInstanceNotFound
		}

		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			return rb.addEventsP(ctx, p, seq, []*core.ScheduledEvent{event})
		})

		return err
	}

	for i := 0; i < maxTxRetries; i++ {
		err := rb.rdb.Watch(ctx, signal, key)
		if errors.Is(err, redis.TxFailedErr) {
			// Committed or removed in the meantime, only the latter prevents the signal
			continue
		}

		if err != nil && !errors.Is(err, backend.ErrInstanceNotFound) {
			return fmt.Errorf("signaling flow instance: %w", err)
		}

		return err
	}

	return fmt.Errorf("signaling flow instance: %w", redis.TxFailedErr)
}

func checkVersion(ctx context.Context, tx *redis.Tx, key string, expectedVersion int64) error {
	version, err := tx.HGet(ctx, key, "version").Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return backend.ErrInstanceNotFound
		}

		return fmt.Errorf("reading flow instance version: %w", err)
	}

	if version != expectedVersion {
		return fmt.Errorf("%w: expected %d, stored %d", backend.ErrStaleVersion, expectedVersion, version)
	}

	return nil
}

// reserveSequence reserves n sequence numbers and returns the first one.
func (rb *redisBackend) reserveSequence(ctx context.Context, n int) (int64, error) {
	if n == 0 {
		return 0, nil
	}

	last, err := rb.rdb.IncrBy(ctx, rb.keys.eventSeqKey(), int64(n)).Result()
	if err != nil {
		return 0, fmt.Errorf("reserving event sequence: %w", err)
	}

	return last - int64(n) + 1, nil
}

func (rb *redisBackend) addEventsP(ctx context.Context, p redis.Pipeliner, seq int64, events []*core.ScheduledEvent) error {
	for i, e := range events {
		id := e.ID
		if id == "" {
			id = uuid.NewString()
		}

		flowKey := e.Target.String()
		member := eventMember(seq+int64(i), id)
		visibleAt := e.VisibleAt.UnixMilli()

		values := []any{
			"id", id,
			"member", member,
			"flow_key", flowKey,
			"flow_type", e.Target.Type,
			"flow_args", e.Target.Args,
			"visible_at", visibleAt,
			"name", e.Name,
			"payload", e.Payload,
		}

		if len(e.Metadata) > 0 {
			metadata, err := json.Marshal(e.Metadata)
			if err != nil {
				return fmt.Errorf("encoding event metadata: %w", err)
			}

			values = append(values, "metadata", metadata)
		}

		p.HSet(ctx, rb.keys.eventKey(id), values...)
		p.ZAdd(ctx, rb.keys.eventsKey(), redis.Z{Score: float64(visibleAt), Member: member})
		p.SAdd(ctx, rb.keys.flowEventsKey(flowKey), id)
	}

	return nil
}
