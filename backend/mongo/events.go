package mongo

import (
	"context"
	"fmt"

	"github.com/cschleiden/go-flows/backend"
	"github.com/cschleiden/go-flows/core/task"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

func (mb *mongoBackend) GetEventTask(ctx context.Context) (*task.Event, error) {
	now := mb.now()
	lockedUntil := mb.options.Clock.Now().Add(mb.options.EventLockTimeout)

	var leased *event

	err := mb.withTransaction(ctx, func(sc mongo.SessionContext) error {
		leased = nil

		candidates, err := mb.visibleEvents(sc, now)
		if err != nil {
			return err
		}

		if len(candidates) == 0 {
			return nil
		}

		active, err := mb.activeLeases(sc, now, candidates)
		if err != nil {
			return err
		}

		for _, e := range candidates {
			if _, ok := active[e.FlowKey]; ok {
				continue
			}

			// Concurrent leases for the same instance conflict on this write
			if _, err := mb.leases.UpdateOne(sc,
				bson.M{"_id": e.FlowKey},
				bson.M{"$set": bson.M{
					"event_id":     e.ID,
					"worker":       mb.workerName,
					"locked_until": lockedUntil.UnixMilli(),
				}},
				options.Update().SetUpsert(true),
			); err != nil {
				return fmt.Errorf("leasing event: %w", err)
			}

			leased = e

			return nil
		}

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("getting event task: %w", err)
	}

	if leased == nil {
		return nil, nil
	}

	return &task.Event{
		ID:          leased.ID,
		Event:       leased.scheduledEvent(),
		LockedUntil: lockedUntil,
	}, nil
}

func (mb *mongoBackend) visibleEvents(ctx context.Context, now int64) ([]*event, error) {
	cur, err := mb.events.Find(ctx,
		bson.M{"visible_at": bson.M{"$lte": now}},
		options.Find().
			SetSort(bson.D{{Key: "visible_at", Value: 1}, {Key: "seq", Value: 1}}).
			SetLimit(mb.options.LeaseScanLimit),
	)
	if err != nil {
		return nil, fmt.Errorf("finding visible events: %w", err)
	}

	var events []*event
	if err := cur.All(ctx, &events); err != nil {
		return nil, fmt.Errorf("reading visible events: %w", err)
	}

	return events, nil
}

// activeLeases returns the flow keys of the given events that currently have a leased event.
func (mb *mongoBackend) activeLeases(ctx context.Context, now int64, events []*event) (map[string]struct{}, error) {
	keys := make([]string, 0, len(events))
	for _, e := range events {
		keys = append(keys, e.FlowKey)
	}

	cur, err := mb.leases.Find(ctx, bson.M{
		"_id":          bson.M{"$in": keys},
		"locked_until": bson.M{"$gt": now},
	})
	if err != nil {
		return nil, fmt.Errorf("finding event leases: %w", err)
	}

	var leases []lease
	if err := cur.All(ctx, &leases); err != nil {
		return nil, fmt.Errorf("reading event leases: %w", err)
	}

	active := make(map[string]struct{}, len(leases))
	for _, l := range leases {
		active[l.FlowKey] = struct{}{}
	}

	return active, nil
}

func (mb *mongoBackend) ExtendEventTask(ctx context.Context, t *task.Event) error {
	lockedUntil := mb.options.Clock.Now().Add(mb.options.EventLockTimeout)

	res, err := mb.leases.UpdateOne(ctx,
		bson.M{
			"_id":      t.Event.Target.String(),
			"event_id": t.ID,
			"worker":   mb.workerName,
		},
		bson.M{"$set": bson.M{"locked_until": lockedUntil.UnixMilli()}},
	)
	if err != nil {
		return fmt.Errorf("extending event lease: %w", err)
	}

	if res.MatchedCount == 0 {
		return backend.ErrEventNotFound
	}

	t.LockedUntil = lockedUntil

	return nil
}

func (mb *mongoBackend) CompleteEventTask(ctx context.Context, t *task.Event) error {
	flowKey := t.Event.Target.String()

	err := mb.withTransaction(ctx, func(sc mongo.SessionContext) error {
		if _, err := mb.events.DeleteOne(sc, bson.M{"_id": t.ID}); err != nil {
			return fmt.Errorf("deleting event: %w", err)
		}

		if _, err := mb.leases.DeleteOne(sc, bson.M{"_id": flowKey, "event_id": t.ID}); err != nil {
			return fmt.Errorf("releasing event lease: %w", err)
		}

		return nil
	})
	if err != nil {
		return fmt.Errorf("completing event task: %w", err)
	}

	return nil
}
