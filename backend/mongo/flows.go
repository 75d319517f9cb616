package mongo

import (
	"context"
	"errors"
	"fmt"

	"github.com/cschleiden/go-flows/backend"
	"github.com/cschleiden/go-flows/core"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

func (mb *mongoBackend) CreateFlowInstance(ctx context.Context, id core.FlowID, events ...*core.ScheduledEvent) error {
	seq, err := mb.reserveSequence(ctx, len(events))
	if err != nil {
		return err
	}

	now := mb.now()

	err = mb.withTransaction(ctx, func(sc mongo.SessionContext) error {
		if _, err := mb.flows.InsertOne(sc, &flowInstance{
			Key:       id.String(),
			FlowType:  id.Type,
			FlowArgs:  id.Args,
			CreatedAt: now,
			UpdatedAt: now,
		}); err != nil {
			if mongo.IsDuplicateKeyError(err) {
				return backend.ErrInstanceAlreadyExists
			}

			return fmt.Errorf("inserting flow instance: %w", err)
		}

		return mb.insertEvents(sc, seq, events)
	})
	if err != nil && !errors.Is(err, backend.ErrInstanceAlreadyExists) {
		return fmt.Errorf("creating flow instance: %w", err)
	}

	return err
}

func (mb *mongoBackend) GetFlowInstance(ctx context.Context, id core.FlowID) (*core.FlowRecord, error) {
	var f flowInstance
	if err := mb.flows.FindOne(ctx, bson.M{"_id": id.String()}).Decode(&f); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, backend.ErrInstanceNotFound
		}

		return nil, fmt.Errorf("getting flow instance: %w", err)
	}

	return f.record(), nil
}

func (mb *mongoBackend) CommitFlowInstance(ctx context.Context, c *core.Commit) (int64, error) {
	seq, err := mb.reserveSequence(ctx, len(c.Events))
	if err != nil {
		return 0, err
	}

	err = mb.withTransaction(ctx, func(sc mongo.SessionContext) error {
		res, err := mb.flows.UpdateOne(sc,
			bson.M{"_id": c.ID.String(), "version": c.ExpectedVersion},
			bson.M{"$set": bson.M{
				"version":    c.ExpectedVersion + 1,
				"step":       c.Step,
				"state":      c.State,
				"updated_at": mb.now(),
			}},
		)
		if err != nil {
			return fmt.Errorf("updating flow instance: %w", err)
		}

		if res.MatchedCount == 0 {
			return mb.versionMismatch(sc, c.ID, c.ExpectedVersion)
		}

		return mb.insertEvents(sc, seq, c.Events)
	})
	if err != nil {
		if errors.Is(err, backend.ErrStaleVersion) || errors.Is(err, backend.ErrInstanceNotFound) {
			return 0, err
		}

		return 0, fmt.Errorf("committing flow instance: %w", err)
	}

	return c.ExpectedVersion + 1, nil
}

func (mb *mongoBackend) RemoveFlowInstance(ctx context.Context, id core.FlowID, expectedVersion int64) error {
	flowKey := id.String()

	err := mb.withTransaction(ctx, func(sc mongo.SessionContext) error {
		res, err := mb.flows.DeleteOne(sc, bson.M{"_id": flowKey, "version": expectedVersion})
		if err != nil {
			return fmt.Errorf("deleting flow instance: %w", err)
		}

		if res.DeletedCount == 0 {
			return mb.versionMismatch(sc, id, expectedVersion)
		}

		if _, err := mb.events.DeleteMany(sc, bson.M{"flow_key": flowKey}); err != nil {
			return fmt.Errorf("deleting pending events: %w", err)
		}

		if _, err := mb.leases.DeleteOne(sc, bson.M{"_id": flowKey}); err != nil {
			return fmt.Errorf("deleting event lease: %w", err)
		}

		return nil
	})
	if err != nil && !errors.Is(err, backend.ErrStaleVersion) && !errors.Is(err, backend.ErrInstanceNotFound) {
		return fmt.Errorf("removing flow instance: %w", err)
	}

	return err
}

func (mb *mongoBackend) SignalFlowInstance(ctx context.Context, event *core.ScheduledEvent) error {
	seq, err := mb.reserveSequence(ctx, 1)
	if err != nil {
		return err
	}

	err = mb.withTransaction(ctx, func(sc mongo.SessionContext) error {
		// Writing to the instance makes a concurrent removal conflict with this transaction
		res, err := mb.flows.UpdateOne(sc,
			bson.M{"_id": event.Target.String()},
			bson.M{"$set": bson.M{"signaled_at": mb.now()}},
		)
		if err != nil {
			return fmt.Errorf("checking for flow instance: %w", err)
		}

		if res.MatchedCount == 0 {
			return backend.ErrInstanceNotFound
		}

		return mb.insertEvents(sc, seq, []*core.ScheduledEvent{event})
	})
	if err != nil && !errors.Is(err, backend.ErrInstanceNotFound) {
		return fmt.Errorf("signaling flow instance: %w", err)
	}

	return err
}

// versionMismatch tells a missing instance apart from a stale expected version.
func (mb *mongoBackend) versionMismatch(ctx context.Context, id core.FlowID, expectedVersion int64) error {
	var f flowInstance
	if err := mb.flows.FindOne(ctx, bson.M{"_id": id.String()}).Decode(&f); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return backend.ErrInstanceNotFound
		}

		return fmt.Errorf("reading flow instance version: %w", err)
	}

	return fmt.Errorf("%w: expected %d, stored %d", backend.ErrStaleVersion, expectedVersion, f.Version)
}

// reserveSequence reserves n sequence numbers and returns the first one.
func (mb *mongoBackend) reserveSequence(ctx context.Context, n int) (int64, error) {
	if n == 0 {
		return 0, nil
	}

	var c counter
	if err := mb.counters.FindOneAndUpdate(ctx,
		bson.M{"_id": "events"},
		bson.M{"$inc": bson.M{"seq": int64(n)}},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&c); err != nil {
		return 0, fmt.Errorf("reserving event sequence: %w", err)
	}

	return c.Seq - int64(n) + 1, nil
}

func (mb *mongoBackend) insertEvents(ctx context.Context, seq int64, events []*core.ScheduledEvent) error {
	if len(events) == 0 {
		return nil
	}

	docs := make([]interface{}, 0, len(events))
	for i, e := range events {
		docs = append(docs, newEvent(seq+int64(i), e))
	}

	if _, err := mb.events.InsertMany(ctx, docs); err != nil {
		return fmt.Errorf("inserting events: %w", err)
	}

	return nil
}
