// Package sqlstore implements the flow store contract on top of database/sql. The SQL backends
// configure it with their dialect and own connection setup and migrations.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cschleiden/go-flows/backend"
	"github.com/cschleiden/go-flows/core"
	"github.com/cschleiden/go-flows/core/task"
	"github.com/google/uuid"
)

type Store struct {
	db         *sql.DB
	dialect    *Dialect
	options    *backend.Options
	workerName string
}

func New(db *sql.DB, dialect *Dialect, options *backend.Options) *Store {
	workerName := options.WorkerName
	if workerName == "" {
		workerName = fmt.Sprintf("worker-%v", uuid.NewString())
	}

	return &Store{
		db:         db,
		dialect:    dialect,
		options:    options,
		workerName: workerName,
	}
}

func (s *Store) WorkerName() string {
	return s.workerName
}

func (s *Store) now() int64 {
	return s.options.Clock.Now().UnixMilli()
}

func (s *Store) begin(ctx context.Context) (*sql.Tx, error) {
	tx, err := s.db.BeginTx(ctx, s.dialect.TxOptions)
	if err != nil {
		return nil, fmt.Errorf("starting transaction: %w", err)
	}

	return tx, nil
}

func (s *Store) exec(ctx context.Context, tx *sql.Tx, query string, args ...any) (sql.Result, error) {
	return tx.ExecContext(ctx, s.dialect.rebind(query), args...)
}

func (s *Store) queryRow(ctx context.Context, tx *sql.Tx, query string, args ...any) *sql.Row {
	return tx.QueryRowContext(ctx, s.dialect.rebind(query), args...)
}

func (s *Store) CreateFlowInstance(ctx context.Context, id core.FlowID, events ...*core.ScheduledEvent) error {
	tx, err := s.begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var exists int
	err = s.queryRow(ctx, tx, "SELECT 1 FROM flows WHERE flow_key = ?", id.String()).Scan(&exists)
	if err == nil {
		return backend.ErrInstanceAlreadyExists
	}

	if !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("checking for existing flow instance: %w", err)
	}

	now := s.now()
	if _, err := s.exec(ctx, tx,
		"INSERT INTO flows (flow_key, flow_type, flow_args, version, step, state, created_at, updated_at) VALUES (?, ?, ?, 0, '', NULL, ?, ?)",
		id.String(), id.Type, id.Args, now, now,
	); err != nil {
		if s.dialect.IsDuplicateKey != nil && s.dialect.IsDuplicateKey(err) {
			return backend.ErrInstanceAlreadyExists
		}

		return fmt.Errorf("inserting flow instance: %w", err)
	}

	if err := s.insertEvents(ctx, tx, events); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("creating flow instance: %w", err)
	}

	return nil
}

func (s *Store) GetFlowInstance(ctx context.Context, id core.FlowID) (*core.FlowRecord, error) {
	row := s.db.QueryRowContext(ctx, s.dialect.rebind(
		"SELECT version, step, state, created_at, updated_at FROM flows WHERE flow_key = ?"), id.String())

	r := &core.FlowRecord{ID: id}
	var createdAt, updatedAt int64
	if err := row.Scan(&r.Version, &r.Step, &r.State, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, backend.ErrInstanceNotFound
		}

		return nil, fmt.Errorf("getting flow instance: %w", err)
	}

	r.CreatedAt = time.UnixMilli(createdAt)
	r.UpdatedAt = time.UnixMilli(updatedAt)

	return r, nil
}

func (s *Store) CommitFlowInstance(ctx context.Context, c *core.Commit) (int64, error) {
	tx, err := s.begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	res, err := s.exec(ctx, tx,
		"UPDATE flows SET version = version + 1, step = ?, state = ?, updated_at = ? WHERE flow_key = ? AND version = ?",
		c.Step, c.State, s.now(), c.ID.String(), c.ExpectedVersion,
	)
	if err != nil {
		return 0, fmt.Errorf("updating flow instance: %w", err)
	}

	if err := s.checkVersion(ctx, tx, res, c.ID, c.ExpectedVersion); err != nil {
		return 0, err
	}

	if err := s.insertEvents(ctx, tx, c.Events); err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing flow instance: %w", err)
	}

	return c.ExpectedVersion + 1, nil
}

func (s *Store) RemoveFlowInstance(ctx context.Context, id core.FlowID, expectedVersion int64) error {
	tx, err := s.begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := s.exec(ctx, tx, "DELETE FROM flows WHERE flow_key = ? AND version = ?", id.String(), expectedVersion)
	if err != nil {
		return fmt.Errorf("deleting flow instance: %w", err)
	}

	if err := s.checkVersion(ctx, tx, res, id, expectedVersion); err != nil {
		return err
	}

	if _, err := s.exec(ctx, tx, "DELETE FROM events WHERE flow_key = ?", id.String()); err != nil {
		return fmt.Errorf("deleting pending events: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("removing flow instance: %w", err)
	}

	return nil
}

// checkVersion maps a conditional write that affected no rows to the matching store error.
func (s *Store) checkVersion(ctx context.Context, tx *sql.Tx, res sql.Result, id core.FlowID, expectedVersion int64) error {
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking affected rows: %w", err)
	}

	if rows == 1 {
		return nil
	}

	var version int64
	if err := s.queryRow(ctx, tx, "SELECT version FROM flows WHERE flow_key = ?", id.String()).Scan(&version); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return backend.ErrInstanceNotFound
		}

		return fmt.Errorf("reading flow instance version: %w", err)
	}

	return fmt.Errorf("%w: expected %d, stored %d", backend.ErrStaleVersion, expectedVersion, version)
}

func (s *Store) SignalFlowInstance(ctx context.Context, event *core.ScheduledEvent) error {
	tx, err := s.begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var exists int
	if err := s.queryRow(ctx, tx, "SELECT 1 FROM flows WHERE flow_key = ?", event.Target.String()).Scan(&exists); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return backend.ErrInstanceNotFound
		}

		return fmt.Errorf("checking for flow instance: %w", err)
	}

	if err := s.insertEvents(ctx, tx, []*core.ScheduledEvent{event}); err != nil {
		return err
	}

	return tx.Commit()
}

func (s *Store) insertEvents(ctx context.Context, tx *sql.Tx, events []*core.ScheduledEvent) error {
	if len(events) == 0 {
		return nil
	}

	for _, e := range events {
		id := e.ID
		if id == "" {
			id = uuid.NewString()
		}

		var metadata []byte
		if len(e.Metadata) > 0 {
			var err error
			metadata, err = json.Marshal(e.Metadata)
			if err != nil {
				return fmt.Errorf("encoding event metadata: %w", err)
			}
		}

		if _, err := s.exec(ctx, tx,
			"INSERT INTO events (id, flow_key, flow_type, flow_args, visible_at, name, payload, metadata) VALUES (?, ?, ?, ?, ?, ?, ?, ?)",
			id, e.Target.String(), e.Target.Type, e.Target.Args, e.VisibleAt.UnixMilli(), e.Name, e.Payload, metadata,
		); err != nil {
			return fmt.Errorf("inserting event: %w", err)
		}
	}

	if s.dialect.AfterEventsInserted != nil {
		return s.dialect.AfterEventsInserted(tx)
	}

	return nil
}

func (s *Store) GetEventTask(ctx context.Context) (*task.Event, error) {
	tx, err := s.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	now := s.now()

	query := `SELECT e.flow_key FROM events e
		WHERE e.visible_at <= ? AND (e.locked_until IS NULL OR e.locked_until <= ?)
		AND NOT EXISTS (SELECT 1 FROM events l WHERE l.flow_key = e.flow_key AND l.locked_until > ?)
		ORDER BY e.visible_at, e.seq
		LIMIT 1`
	if s.dialect.SupportsRowLocks {
		query += " FOR UPDATE SKIP LOCKED"
	}

	var flowKey string
	if err := s.queryRow(ctx, tx, query, now, now, now).Scan(&flowKey); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}

		return nil, fmt.Errorf("finding event task: %w", err)
	}

	if s.dialect.SupportsRowLocks {
		// Serialize leases per flow instance. Events may target instances that do not exist, in which
		// case there is nothing to lock.
		var locked string
		err := s.queryRow(ctx, tx, "SELECT flow_key FROM flows WHERE flow_key = ? FOR UPDATE", flowKey).Scan(&locked)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("locking flow instance: %w", err)
		}

		var leased int
		err = s.queryRow(ctx, tx, "SELECT 1 FROM events WHERE flow_key = ? AND locked_until > ? LIMIT 1", flowKey, now).Scan(&leased)
		if err == nil {
			// Another worker leased an event of this instance in the meantime
			return nil, nil
		}

		if !errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("checking for leased events: %w", err)
		}
	}

	// Always lease the earliest visible event of the instance
	row := s.queryRow(ctx, tx, `SELECT id, flow_type, flow_args, visible_at, name, payload, metadata FROM events
		WHERE flow_key = ? AND visible_at <= ?
		ORDER BY visible_at, seq
		LIMIT 1`, flowKey, now)

	e := &core.ScheduledEvent{}
	var visibleAt int64
	var metadata []byte
	if err := row.Scan(&e.ID, &e.Target.Type, &e.Target.Args, &visibleAt, &e.Name, &e.Payload, &metadata); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}

		return nil, fmt.Errorf("reading event: %w", err)
	}

	e.VisibleAt = time.UnixMilli(visibleAt)

	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &e.Metadata); err != nil {
			return nil, fmt.Errorf("decoding event metadata: %w", err)
		}
	}

	lockedUntil := s.options.Clock.Now().Add(s.options.EventLockTimeout)
	if _, err := s.exec(ctx, tx,
		"UPDATE events SET locked_until = ?, worker = ? WHERE id = ?",
		lockedUntil.UnixMilli(), s.workerName, e.ID,
	); err != nil {
		return nil, fmt.Errorf("leasing event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("leasing event: %w", err)
	}

	return &task.Event{
		ID:          e.ID,
		Event:       e,
		LockedUntil: lockedUntil,
	}, nil
}

func (s *Store) ExtendEventTask(ctx context.Context, t *task.Event) error {
	lockedUntil := s.options.Clock.Now().Add(s.options.EventLockTimeout)

	res, err := s.db.ExecContext(ctx, s.dialect.rebind("UPDATE events SET locked_until = ? WHERE id = ? AND worker = ?"),
		lockedUntil.UnixMilli(), t.ID, s.workerName)
	if err != nil {
		return fmt.Errorf("extending event lease: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking affected rows: %w", err)
	}

	if rows != 1 {
		return backend.ErrEventNotFound
	}

	t.LockedUntil = lockedUntil

	return nil
}

func (s *Store) CompleteEventTask(ctx context.Context, t *task.Event) error {
	if _, err := s.db.ExecContext(ctx, s.dialect.rebind("DELETE FROM events WHERE id = ?"), t.ID); err != nil {
		return fmt.Errorf("completing event task: %w", err)
	}

	return nil
}

func (s *Store) GetStats(ctx context.Context) (*backend.Stats, error) {
	stats := &backend.Stats{}

	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM flows").Scan(&stats.ActiveFlowInstances); err != nil {
		return nil, fmt.Errorf("counting flow instances: %w", err)
	}

	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM events").Scan(&stats.PendingEvents); err != nil {
		return nil, fmt.Errorf("counting pending events: %w", err)
	}

	return stats, nil
}
