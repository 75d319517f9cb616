package postgres

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cschleiden/go-flows/backend"
	"github.com/cschleiden/go-flows/backend/metrics"
	"github.com/cschleiden/go-flows/core/task"
	"github.com/cschleiden/go-flows/internal/metrickeys"
	"github.com/cschleiden/go-flows/internal/sqlstore"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"go.opentelemetry.io/otel/trace"
)

//go:embed db/migrations/*.sql
var migrationsFS embed.FS

const defaultNotificationWait = time.Second

func newDialect(notify bool) *sqlstore.Dialect {
	d := &sqlstore.Dialect{
		Name:                 "postgres",
		NumberedPlaceholders: true,
		SupportsRowLocks:     true,
		TxOptions: &sql.TxOptions{
			Isolation: sql.LevelReadCommitted,
		},
		IsDuplicateKey: func(err error) bool {
			var pgErr *pgconn.PgError
			return errors.As(err, &pgErr) && pgErr.Code == "23505"
		},
	}

	if notify {
		d.AfterEventsInserted = notifyEvents
	}

	return d
}

func NewPostgresBackend(host string, port int, user, password, database string, opts ...option) *postgresBackend {
	options := newOptions(true, opts...)

	sslMode := options.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}

	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s", host, port, user, password, database, sslMode)

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		panic(err)
	}

	return newPostgresBackend(dsn, db, true, options)
}

// NewPostgresBackendWithDB creates a new Postgres backend using an existing database connection.
// When using this constructor, the backend will not close the database connection when Close() is called.
// Notifications are not available without a DSN.
func NewPostgresBackendWithDB(db *sql.DB, opts ...option) *postgresBackend {
	options := newOptions(false, opts...)
	options.EnableNotifications = false

	return newPostgresBackend("", db, false, options)
}

func newOptions(applyMigrations bool, opts ...option) *options {
	o := backend.ApplyOptions()
	options := &options{
		Options:          &o,
		ApplyMigrations:  applyMigrations,
		NotificationWait: defaultNotificationWait,
	}

	for _, opt := range opts {
		opt(options)
	}

	return options
}

func newPostgresBackend(dsn string, db *sql.DB, ownsConnection bool, options *options) *postgresBackend {
	if options.PostgresOptions != nil {
		options.PostgresOptions(db)
	}

	b := &postgresBackend{
		Store:          sqlstore.New(db, newDialect(options.EnableNotifications), options.Options),
		dsn:            dsn,
		db:             db,
		options:        options,
		ownsConnection: ownsConnection,
		metrics:        options.Metrics.WithTags(metrics.Tags{metrickeys.Backend: "postgres"}),
	}

	if options.ApplyMigrations {
		if err := b.Migrate(); err != nil {
			panic(err)
		}
	}

	if options.EnableNotifications {
		b.listener = newNotificationListener(dsn, options.Logger)
		if err := b.listener.Start(); err != nil {
			panic(err)
		}
	}

	return b
}

type postgresBackend struct {
	*sqlstore.Store

	dsn            string
	db             *sql.DB
	options        *options
	ownsConnection bool
	metrics        metrics.Client
	listener       *notificationListener
}

var _ backend.Backend = (*postgresBackend)(nil)

// GetEventTask leases an event. With notifications enabled, it waits briefly for newly scheduled
// events when none is pending.
func (pb *postgresBackend) GetEventTask(ctx context.Context) (*task.Event, error) {
	t, err := pb.Store.GetEventTask(ctx)
	if err != nil || t != nil || pb.listener == nil {
		return t, err
	}

	if !pb.listener.Wait(ctx, pb.options.NotificationWait) {
		return nil, nil
	}

	return pb.Store.GetEventTask(ctx)
}

func (pb *postgresBackend) Close() error {
	if pb.listener != nil {
		if err := pb.listener.Close(); err != nil {
			return err
		}
	}

	if !pb.ownsConnection {
		return nil
	}

	return pb.db.Close()
}

// Migrate applies any pending database migrations.
func (pb *postgresBackend) Migrate() error {
	var db *sql.DB
	var needsClose bool

	if pb.dsn != "" {
		var err error
		db, err = sql.Open("pgx", pb.dsn)
		if err != nil {
			return fmt.Errorf("opening schema database: %w", err)
		}
		needsClose = true
	} else {
		db = pb.db
		needsClose = false
	}

	dbi, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("creating migration instance: %w", err)
	}

	migrations, err := iofs.New(migrationsFS, "db/migrations")
	if err != nil {
		return fmt.Errorf("creating migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", migrations, "postgres", dbi)
	if err != nil {
		return fmt.Errorf("creating migration: %w", err)
	}

	if err := m.Up(); err != nil {
		if !errors.Is(err, migrate.ErrNoChange) {
			return fmt.Errorf("running migrations: %w", err)
		}
	}

	if needsClose {
		if err := db.Close(); err != nil {
			return fmt.Errorf("closing schema database: %w", err)
		}
	}

	return nil
}

func (pb *postgresBackend) Logger() *slog.Logger {
	return pb.options.Logger
}

func (pb *postgresBackend) Tracer() trace.Tracer {
	return pb.options.TracerProvider.Tracer(backend.TracerName)
}

func (pb *postgresBackend) Metrics() metrics.Client {
	return pb.metrics
}

func (pb *postgresBackend) Options() *backend.Options {
	return pb.options.Options
}
