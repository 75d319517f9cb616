package mysql

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cschleiden/go-flows/backend"
	"github.com/cschleiden/go-flows/backend/metrics"
	"github.com/cschleiden/go-flows/internal/metrickeys"
	"github.com/cschleiden/go-flows/internal/sqlstore"
	mysqldriver "github.com/go-sql-driver/mysql"
	"github.com/golang-migrate/migrate/v4"
	mmysql "github.com/golang-migrate/migrate/v4/database/mysql"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"go.opentelemetry.io/otel/trace"
)

//go:embed db/migrations/*.sql
var migrationsFS embed.FS

var dialect = &sqlstore.Dialect{
	Name:             "mysql",
	SupportsRowLocks: true,
	TxOptions: &sql.TxOptions{
		Isolation: sql.LevelReadCommitted,
	},
	IsDuplicateKey: func(err error) bool {
		var mysqlErr *mysqldriver.MySQLError
		return errors.As(err, &mysqlErr) && mysqlErr.Number == 1062
	},
}

func NewMysqlBackend(host string, port int, user, password, database string, opts ...MySQLBackendOption) *mysqlBackend {
	options := newOptions(opts...)

	dsn := formatDSN(host, port, user, password, database)

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		panic(err)
	}

	options.configure(db)

	b := &mysqlBackend{
		dsn:     dsn,
		db:      db,
		options: options,
		metrics: options.Metrics.WithTags(metrics.Tags{metrickeys.Backend: "mysql"}),
	}
	b.Store = sqlstore.New(db, dialect, options.Options)

	if options.ApplyMigrations {
		if err := b.Migrate(); err != nil {
			panic(err)
		}
	}

	return b
}

func formatDSN(host string, port int, user, password, database string) string {
	cfg := mysqldriver.NewConfig()
	cfg.User = user
	cfg.Passwd = password
	cfg.Net = "tcp"
	cfg.Addr = fmt.Sprintf("%s:%d", host, port)
	cfg.DBName = database
	cfg.InterpolateParams = true

	return cfg.FormatDSN()
}

type mysqlBackend struct {
	*sqlstore.Store

	dsn     string
	db      *sql.DB
	options *MySQLOptions
	metrics metrics.Client
}

var _ backend.Backend = (*mysqlBackend)(nil)

// Migrate applies any pending database migrations.
func (mb *mysqlBackend) Migrate() error {
	// Migrations need multi statement support, which is not enabled for the regular connection
	schemaDsn := mb.dsn + "&multiStatements=true"
	db, err := sql.Open("mysql", schemaDsn)
	if err != nil {
		return fmt.Errorf("opening schema database: %w", err)
	}

	dbi, err := mmysql.WithInstance(db, &mmysql.Config{})
	if err != nil {
		return fmt.Errorf("creating migration instance: %w", err)
	}

	migrations, err := iofs.New(migrationsFS, "db/migrations")
	if err != nil {
		return fmt.Errorf("creating migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", migrations, "mysql", dbi)
	if err != nil {
		return fmt.Errorf("creating migration: %w", err)
	}

	if err := m.Up(); err != nil {
		if !errors.Is(err, migrate.ErrNoChange) {
			return fmt.Errorf("running migrations: %w", err)
		}
	}

	if err := db.Close(); err != nil {
		return fmt.Errorf("closing schema database: %w", err)
	}

	return nil
}

func (mb *mysqlBackend) Logger() *slog.Logger {
	return mb.options.Logger
}

func (mb *mysqlBackend) Tracer() trace.Tracer {
	return mb.options.TracerProvider.Tracer(backend.TracerName)
}

func (mb *mysqlBackend) Metrics() metrics.Client {
	return mb.metrics
}

func (mb *mysqlBackend) Options() *backend.Options {
	return mb.options.Options
}

func (mb *mysqlBackend) Close() error {
	return mb.db.Close()
}
