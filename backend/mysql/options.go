package mysql

import (
	"database/sql"
	"time"

	"github.com/cschleiden/go-flows/backend"
)

type MySQLOptions struct {
	*backend.Options

	// ApplyMigrations creates the flow_instances and events tables on startup. Enabled by default.
	ApplyMigrations bool

	// MaxOpenConns bounds the connection pool. Every event lease and commit runs in its own
	// transaction, so this caps the number of instances a host can advance at once. 0 means unlimited.
	MaxOpenConns int

	ConnMaxLifetime time.Duration

	// ConfigureDB is called with the opened pool after the options above have been applied.
	ConfigureDB func(db *sql.DB)
}

type MySQLBackendOption func(*MySQLOptions)

func newOptions(opts ...MySQLBackendOption) *MySQLOptions {
	o := backend.ApplyOptions()
	options := &MySQLOptions{
		Options:         &o,
		ApplyMigrations: true,
		ConnMaxLifetime: 3 * time.Minute,
	}

	for _, opt := range opts {
		opt(options)
	}

	return options
}

func (o *MySQLOptions) configure(db *sql.DB) {
	db.SetMaxOpenConns(o.MaxOpenConns)
	db.SetConnMaxLifetime(o.ConnMaxLifetime)

	if o.ConfigureDB != nil {
		o.ConfigureDB(db)
	}
}

func WithApplyMigrations(applyMigrations bool) MySQLBackendOption {
	return func(o *MySQLOptions) {
		o.ApplyMigrations = applyMigrations
	}
}

func WithMaxOpenConns(n int) MySQLBackendOption {
	return func(o *MySQLOptions) {
		o.MaxOpenConns = n
	}
}

func WithConnMaxLifetime(d time.Duration) MySQLBackendOption {
	return func(o *MySQLOptions) {
		o.ConnMaxLifetime = d
	}
}

func WithConfigureDB(f func(db *sql.DB)) MySQLBackendOption {
	return func(o *MySQLOptions) {
		o.ConfigureDB = f
	}
}

// WithBackendOptions allows to pass generic backend options.
func WithBackendOptions(opts ...backend.BackendOption) MySQLBackendOption {
	return func(o *MySQLOptions) {
		for _, opt := range opts {
			opt(o.Options)
		}
	}
}
