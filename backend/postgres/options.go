package postgres

import (
	"database/sql"
	"time"

	"github.com/cschleiden/go-flows/backend"
)

type options struct {
	*backend.Options

	PostgresOptions func(db *sql.DB)

	// ApplyMigrations automatically applies database migrations on startup.
	ApplyMigrations bool

	// SSLMode configures the sslmode parameter for the PostgreSQL connection.
	// Defaults to "disable" if not set.
	SSLMode string

	// EnableNotifications uses LISTEN/NOTIFY to wake up pollers when new events are scheduled.
	EnableNotifications bool

	// NotificationWait bounds how long GetEventTask waits for a notification. Events that become
	// visible later, like timers, are not announced.
	NotificationWait time.Duration
}

type option func(*options)

// WithApplyMigrations automatically applies database migrations on startup.
func WithApplyMigrations(applyMigrations bool) option {
	return func(o *options) {
		o.ApplyMigrations = applyMigrations
	}
}

func WithPostgresOptions(f func(db *sql.DB)) option {
	return func(o *options) {
		o.PostgresOptions = f
	}
}

// WithSSLMode configures the sslmode parameter for the PostgreSQL connection string.
// Valid values include "disable", "require", "verify-ca", "verify-full", etc.
// Defaults to "disable" if not set.
func WithSSLMode(sslmode string) option {
	return func(o *options) {
		o.SSLMode = sslmode
	}
}

// WithNotifications enables LISTEN/NOTIFY based wake ups for event polling.
func WithNotifications(enabled bool) option {
	return func(o *options) {
		o.EnableNotifications = enabled
	}
}

// WithBackendOptions allows to pass generic backend options.
func WithBackendOptions(opts ...backend.BackendOption) option {
	return func(o *options) {
		for _, opt := range opts {
			opt(o.Options)
		}
	}
}
