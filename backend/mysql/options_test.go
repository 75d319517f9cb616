package mysql

import (
	"database/sql"
	"testing"
	"time"

	"github.com/cschleiden/go-flows/backend"
	mysqldriver "github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/require"
)

func Test_newOptions(t *testing.T) {
	o := newOptions()
	require.True(t, o.ApplyMigrations)
	require.Equal(t, 0, o.MaxOpenConns)
	require.Equal(t, 3*time.Minute, o.ConnMaxLifetime)
	require.Equal(t, time.Minute, o.EventLockTimeout)

	o = newOptions(
		WithApplyMigrations(false),
		WithMaxOpenConns(8),
		WithConnMaxLifetime(time.Minute),
		WithBackendOptions(backend.WithEventLockTimeout(30*time.Second)),
	)
	require.False(t, o.ApplyMigrations)
	require.Equal(t, 8, o.MaxOpenConns)
	require.Equal(t, time.Minute, o.ConnMaxLifetime)
	require.Equal(t, 30*time.Second, o.EventLockTimeout)
}

func Test_configure(t *testing.T) {
	// Opening does not connect
	db, err := sql.Open("mysql", formatDSN("localhost", 3306, "root", "root", "flows"))
	require.NoError(t, err)
	defer db.Close()

	var configured *sql.DB
	o := newOptions(WithMaxOpenConns(4), WithConfigureDB(func(db *sql.DB) {
		configured = db
	}))
	o.configure(db)

	require.Equal(t, 4, db.Stats().MaxOpenConnections)
	require.Same(t, db, configured)
}

func Test_formatDSN(t *testing.T) {
	dsn := formatDSN("db.internal", 3307, "flows", "p@ss", "counter")

	cfg, err := mysqldriver.ParseDSN(dsn)
	require.NoError(t, err)
	require.Equal(t, "flows", cfg.User)
	require.Equal(t, "p@ss", cfg.Passwd)
	require.Equal(t, "tcp", cfg.Net)
	require.Equal(t, "db.internal:3307", cfg.Addr)
	require.Equal(t, "counter", cfg.DBName)
	require.True(t, cfg.InterpolateParams)

	// Migrations append further parameters
	_, err = mysqldriver.ParseDSN(dsn + "&multiStatements=true")
	require.NoError(t, err)
}
