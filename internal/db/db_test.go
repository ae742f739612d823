package db

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestNewSQLiteAppliesMigrations(t *testing.T) {
	database, err := New(Config{Driver: DriverSQLite, DSN: ":memory:", Logger: zap.NewNop()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = Close(database) })

	for _, table := range []string{"users", "refresh_tokens", "rooms", "room_members", "messages"} {
		assert.True(t, database.Migrator().HasTable(table), table)
	}
	require.NoError(t, Ping(context.Background(), database))

	var fk int
	require.NoError(t, database.Raw("PRAGMA foreign_keys").Scan(&fk).Error)
	assert.Equal(t, 1, fk)
}

func TestReopenIsIdempotent(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "relay.db")
	core, logs := observer.New(zap.InfoLevel)

	for i := 0; i < 2; i++ {
		database, err := New(Config{DSN: dsn, Logger: zap.New(core)})
		require.NoError(t, err)
		require.NoError(t, Close(database))
	}

	ready := logs.FilterMessage("database ready").All()
	require.Len(t, ready, 2)
	for _, entry := range ready {
		assert.Equal(t, uint64(1), entry.ContextMap()["schema_version"])
	}
}

func TestNewRejectsBadConfig(t *testing.T) {
	_, err := New(Config{Driver: "mysql", DSN: "x", Logger: zap.NewNop()})
	assert.ErrorContains(t, err, "unsupported driver")

	_, err = New(Config{Driver: DriverSQLite, DSN: ":memory:"})
	assert.Error(t, err)
}

func TestPingAfterClose(t *testing.T) {
	database, err := New(Config{DSN: ":memory:", Logger: zap.NewNop()})
	require.NoError(t, err)
	require.NoError(t, Close(database))

	assert.Error(t, Ping(context.Background(), database))
}
