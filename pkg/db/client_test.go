package db

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/angelmondragon/billing-reconciler/pkg/config"
	"github.com/angelmondragon/billing-reconciler/pkg/logger"
)

type testModel struct {
	ID   int
	Name string `gorm:"uniqueIndex"`
}

func newTestDB(t *testing.T, opts ...gorm.Option) *gorm.DB {
	t.Helper()
	dsn := "file:dbclient_" + uuid.NewString() + "?mode=memory&cache=shared"
	opts = append([]gorm.Option{&gorm.Config{SkipDefaultTransaction: true}}, opts...)
	conn, err := gorm.Open(sqlite.Open(dsn), opts...)
	require.NoError(t, err)
	require.NoError(t, conn.AutoMigrate(&testModel{}))
	return conn
}

func countModels(t *testing.T, conn *gorm.DB) int64 {
	t.Helper()
	var n int64
	require.NoError(t, conn.Model(&testModel{}).Count(&n).Error)
	return n
}

func TestWithTxCommitsAndRollsBack(t *testing.T) {
	conn := newTestDB(t)
	client := NewWithConn(conn)
	ctx := context.Background()

	require.NoError(t, client.WithTx(ctx, func(tx *gorm.DB) error {
		return tx.Create(&testModel{Name: "committed"}).Error
	}))
	assert.EqualValues(t, 1, countModels(t, conn))

	boom := errors.New("boom")
	err := client.WithTx(ctx, func(tx *gorm.DB) error {
		require.NoError(t, tx.Create(&testModel{Name: "rolled"}).Error)
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.EqualValues(t, 1, countModels(t, conn))
}

func TestWithTxRollsBackOnPanic(t *testing.T) {
	conn := newTestDB(t)
	client := NewWithConn(conn)

	assert.PanicsWithValue(t, "boom", func() {
		_ = client.WithTx(context.Background(), func(tx *gorm.DB) error {
			require.NoError(t, tx.Create(&testModel{Name: "panicked"}).Error)
			panic("boom")
		})
	})
	assert.Zero(t, countModels(t, conn))
}

func TestIsUniqueViolation(t *testing.T) {
	conn := newTestDB(t)
	require.NoError(t, conn.Create(&testModel{Name: "dup"}).Error)
	err := conn.Create(&testModel{Name: "dup"}).Error

	assert.True(t, IsUniqueViolation(err, ""))
	assert.True(t, IsUniqueViolation(err, "test_models_name_key"))
	assert.False(t, IsUniqueViolation(err, "coupons_code_key"))

	pgErr := &pgconn.PgError{Code: "23505", ConstraintName: "payment_transactions_external_transaction_id_key"}
	assert.True(t, IsUniqueViolation(pgErr, "payment_transactions_external_transaction_id_key"))
	assert.False(t, IsUniqueViolation(pgErr, "coupons_code_key"))
	assert.False(t, IsUniqueViolation(&pgconn.PgError{Code: "23503"}, ""))
	assert.False(t, IsUniqueViolation(nil, ""))
}

func TestPing(t *testing.T) {
	assert.NoError(t, NewWithConn(newTestDB(t)).Ping(context.Background()))
}

func TestNewRejectsBadConfig(t *testing.T) {
	_, err := New(context.Background(), config.DBConfig{Driver: "mysql", DSN: "x"}, nil)
	assert.ErrorContains(t, err, "unsupported database driver")

	_, err = New(context.Background(), config.DBConfig{Driver: "postgres"}, nil)
	assert.ErrorContains(t, err, "DSN is required")
}

func TestQueryLoggerLevels(t *testing.T) {
	buf := &bytes.Buffer{}
	logg := logger.New(logger.Options{Output: buf})
	conn := newTestDB(t, &gorm.Config{Logger: newQueryLogger(logg, time.Hour)})

	var found testModel
	err := conn.First(&found, "name = ?", "missing").Error
	require.ErrorIs(t, err, gorm.ErrRecordNotFound)
	assert.NotContains(t, buf.String(), "db.query_failed", "not-found is not a failure")

	require.Error(t, conn.Exec("SELECT * FROM no_such_table").Error)
	assert.Contains(t, buf.String(), "db.query_failed")
	assert.Contains(t, buf.String(), "no_such_table")

	buf.Reset()
	slow := newQueryLogger(logg, time.Nanosecond)
	slow.Trace(context.Background(), time.Now().Add(-time.Second), func() (string, int64) {
		return "SELECT 1", 1
	}, nil)
	assert.Contains(t, buf.String(), "db.query_slow")

	buf.Reset()
	slow.LogMode(gormlogger.Silent).Trace(context.Background(), time.Now().Add(-time.Second), func() (string, int64) {
		return "SELECT 1", 1
	}, nil)
	assert.Zero(t, buf.Len())
}

func TestQueryLoggerNilLoggerDiscards(t *testing.T) {
	assert.Equal(t, gormlogger.Discard, newQueryLogger(nil, time.Second))
}
