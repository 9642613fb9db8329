package ha

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// setupTestDB opens an in-memory database shared by every connection of
// the pool, so concurrent lockers contend on the same table.
func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", name)), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	return db
}

func lockRows(t *testing.T, db *gorm.DB) int64 {
	t.Helper()
	var n int64
	require.NoError(t, db.Model(&migrationLockRecord{}).Count(&n).Error)
	return n
}

// ledgerRow stands in for a store table migrated at startup.
type ledgerRow struct {
	ID       uint `gorm:"primaryKey"`
	DraftID  string
	AssetRef string
}

func TestMigrationLocker_NilDBRunsDirectly(t *testing.T) {
	called := false
	require.NoError(t, NewMigrationLocker(nil, "").WithLock(context.Background(), func() error {
		called = true
		return nil
	}))
	assert.True(t, called)
}

func TestRowMigrationLock_MigratesAndReleases(t *testing.T) {
	db := setupTestDB(t)
	locker := NewMigrationLocker(db, "replica-a")

	err := locker.WithLock(context.Background(), func() error {
		assert.EqualValues(t, 1, lockRows(t, db))
		return db.AutoMigrate(&ledgerRow{})
	})
	require.NoError(t, err)
	assert.True(t, db.Migrator().HasTable(&ledgerRow{}))
	assert.Zero(t, lockRows(t, db))
}

func TestRowMigrationLock_ReleasesOnError(t *testing.T) {
	db := setupTestDB(t)
	boom := errors.New("add column draft_id: duplicate")

	err := NewMigrationLocker(db, "replica-a").WithLock(context.Background(), func() error { return boom })
	assert.ErrorIs(t, err, boom)
	assert.Zero(t, lockRows(t, db))
}

func TestRowMigrationLock_ReplicasTakeTurns(t *testing.T) {
	db := setupTestDB(t)

	var inside, peak atomic.Int32
	var wg sync.WaitGroup
	for _, replica := range []string{"replica-a", "replica-b"} {
		wg.Add(1)
		go func(replica string) {
			defer wg.Done()
			err := NewMigrationLocker(db, replica).WithLock(context.Background(), func() error {
				n := inside.Add(1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				time.Sleep(20 * time.Millisecond)
				inside.Add(-1)
				return nil
			})
			assert.NoError(t, err)
		}(replica)
	}
	wg.Wait()
	assert.EqualValues(t, 1, peak.Load())
}

func TestRowMigrationLock_GivesUpOnCancel(t *testing.T) {
	db := setupTestDB(t)
	locker := NewMigrationLocker(db, "replica-a")

	err := locker.WithLock(context.Background(), func() error {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		inner := locker.WithLock(ctx, func() error {
			t.Error("lock acquired twice")
			return nil
		})
		assert.ErrorIs(t, inner, context.Canceled)
		return nil
	})
	require.NoError(t, err)
}

func TestRowMigrationLock_TakesOverStaleRow(t *testing.T) {
	db := setupTestDB(t)
	locker := NewMigrationLocker(db, "replica-b")
	require.NoError(t, db.Create(&migrationLockRecord{
		ID:       migrationLockName,
		LockedAt: time.Now().Add(-time.Hour),
		LockedBy: "crashed-replica",
	}).Error)

	err := locker.WithLock(context.Background(), func() error {
		var row migrationLockRecord
		require.NoError(t, db.First(&row, "id = ?", migrationLockName).Error)
		assert.Equal(t, "replica-b", row.LockedBy)
		return nil
	})
	require.NoError(t, err)
}

func TestPgMigrationLock_AdvisoryLockAroundMigration(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()
	db, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	id := advisoryID(migrationLockName)
	mock.ExpectExec(`SELECT pg_advisory_lock`).WithArgs(id).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`SELECT pg_advisory_unlock`).WithArgs(id).WillReturnResult(sqlmock.NewResult(0, 0))

	ran := false
	require.NoError(t, NewMigrationLocker(db, "").WithLock(context.Background(), func() error {
		ran = true
		return nil
	}))
	assert.True(t, ran)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPgMigrationLock_LockFailure(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()
	db, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	mock.ExpectExec(`SELECT pg_advisory_lock`).WillReturnError(errors.New("too many connections"))

	err = NewMigrationLocker(db, "").WithLock(context.Background(), func() error {
		t.Error("migration ran without the lock")
		return nil
	})
	assert.ErrorContains(t, err, "too many connections")
	assert.NoError(t, mock.ExpectationsWereMet())
}
