package ha

import (
	"context"
	"fmt"
	"hash/crc32"
	"time"

	"gorm.io/gorm"
)

// MigrationLocker serializes AutoMigrate across replicas that start at the
// same time against one database.
type MigrationLocker interface {
	// WithLock runs fn while holding the migration lock. It blocks until the
	// lock is acquired and releases it after fn returns.
	WithLock(ctx context.Context, fn func() error) error
}

const migrationLockName = "playbook-engine-migration"

// NewMigrationLocker picks a strategy for the database dialect. PostgreSQL
// uses an advisory lock; SQLite and MySQL use a single lock row. The lock
// table is created up front so concurrent callers never race on it.
func NewMigrationLocker(db *gorm.DB, identity string) MigrationLocker {
	if db == nil {
		return noopMigrationLock{}
	}
	if db.Dialector.Name() == "postgres" {
		return &pgMigrationLock{db: db, lockID: advisoryID(migrationLockName)}
	}
	if identity == "" {
		identity = defaultIdentity()
	}
	_ = db.AutoMigrate(&migrationLockRecord{})
	return &rowMigrationLock{db: db, identity: identity}
}

// advisoryID maps a lock name onto the int64 key space of pg advisory locks.
func advisoryID(name string) int64 {
	return int64(crc32.ChecksumIEEE([]byte(name)))
}

type noopMigrationLock struct{}

func (noopMigrationLock) WithLock(_ context.Context, fn func() error) error {
	return fn()
}

type pgMigrationLock struct {
	db     *gorm.DB
	lockID int64
}

func (l *pgMigrationLock) WithLock(ctx context.Context, fn func() error) error {
	// Session-level advisory locks belong to one connection, so lock and
	// unlock must run on the same one.
	return l.db.WithContext(ctx).Connection(func(conn *gorm.DB) error {
		if err := conn.Exec("SELECT pg_advisory_lock(?)", l.lockID).Error; err != nil {
			return fmt.Errorf("acquire migration advisory lock: %w", err)
		}
		defer conn.Exec("SELECT pg_advisory_unlock(?)", l.lockID)
		return fn()
	})
}

type migrationLockRecord struct {
	ID       string    `gorm:"primaryKey;column:id"`
	LockedAt time.Time `gorm:"column:locked_at"`
	LockedBy string    `gorm:"column:locked_by"`
}

func (migrationLockRecord) TableName() string { return "migration_lock" }

// rowMigrationLock holds the lock by owning the single row of the
// migration_lock table. Rows older than staleLockAge are treated as left
// behind by a crashed replica.
type rowMigrationLock struct {
	db       *gorm.DB
	identity string
}

const (
	migrationLockRetries  = 30
	migrationLockInterval = time.Second
	staleLockAge          = 5 * time.Minute
)

func (l *rowMigrationLock) WithLock(ctx context.Context, fn func() error) error {
	var lastErr error
	for i := 0; i < migrationLockRetries; i++ {
		l.db.WithContext(ctx).
			Where("id = ? AND locked_at < ?", migrationLockName, time.Now().Add(-staleLockAge)).
			Delete(&migrationLockRecord{})

		row := migrationLockRecord{ID: migrationLockName, LockedAt: time.Now(), LockedBy: l.identity}
		if lastErr = l.db.WithContext(ctx).Create(&row).Error; lastErr == nil {
			defer l.db.Where("id = ?", migrationLockName).Delete(&migrationLockRecord{})
			return fn()
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(migrationLockInterval):
		}
	}
	return fmt.Errorf("acquire migration lock after %d attempts: %w", migrationLockRetries, lastErr)
}
