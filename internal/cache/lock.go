package cache

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Lock provides cross-worker mutual exclusion keyed by string, backed by
// the shared cache database. Acquisition is a single atomic set-if-absent
// with a TTL: a stale holder's row is taken over in the same statement,
// never cleared beforehand.
type Lock struct {
	db     *sql.DB
	log    zerolog.Logger
	holder string
}

// NewLock creates a lock manager. The holder tag identifies this process
// in the lock row for diagnostics and scoped release.
func NewLock(db *sql.DB, log zerolog.Logger) *Lock {
	hostname, _ := os.Hostname()
	return &Lock{
		db:     db,
		log:    log.With().Str("component", "ingest_lock").Logger(),
		holder: fmt.Sprintf("%s:%d", hostname, os.Getpid()),
	}
}

// Acquire attempts to take the lock for ttl. Returns false when another
// live holder owns it. Expired rows are claimed atomically by the same
// statement.
func (l *Lock) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	now := time.Now().Unix()
	res, err := l.db.ExecContext(ctx, `
		INSERT INTO locks (key, holder, acquired_at, expires_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			holder      = excluded.holder,
			acquired_at = excluded.acquired_at,
			expires_at  = excluded.expires_at
		WHERE locks.expires_at <= ?`,
		key, l.holder, now, now+int64(ttl.Seconds()), now,
	)
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock %s: %w", key, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		l.log.Debug().Str("key", key).Msg("Lock held elsewhere")
		return false, nil
	}

	l.log.Debug().Str("key", key).Dur("ttl", ttl).Msg("Lock acquired")
	return true, nil
}

// Release drops the lock if this process still holds it. Safe to call on
// locks lost to TTL expiry.
func (l *Lock) Release(ctx context.Context, key string) error {
	if _, err := l.db.ExecContext(ctx,
		`DELETE FROM locks WHERE key = ? AND holder = ?`, key, l.holder,
	); err != nil {
		return fmt.Errorf("failed to release lock %s: %w", key, err)
	}
	return nil
}

// Holder returns this process's holder tag.
func (l *Lock) Holder() string {
	return l.holder
}
