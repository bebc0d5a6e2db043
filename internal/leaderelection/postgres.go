package leaderelection

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"time"
)

const unlockTimeout = 5 * time.Second

// PostgresLocker takes a session-scoped advisory lock on a dedicated
// connection. All instances sharing a database must use the same key.
type PostgresLocker struct {
	db  *sql.DB
	key int64
}

func NewPostgresLocker(db *sql.DB, key int64) *PostgresLocker {
	return &PostgresLocker{db: db, key: key}
}

func (l *PostgresLocker) TryAcquire(ctx context.Context) (Session, bool, error) {
	// Advisory lock is session-scoped: must use a dedicated connection.
	conn, err := l.db.Conn(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("dedicated connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", l.key).Scan(&acquired); err != nil {
		conn.Close()
		return nil, false, fmt.Errorf("advisory lock: %w", err)
	}
	if !acquired {
		conn.Close()
		return nil, false, nil
	}
	return &pgSession{conn: conn, key: l.key}, true, nil
}

type pgSession struct {
	conn *sql.Conn
	key  int64
}

func (s *pgSession) Ping(ctx context.Context) error {
	return s.conn.PingContext(ctx)
}

// Release unlocks before returning the connection to the pool; a pooled
// connection would otherwise keep holding the lock. If the unlock fails the
// connection is discarded so that the server drops the session.
func (s *pgSession) Release() error {
	ctx, cancel := context.WithTimeout(context.Background(), unlockTimeout)
	defer cancel()

	var released bool
	err := s.conn.QueryRowContext(ctx, "SELECT pg_advisory_unlock($1)", s.key).Scan(&released)
	if err == nil && released {
		return s.conn.Close()
	}
	_ = s.conn.Raw(func(any) error { return driver.ErrBadConn })
	closeErr := s.conn.Close()
	if err == nil {
		err = errors.New("advisory lock was not held")
	}
	return errors.Join(fmt.Errorf("advisory unlock: %w", err), closeErr)
}
