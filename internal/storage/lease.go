package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrLeaseHeld is returned when another live process owns the queue.
var ErrLeaseHeld = errors.New("queue is owned by another process")

// Lease records which process owns the queue of a database. Only the owner
// may dequeue; a lease whose heartbeat is older than its TTL is free.
type Lease struct {
	Owner       string
	PID         int
	Addr        string
	HeartbeatAt time.Time
}

// AcquireLease takes the queue lease for owner, or refreshes it when owner
// already holds it. It fails with ErrLeaseHeld while a different owner's
// heartbeat is younger than ttl.
func AcquireLease(ctx context.Context, db *sql.DB, l Lease, ttl time.Duration) error {
	stale := l.HeartbeatAt.Add(-ttl).UnixNano()
	res, err := db.ExecContext(ctx, `
		INSERT INTO queue_lease (id, owner, pid, addr, heartbeat_at) VALUES (1, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			owner = excluded.owner,
			pid = excluded.pid,
			addr = excluded.addr,
			heartbeat_at = excluded.heartbeat_at
		WHERE queue_lease.owner = excluded.owner OR queue_lease.heartbeat_at < ?`,
		l.Owner, l.PID, l.Addr, l.HeartbeatAt.UnixNano(), stale,
	)
	if err != nil {
		return fmt.Errorf("acquire queue lease: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("acquire queue lease: %w", err)
	}
	if n == 0 {
		return ErrLeaseHeld
	}
	return nil
}

// RenewLease moves the owner's heartbeat to now. It fails with ErrLeaseHeld
// when the lease was lost to another process.
func RenewLease(ctx context.Context, db *sql.DB, owner string, now time.Time) error {
	res, err := db.ExecContext(ctx,
		"UPDATE queue_lease SET heartbeat_at = ? WHERE id = 1 AND owner = ?",
		now.UnixNano(), owner,
	)
	if err != nil {
		return fmt.Errorf("renew queue lease: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrLeaseHeld
	}
	return nil
}

// ReleaseLease drops the lease if owner still holds it.
func ReleaseLease(ctx context.Context, db *sql.DB, owner string) error {
	if _, err := db.ExecContext(ctx, "DELETE FROM queue_lease WHERE id = 1 AND owner = ?", owner); err != nil {
		return fmt.Errorf("release queue lease: %w", err)
	}
	return nil
}

// ActiveLease returns the current lease, or nil when there is none or it
// has expired.
func ActiveLease(ctx context.Context, db *sql.DB, now time.Time, ttl time.Duration) (*Lease, error) {
	var (
		l  Lease
		hb int64
	)
	err := db.QueryRowContext(ctx,
		"SELECT owner, pid, addr, heartbeat_at FROM queue_lease WHERE id = 1",
	).Scan(&l.Owner, &l.PID, &l.Addr, &hb)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read queue lease: %w", err)
	}
	l.HeartbeatAt = time.Unix(0, hb)
	if now.Sub(l.HeartbeatAt) > ttl {
		return nil, nil
	}
	return &l, nil
}
