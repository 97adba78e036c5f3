package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"outreach/internal/storage"
)

const (
	leaseTTL       = 30 * time.Second
	leaseHeartbeat = 10 * time.Second
)

// ownerError reports that another live process owns the queue.
type ownerError struct {
	lease storage.Lease
}

func (e *ownerError) Error() string {
	if e.lease.Addr == "" {
		return fmt.Sprintf("queue is owned by outreachd pid %d", e.lease.PID)
	}
	return fmt.Sprintf("queue is owned by outreachd pid %d (ops api %s)", e.lease.PID, e.lease.Addr)
}

// queueLease is this process's claim on the queue of one database. Only
// the holder builds a queue that dequeues.
type queueLease struct {
	db    *sql.DB
	owner string
	now   func() time.Time

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// claimQueue takes the queue lease, advertising addr as the ops endpoint
// other processes should use. It fails with *ownerError while a live
// process holds it.
func claimQueue(ctx context.Context, db *sql.DB, addr string) (*queueLease, error) {
	l := &queueLease{db: db, owner: uuid.NewString(), now: time.Now}
	for range 2 {
		err := storage.AcquireLease(ctx, db, storage.Lease{
			Owner:       l.owner,
			PID:         os.Getpid(),
			Addr:        addr,
			HeartbeatAt: l.now(),
		}, leaseTTL)
		if err == nil {
			return l, nil
		}
		if !errors.Is(err, storage.ErrLeaseHeld) {
			return nil, err
		}
		held, err := storage.ActiveLease(ctx, db, l.now(), leaseTTL)
		if err != nil {
			return nil, err
		}
		if held != nil {
			return nil, &ownerError{lease: *held}
		}
		// Expired between the two queries.
	}
	return nil, storage.ErrLeaseHeld
}

// keepAlive renews the lease until release. lost is called once if another
// process takes it over.
func (l *queueLease) keepAlive(interval time.Duration, lost func()) {
	l.stop = make(chan struct{})
	l.done = make(chan struct{})
	go func() {
		defer close(l.done)
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-l.stop:
				return
			case <-t.C:
				err := storage.RenewLease(context.Background(), l.db, l.owner, l.now())
				if errors.Is(err, storage.ErrLeaseHeld) {
					logger.Error("queue lease lost to another process")
					if lost != nil {
						lost()
					}
					return
				}
				if err != nil {
					logger.Warn("queue lease renewal failed", "err", err)
				}
			}
		}
	}()
}

// release stops renewal and drops the lease.
func (l *queueLease) release() {
	l.stopOnce.Do(func() {
		if l.stop != nil {
			close(l.stop)
			<-l.done
		}
		if err := storage.ReleaseLease(context.Background(), l.db, l.owner); err != nil {
			logger.Warn("release queue lease", "err", err)
		}
	})
}
