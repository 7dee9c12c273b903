package sessions

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
)

// DefaultLockTimeout bounds how long a request waits for a busy session.
const DefaultLockTimeout = 2 * time.Minute

var (
	// ErrLockTimeout is returned when acquiring a lock times out.
	ErrLockTimeout = errors.New("session: lock acquisition timeout")

	// ErrLockUnavailable is returned by a nil locker.
	ErrLockUnavailable = errors.New("session locker unavailable")
)

// Locker serializes work on a single session.
type Locker interface {
	Lock(ctx context.Context, sessionID string) error
	Unlock(sessionID string)
}

type sessionLock struct {
	ch      chan struct{}
	waiters int
}

// SessionLocker is an in-memory per-session mutex. Each session gets a
// one-slot channel; holding the slot means holding the lock. Entries are
// dropped once nobody holds or waits on them.
//
// Thread Safety:
// SessionLocker is safe for concurrent use.
type SessionLocker struct {
	mu      sync.Mutex
	locks   map[string]*sessionLock
	timeout time.Duration
}

// NewSessionLocker creates a locker. A non-positive timeout uses
// DefaultLockTimeout.
func NewSessionLocker(timeout time.Duration) *SessionLocker {
	if timeout <= 0 {
		timeout = DefaultLockTimeout
	}
	return &SessionLocker{
		locks:   make(map[string]*sessionLock),
		timeout: timeout,
	}
}

// Lock acquires the session lock, waiting up to the locker timeout or until
// ctx is done.
func (l *SessionLocker) Lock(ctx context.Context, sessionID string) error {
	if l == nil {
		return ErrLockUnavailable
	}
	if strings.TrimSpace(sessionID) == "" {
		return errors.New("session_id is required")
	}

	lock := l.acquireEntry(sessionID)

	timer := time.NewTimer(l.timeout)
	defer timer.Stop()

	select {
	case lock.ch <- struct{}{}:
		l.releaseEntry(sessionID, lock, false)
		return nil
	case <-ctx.Done():
		l.releaseEntry(sessionID, lock, true)
		return ctx.Err()
	case <-timer.C:
		l.releaseEntry(sessionID, lock, true)
		return ErrLockTimeout
	}
}

// Unlock releases the session lock. Unlocking a free session is a no-op.
func (l *SessionLocker) Unlock(sessionID string) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	lock, ok := l.locks[sessionID]
	if !ok {
		return
	}
	select {
	case <-lock.ch:
	default:
	}
	if lock.waiters == 0 && len(lock.ch) == 0 {
		delete(l.locks, sessionID)
	}
}

// Forget drops the entry for a removed session if it is idle.
func (l *SessionLocker) Forget(sessionID string) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if lock, ok := l.locks[sessionID]; ok && lock.waiters == 0 && len(lock.ch) == 0 {
		delete(l.locks, sessionID)
	}
}

// acquireEntry registers the caller as a waiter on the session's entry.
func (l *SessionLocker) acquireEntry(sessionID string) *sessionLock {
	l.mu.Lock()
	defer l.mu.Unlock()
	lock, ok := l.locks[sessionID]
	if !ok {
		lock = &sessionLock{ch: make(chan struct{}, 1)}
		l.locks[sessionID] = lock
	}
	lock.waiters++
	return lock
}

// releaseEntry deregisters a waiter. Failed waiters clean up the entry when
// it is otherwise unused.
func (l *SessionLocker) releaseEntry(sessionID string, lock *sessionLock, failed bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	lock.waiters--
	if failed && lock.waiters == 0 && len(lock.ch) == 0 {
		if current, ok := l.locks[sessionID]; ok && current == lock {
			delete(l.locks, sessionID)
		}
	}
}
