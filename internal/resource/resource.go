// Package resource implements the exclusive per-physical-device lock table
// that backs DEVICE_LOCK/DEVICE_UNLOCK and the opportunistic locking the
// I/O operations take when a device demands exclusive access: one
// FIFO-ordered lock per named physical resource, held across link
// identifiers.
package resource

import (
	"container/list"
	"context"
	"fmt"
	"sync"
	"time"
)

// ErrWouldDeadlock is returned when a link that already holds a resource's
// lock tries to acquire it again; VXI-11 opportunistic locking must be
// reentrant through the link layer instead of calling back into Lock.
var ErrWouldDeadlock = fmt.Errorf("resource: link already holds this lock")

type waiter struct {
	linkID string
	ready  chan struct{}
}

type entry struct {
	owner   string // link id, "" if unlocked
	waiters *list.List
}

// Manager owns one lock per named physical resource (a host:port pair, a
// serial path, or a USB vendor/product/serial triple). Two logical devices
// that share a physical resource contend on the same entry even though
// they may have distinct VXI-11 link identifiers.
type Manager struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// New returns an empty Manager.
func New() *Manager {
	return &Manager{entries: map[string]*entry{}}
}

func (m *Manager) entryFor(resource string) *entry {
	e, ok := m.entries[resource]
	if !ok {
		e = &entry{waiters: list.New()}
		m.entries[resource] = e
	}
	return e
}

// Lock acquires the named resource for linkID, blocking in FIFO order
// behind any earlier waiter until it is free, ctx is canceled, or deadline
// elapses — whichever comes first. A linkID that already holds the lock
// gets ErrWouldDeadlock rather than blocking forever.
func (m *Manager) Lock(ctx context.Context, resource, linkID string, deadline time.Time) error {
	m.mu.Lock()
	e := m.entryFor(resource)
	if e.owner == linkID && e.owner != "" {
		m.mu.Unlock()
		return ErrWouldDeadlock
	}
	if e.owner == "" && e.waiters.Len() == 0 {
		e.owner = linkID
		m.mu.Unlock()
		return nil
	}

	w := &waiter{linkID: linkID, ready: make(chan struct{})}
	elem := e.waiters.PushBack(w)
	m.mu.Unlock()

	var timer *time.Timer
	var timeout <-chan time.Time
	if !deadline.IsZero() {
		timer = time.NewTimer(time.Until(deadline))
		timeout = timer.C
		defer timer.Stop()
	}

	select {
	case <-w.ready:
		return nil
	case <-timeout:
		m.abandonWait(resource, elem)
		return context.DeadlineExceeded
	case <-ctx.Done():
		m.abandonWait(resource, elem)
		return ctx.Err()
	}
}

// abandonWait removes a waiter that gave up before being granted the lock.
// If it had already been granted ownership concurrently (a race between
// the grantor and the timeout firing), it releases it again immediately
// so the next waiter in line isn't starved.
func (m *Manager) abandonWait(resource string, elem *list.Element) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[resource]
	if !ok {
		return
	}
	w := elem.Value.(*waiter)
	select {
	case <-w.ready:
		// already granted; release on the caller's behalf.
		m.unlockLocked(e, resource, w.linkID)
	default:
		e.waiters.Remove(elem)
	}
}

// Unlock releases resource if linkID currently owns it. Unlocking a
// resource not held by linkID is a no-op error, matching DEVICE_UNLOCK's
// NoLockHeldByThisLink behavior at the VXI-11 layer.
func (m *Manager) Unlock(resource, linkID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[resource]
	if !ok || e.owner != linkID {
		return fmt.Errorf("resource: %s is not held by this link", resource)
	}
	m.unlockLocked(e, resource, linkID)
	return nil
}

func (m *Manager) unlockLocked(e *entry, resource, linkID string) {
	if front := e.waiters.Front(); front != nil {
		w := front.Value.(*waiter)
		e.waiters.Remove(front)
		e.owner = w.linkID
		close(w.ready)
		return
	}
	e.owner = ""
	if e.waiters.Len() == 0 {
		delete(m.entries, resource)
	}
}

// ReleaseAll drops every lock linkID holds, across every resource. It is
// called when a link is destroyed (DESTROY_LINK) so abandoned locks don't
// strand other clients.
func (m *Manager) ReleaseAll(linkID string) {
	m.mu.Lock()
	held := make([]string, 0)
	for resource, e := range m.entries {
		if e.owner == linkID {
			held = append(held, resource)
		}
	}
	m.mu.Unlock()

	for _, resource := range held {
		m.Unlock(resource, linkID)
	}
}

// Owner reports the link id currently holding resource, or "" if free.
func (m *Manager) Owner(resource string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[resource]; ok {
		return e.owner
	}
	return ""
}
