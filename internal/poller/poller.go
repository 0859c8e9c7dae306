// Package poller abstracts the OS readiness-notification facility.
//
// One implementation exists per facility (epoll on Linux, kqueue on the BSDs
// and macOS), selected at build time. Every backend is level-triggered: a
// descriptor that stays ready is reported again on the next Wait.
//
// A Poller is owned by a single goroutine and is not safe for concurrent use.
package poller

import (
	"errors"
	"strings"
	"time"
)

var (
	ErrRegistration  = errors.New("poller: registration failed")
	ErrNotRegistered = errors.New("poller: descriptor not registered")
	ErrClosed        = errors.New("poller: closed")
)

// Interest is the set of readiness kinds a descriptor is watched for.
type Interest uint8

const (
	Readable Interest = 1 << iota
	Writable

	ReadWrite = Readable | Writable
)

func (i Interest) String() string {
	if i == 0 {
		return "none"
	}
	parts := make([]string, 0, 2)
	if i&Readable != 0 {
		parts = append(parts, "read")
	}
	if i&Writable != 0 {
		parts = append(parts, "write")
	}
	return strings.Join(parts, "|")
}

// Event is one readiness notification.
//
// Hangup reports that the peer closed at least its sending side; buffered
// data may still be readable. Err reports a pending socket error. Both can
// arrive without the matching interest and may be spurious.
type Event struct {
	FD       int
	Readable bool
	Writable bool
	Hangup   bool
	Err      bool
}

// Poller registers descriptors and blocks until some are ready.
type Poller interface {
	// Register starts watching fd. Registering an fd again with the same
	// interest is a no-op; a different interest is an ErrRegistration.
	Register(fd int, in Interest) error
	// Modify replaces the interest of a registered fd.
	Modify(fd int, in Interest) error
	// Deregister stops watching fd. It is a no-op for unknown descriptors.
	Deregister(fd int) error
	// Wait appends ready events to events and returns the extended slice.
	// A negative timeout blocks indefinitely, zero polls without blocking.
	// An interrupted wait returns no events and no error.
	Wait(events []Event, timeout time.Duration) ([]Event, error)
	// Close releases the OS facility.
	Close() error
}

// New returns the poller for the current platform.
func New() (Poller, error) {
	return newPoller()
}

// registry tracks interest per descriptor for the backends.
type registry map[int]Interest

func (r registry) check(fd int, in Interest) (exists bool, err error) {
	if fd < 0 {
		return false, wrapf(ErrRegistration, "invalid descriptor %d", fd)
	}
	cur, ok := r[fd]
	if !ok {
		return false, nil
	}
	if cur != in {
		return true, wrapf(ErrRegistration, "fd %d already registered for %s", fd, cur)
	}
	return true, nil
}

const (
	initialEvents = 128
	maxEvents     = 4096
)

// timeoutMillis converts a Wait timeout to the millisecond form epoll uses.
// Positive sub-millisecond timeouts round up so they still block.
func timeoutMillis(d time.Duration) int {
	switch {
	case d < 0:
		return -1
	case d == 0:
		return 0
	}
	ms := int((d + time.Millisecond - 1) / time.Millisecond)
	if ms <= 0 {
		ms = 1
	}
	return ms
}
