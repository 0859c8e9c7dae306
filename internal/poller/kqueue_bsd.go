//go:build darwin || freebsd

package poller

import (
	"errors"
	"time"

	"golang.org/x/sys/unix"
)

type kqueue struct {
	fd      int
	regs    registry
	changes []unix.Kevent_t
	buf     []unix.Kevent_t
}

func newPoller() (Poller, error) {
	fd, err := unix.Kqueue()
	if err != nil {
		return nil, err
	}
	unix.CloseOnExec(fd)
	return &kqueue{
		fd:   fd,
		regs: make(registry),
		buf:  make([]unix.Kevent_t, initialEvents),
	}, nil
}

// apply submits filter changes moving fd from interest cur to next.
func (p *kqueue) apply(fd int, cur, next Interest) error {
	p.changes = p.changes[:0]
	for _, f := range []struct {
		bit    Interest
		filter int
	}{{Readable, unix.EVFILT_READ}, {Writable, unix.EVFILT_WRITE}} {
		var ev unix.Kevent_t
		switch {
		case next&f.bit != 0 && cur&f.bit == 0:
			unix.SetKevent(&ev, fd, f.filter, unix.EV_ADD|unix.EV_ENABLE)
		case next&f.bit == 0 && cur&f.bit != 0:
			unix.SetKevent(&ev, fd, f.filter, unix.EV_DELETE)
		default:
			continue
		}
		p.changes = append(p.changes, ev)
	}
	if len(p.changes) == 0 {
		return nil
	}
	_, err := unix.Kevent(p.fd, p.changes, nil, nil)
	return err
}

func (p *kqueue) Register(fd int, in Interest) error {
	if p.fd < 0 {
		return ErrClosed
	}
	exists, err := p.regs.check(fd, in)
	if err != nil || exists {
		return err
	}
	if err := p.apply(fd, 0, in); err != nil {
		return wrapErr(ErrRegistration, "add", fd, err)
	}
	p.regs[fd] = in
	return nil
}

func (p *kqueue) Modify(fd int, in Interest) error {
	if p.fd < 0 {
		return ErrClosed
	}
	cur, ok := p.regs[fd]
	if !ok {
		return wrapf(ErrNotRegistered, "fd %d", fd)
	}
	if err := p.apply(fd, cur, in); err != nil {
		return wrapErr(ErrRegistration, "mod", fd, err)
	}
	p.regs[fd] = in
	return nil
}

func (p *kqueue) Deregister(fd int) error {
	cur, ok := p.regs[fd]
	if !ok {
		return nil
	}
	delete(p.regs, fd)
	if p.fd < 0 {
		return nil
	}
	err := p.apply(fd, cur, 0)
	if err != nil && !errors.Is(err, unix.ENOENT) && !errors.Is(err, unix.EBADF) {
		return wrapErr(ErrRegistration, "del", fd, err)
	}
	return nil
}

func (p *kqueue) Wait(events []Event, timeout time.Duration) ([]Event, error) {
	if p.fd < 0 {
		return events, ErrClosed
	}
	var ts *unix.Timespec
	if timeout >= 0 {
		t := unix.NsecToTimespec(int64(timeout))
		ts = &t
	}
	n, err := unix.Kevent(p.fd, nil, p.buf, ts)
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return events, nil
		}
		return events, err
	}
	for i := 0; i < n; i++ {
		raw := p.buf[i]
		ev := Event{
			FD:     int(raw.Ident),
			Hangup: raw.Flags&unix.EV_EOF != 0,
			Err:    raw.Flags&unix.EV_ERROR != 0,
		}
		switch int(raw.Filter) {
		case unix.EVFILT_READ:
			ev.Readable = true
		case unix.EVFILT_WRITE:
			ev.Writable = true
		}
		events = append(events, ev)
	}
	if n == len(p.buf) && len(p.buf) < maxEvents {
		p.buf = make([]unix.Kevent_t, len(p.buf)*2)
	}
	return events, nil
}

func (p *kqueue) Close() error {
	if p.fd < 0 {
		return nil
	}
	err := unix.Close(p.fd)
	p.fd = -1
	p.regs = make(registry)
	return err
}
