//go:build linux

package poller

import (
	"errors"
	"time"

	"golang.org/x/sys/unix"
)

type epoll struct {
	fd   int
	regs registry
	buf  []unix.EpollEvent
}

func newPoller() (Poller, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &epoll{
		fd:   fd,
		regs: make(registry),
		buf:  make([]unix.EpollEvent, initialEvents),
	}, nil
}

func epollEvents(in Interest) uint32 {
	var ev uint32
	if in&Readable != 0 {
		// RDHUP only with read interest, otherwise a half-closed peer would
		// wake the loop forever while reads are paused.
		ev |= unix.EPOLLIN | unix.EPOLLRDHUP
	}
	if in&Writable != 0 {
		ev |= unix.EPOLLOUT
	}
	return ev
}

func (p *epoll) Register(fd int, in Interest) error {
	if p.fd < 0 {
		return ErrClosed
	}
	exists, err := p.regs.check(fd, in)
	if err != nil || exists {
		return err
	}
	ev := unix.EpollEvent{Events: epollEvents(in), Fd: int32(fd)}
	if err := unix.EpollCtl(p.fd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return wrapErr(ErrRegistration, "add", fd, err)
	}
	p.regs[fd] = in
	return nil
}

func (p *epoll) Modify(fd int, in Interest) error {
	if p.fd < 0 {
		return ErrClosed
	}
	cur, ok := p.regs[fd]
	if !ok {
		return wrapf(ErrNotRegistered, "fd %d", fd)
	}
	if cur == in {
		return nil
	}
	ev := unix.EpollEvent{Events: epollEvents(in), Fd: int32(fd)}
	if err := unix.EpollCtl(p.fd, unix.EPOLL_CTL_MOD, fd, &ev); err != nil {
		return wrapErr(ErrRegistration, "mod", fd, err)
	}
	p.regs[fd] = in
	return nil
}

func (p *epoll) Deregister(fd int) error {
	if _, ok := p.regs[fd]; !ok {
		return nil
	}
	delete(p.regs, fd)
	if p.fd < 0 {
		return nil
	}
	err := unix.EpollCtl(p.fd, unix.EPOLL_CTL_DEL, fd, nil)
	if err != nil && !errors.Is(err, unix.ENOENT) && !errors.Is(err, unix.EBADF) {
		return wrapErr(ErrRegistration, "del", fd, err)
	}
	return nil
}

func (p *epoll) Wait(events []Event, timeout time.Duration) ([]Event, error) {
	if p.fd < 0 {
		return events, ErrClosed
	}
	n, err := unix.EpollWait(p.fd, p.buf, timeoutMillis(timeout))
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return events, nil
		}
		return events, err
	}
	for i := 0; i < n; i++ {
		raw := p.buf[i]
		events = append(events, Event{
			FD:       int(raw.Fd),
			Readable: raw.Events&(unix.EPOLLIN|unix.EPOLLPRI) != 0,
			Writable: raw.Events&unix.EPOLLOUT != 0,
			Hangup:   raw.Events&(unix.EPOLLHUP|unix.EPOLLRDHUP) != 0,
			Err:      raw.Events&unix.EPOLLERR != 0,
		})
	}
	if n == len(p.buf) && len(p.buf) < maxEvents {
		p.buf = make([]unix.EpollEvent, len(p.buf)*2)
	}
	return events, nil
}

func (p *epoll) Close() error {
	if p.fd < 0 {
		return nil
	}
	err := unix.Close(p.fd)
	p.fd = -1
	p.regs = make(registry)
	return err
}
