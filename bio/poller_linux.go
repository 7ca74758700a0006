//go:build linux

package bio

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// epollPoller arms readiness watchers on raw file descriptors via Linux
// epoll, the same shape as the teacher pack's own Linux reactor.
type epollPoller struct {
	epfd int

	mu        sync.Mutex
	callbacks map[int]func(Condition)

	wakeR, wakeW int
}

func newPoller() (*epollPoller, error) {
	epfd, err := unix.EpollCreate1(0)
	if err != nil {
		return nil, fmt.Errorf("bio: epoll_create1: %w", err)
	}
	p := &epollPoller{epfd: epfd, callbacks: make(map[int]func(Condition))}
	go p.loop()
	return p, nil
}

type fdHandle int

func (p *epollPoller) add(fd int, dir Direction, cb func(Condition)) (Handle, error) {
	var ev unix.EpollEvent
	ev.Events = unix.EPOLLERR | unix.EPOLLHUP
	if dir == Write {
		ev.Events |= unix.EPOLLOUT
	} else {
		ev.Events |= unix.EPOLLIN
	}
	ev.Fd = int32(fd)

	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return nil, fmt.Errorf("bio: epoll_ctl add: %w", err)
	}

	p.mu.Lock()
	p.callbacks[fd] = cb
	p.mu.Unlock()

	return fdHandle(fd), nil
}

func (p *epollPoller) remove(h Handle) {
	fd, ok := h.(fdHandle)
	if !ok {
		return
	}
	unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, int(fd), nil)

	p.mu.Lock()
	delete(p.callbacks, int(fd))
	p.mu.Unlock()
}

func (p *epollPoller) loop() {
	var events [128]unix.EpollEvent
	for {
		n, err := unix.EpollWait(p.epfd, events[:], -1)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return
		}

		for i := 0; i < n; i++ {
			ev := events[i]
			fd := int(ev.Fd)

			p.mu.Lock()
			cb := p.callbacks[fd]
			p.mu.Unlock()
			if cb == nil {
				continue
			}

			var cond Condition
			if ev.Events&unix.EPOLLIN != 0 {
				cond |= CondReadable
			}
			if ev.Events&unix.EPOLLOUT != 0 {
				cond |= CondWritable
			}
			if ev.Events&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
				cond |= CondException
			}

			func() {
				defer func() { _ = recover() }()
				cb(cond)
			}()
		}
	}
}
