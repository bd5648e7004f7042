//go:build linux

package pdu

import (
	"sync"

	"golang.org/x/sys/unix"
)

// maxPollerFDs bounds direct-index lookup into a fixed-size fd table.
const maxPollerFDs = 65536

// ReadyFunc is invoked by the engine goroutine when a registered fd
// becomes readable (or errors/hangs up). It must not block: the Poller
// dispatches every ready fd from a single goroutine (process.Manager's
// engine loop).
type ReadyFunc func(hangup, errored bool)

type pollerEntry struct {
	cb     ReadyFunc
	active bool
}

// Poller is an epoll-backed readiness multiplexer for PDU peer fds, one
// instance per process.Manager: a direct fd-indexed table, guarded by an
// RWMutex, dispatching ready fds inline from the poll call.
type Poller struct {
	epfd     int
	mu       sync.RWMutex
	entries  [maxPollerFDs]pollerEntry
	eventBuf [256]unix.EpollEvent
}

// NewPoller creates and initializes an epoll instance.
func NewPoller() (*Poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &Poller{epfd: epfd}, nil
}

// Register begins monitoring fd for read-readiness, invoking cb from the
// Poll goroutine whenever it becomes ready, hangs up, or errors.
func (p *Poller) Register(fd int, cb ReadyFunc) error {
	if fd < 0 || fd >= maxPollerFDs {
		return unix.EINVAL
	}
	p.mu.Lock()
	p.entries[fd] = pollerEntry{cb: cb, active: true}
	p.mu.Unlock()

	ev := &unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(fd)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, ev); err != nil {
		p.mu.Lock()
		p.entries[fd] = pollerEntry{}
		p.mu.Unlock()
		return err
	}
	return nil
}

// Unregister stops monitoring fd. It is a no-op if fd was never
// registered or has already been unregistered.
func (p *Poller) Unregister(fd int) {
	if fd < 0 || fd >= maxPollerFDs {
		return
	}
	p.mu.Lock()
	wasActive := p.entries[fd].active
	p.entries[fd] = pollerEntry{}
	p.mu.Unlock()
	if wasActive {
		_ = unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	}
}

// PollOnce waits up to timeoutMs for readiness events and dispatches
// every ready fd's callback inline, before returning. It is meant to be
// called in a loop by the engine goroutine (process.Manager's dispatch
// loop), each call bounded by the configured poll interval (default
// 100ms).
func (p *Poller) PollOnce(timeoutMs int) (int, error) {
	n, err := unix.EpollWait(p.epfd, p.eventBuf[:], timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, err
	}
	for i := 0; i < n; i++ {
		fd := int(p.eventBuf[i].Fd)
		events := p.eventBuf[i].Events

		p.mu.RLock()
		entry := p.entries[fd]
		p.mu.RUnlock()

		if entry.active && entry.cb != nil {
			hangup := events&unix.EPOLLHUP != 0
			errored := events&unix.EPOLLERR != 0
			entry.cb(hangup, errored)
		}
	}
	return n, nil
}

// Close releases the epoll fd.
func (p *Poller) Close() error {
	return unix.Close(p.epfd)
}
