//go:build !linux

package pdu

import "errors"

// ErrUnsupportedPlatform is returned by NewPoller on platforms other than
// Linux. The monitor protocol relies on fork/exec, process groups and
// signals in ways that are inherently POSIX/Linux-shaped (source
// specification §1 scope); only the epoll backend is implemented.
var ErrUnsupportedPlatform = errors.New("pdu: epoll poller is only implemented for linux")

type pollerEntry struct{}

// Poller is a stub on non-Linux platforms; see poller_linux.go.
type Poller struct{}

func NewPoller() (*Poller, error) {
	return nil, ErrUnsupportedPlatform
}

func (p *Poller) Register(fd int, cb ReadyFunc) error { return ErrUnsupportedPlatform }
func (p *Poller) Unregister(fd int)                   {}
func (p *Poller) PollOnce(timeoutMs int) (int, error) { return 0, ErrUnsupportedPlatform }
func (p *Poller) Close() error                        { return nil }

// ReadyFunc is invoked by the engine goroutine when a registered fd
// becomes readable (or errors/hangs up).
type ReadyFunc func(hangup, errored bool)
