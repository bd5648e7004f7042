package pdu

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/whitepa/forte-procmanager/clock"
	"github.com/whitepa/forte-procmanager/internal/telemetry"
)

// PeerEventKind identifies the kind of PeerEvent delivered to a Peer's
// callback.
type PeerEventKind int

const (
	// Connected fires once, when the peer's fd is first registered.
	Connected PeerEventKind = iota
	// Disconnected fires when the peer's fd is closed, for any reason.
	Disconnected
	// ReceivedPDU fires once per fully decoded inbound PDU.
	ReceivedPDU
	// SendError fires when a queued PDU could not be sent.
	SendError
)

// PeerEvent is delivered, strictly serialized, to a Peer's callback.
type PeerEvent struct {
	Kind PeerEventKind
	PDU  *PDU  // set for ReceivedPDU
	Err  error // set for Disconnected (if abnormal) and SendError
}

// PeerConfig configures buffer sizing and timeouts for a Peer. The zero
// value selects the documented defaults.
type PeerConfig struct {
	// RecvBufferSize is the initial receive buffer allocation. Default 4096.
	RecvBufferSize int
	// RecvBufferStepSize is the growth increment once the buffer fills.
	// Default equal to RecvBufferSize.
	RecvBufferStepSize int
	// RecvBufferMaxSize caps how large the receive buffer may grow.
	// Default 16 * RecvBufferSize.
	RecvBufferMaxSize int
	// SendTimeout bounds how long a single PDU send may block waiting for
	// the socket to become writable. Default 30s.
	SendTimeout time.Duration
	// OutboundQueueCapacity bounds the number of PDUs buffered for send.
	// Default 64.
	OutboundQueueCapacity int
}

func (c PeerConfig) withDefaults() PeerConfig {
	if c.RecvBufferSize <= 0 {
		c.RecvBufferSize = 4096
	}
	if c.RecvBufferStepSize <= 0 {
		c.RecvBufferStepSize = c.RecvBufferSize
	}
	if c.RecvBufferMaxSize <= 0 {
		c.RecvBufferMaxSize = c.RecvBufferSize * 16
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 30 * time.Second
	}
	if c.OutboundQueueCapacity <= 0 {
		c.OutboundQueueCapacity = 64
	}
	return c
}

// Stats holds the per-peer counters: bytes sent/received, PDUs
// sent/received, send errors, disconnect count, and average receive-ready
// count.
type Stats struct {
	BytesSent          atomic.Int64
	BytesReceived      atomic.Int64
	PDUsSent           atomic.Int64
	PDUsReceived       atomic.Int64
	SendErrors         atomic.Int64
	DisconnectCount    atomic.Int64
	receiveReadyTotal  atomic.Int64
	receiveReadyEvents atomic.Int64
}

// AverageReceiveReady returns the mean number of successful reads per
// drain cycle that read at least once and ended on EAGAIN.
func (s *Stats) AverageReceiveReady() float64 {
	events := s.receiveReadyEvents.Load()
	if events == 0 {
		return 0
	}
	return float64(s.receiveReadyTotal.Load()) / float64(events)
}

// Peer wraps one non-blocking stream socket fd with an outbound send
// queue and three dedicated goroutines: send, receive, and callback
// dispatch — kept separate so that write-backpressure, blocking-style
// receive draining, and client callback re-entrancy never interfere with
// one another.
type Peer struct {
	fd     int
	cfg    PeerConfig
	poller *Poller

	outbound chan *PDU
	recvWake chan struct{}
	events   chan PeerEvent

	recv *recvBuffer

	Stats Stats

	callback func(PeerEvent)

	closeOnce sync.Once
	closed    atomic.Bool

	sendDone, recvDone, cbDone chan struct{}
}

// NewPeer switches fd to non-blocking mode and wraps it as a Peer
// registered with poller, delivering events to callback via a dedicated
// dispatch goroutine.
func NewPeer(fd int, poller *Poller, cfg PeerConfig, callback func(PeerEvent)) (*Peer, error) {
	cfg = cfg.withDefaults()
	if err := unix.SetNonblock(fd, true); err != nil {
		return nil, err
	}
	p := &Peer{
		fd:       fd,
		cfg:      cfg,
		poller:   poller,
		outbound: make(chan *PDU, cfg.OutboundQueueCapacity),
		recvWake: make(chan struct{}, 1),
		events:   make(chan PeerEvent, 16),
		recv:     newRecvBuffer(cfg.RecvBufferSize, cfg.RecvBufferStepSize, cfg.RecvBufferMaxSize),
		callback: callback,
		sendDone: make(chan struct{}),
		recvDone: make(chan struct{}),
		cbDone:   make(chan struct{}),
	}

	if err := poller.Register(fd, p.onReadable); err != nil {
		return nil, err
	}

	go p.sendLoop()
	go p.recvLoop()
	go p.callbackLoop()

	p.emit(PeerEvent{Kind: Connected})
	return p, nil
}

// FD returns the underlying file descriptor, for use as a map key by
// process.Manager's fd-to-future routing table.
func (p *Peer) FD() int { return p.fd }

// Send enqueues pdu for transmission. It returns false if the peer is
// already closed.
func (p *Peer) Send(pdu *PDU) bool {
	if p.closed.Load() {
		return false
	}
	select {
	case p.outbound <- pdu:
		return true
	default:
	}
	// Outbound queue full: block, but bail out if the peer closes under us.
	select {
	case p.outbound <- pdu:
		return true
	case <-p.sendDone:
		return false
	}
}

// onReadable is the Poller callback: it must not block, so it only wakes
// the receive goroutine (coalescing redundant wakeups). Hangup and error
// are not recorded; the receive goroutine discovers them from read(2).
func (p *Peer) onReadable(hangup, errored bool) {
	select {
	case p.recvWake <- struct{}{}:
	default:
	}
	if hangup || errored {
		select {
		case p.recvWake <- struct{}{}:
		default:
		}
	}
}

func (p *Peer) sendLoop() {
	defer close(p.sendDone)
	for pdu := range p.outbound {
		if err := p.sendOne(pdu); err != nil {
			p.Stats.SendErrors.Add(1)
			p.emit(PeerEvent{Kind: SendError, PDU: pdu, Err: err})
			p.teardown(err)
			continue
		}
		p.Stats.PDUsSent.Add(1)
	}
}

func (p *Peer) sendOne(pdu *PDU) error {
	buf := pdu.Encode()
	deadline := clock.After(p.cfg.SendTimeout)
	for len(buf) > 0 {
		n, err := unix.Write(p.fd, buf)
		if err == nil {
			buf = buf[n:]
			p.Stats.BytesSent.Add(int64(n))
			continue
		}
		if errors.Is(err, unix.EAGAIN) {
			if deadline.Expired() {
				return errors.New("pdu: send deadline exceeded")
			}
			if !p.waitWritable(deadline.Remaining()) {
				return errors.New("pdu: send deadline exceeded")
			}
			continue
		}
		return err
	}
	return nil
}

// waitWritable blocks via poll(2) on the peer's own fd until it becomes
// writable or the timeout elapses. This is deliberately a direct poll on
// this one fd rather than a round trip through the shared epoll engine:
// write-readiness is rare (sockets are almost always writable) and local
// to this one send goroutine's backpressure, whereas the engine's epoll
// set exists to multiplex read-readiness across every peer for the single
// dispatch goroutine.
func (p *Peer) waitWritable(timeout time.Duration) bool {
	fds := []unix.PollFd{{Fd: int32(p.fd), Events: unix.POLLOUT}}
	ms := int(timeout / time.Millisecond)
	if ms <= 0 {
		ms = 1
	}
	n, err := unix.Poll(fds, ms)
	if err != nil || n == 0 {
		return false
	}
	return fds[0].Revents&unix.POLLOUT != 0
}

func (p *Peer) recvLoop() {
	defer close(p.recvDone)
	for range p.recvWake {
		p.drainUntilBlocked()
	}
}

// drainUntilBlocked performs non-blocking reads, growing the buffer as
// needed, until the socket blocks (EAGAIN), is closed (0-byte read), or
// errors. After each successful read it decodes as many complete PDUs as
// are buffered and fires ReceivedPDU for each.
func (p *Peer) drainUntilBlocked() {
	readyCount := 0
	for {
		if err := p.recv.Grow(p.cfg.RecvBufferStepSize); err != nil {
			p.teardown(err)
			return
		}
		n, err := unix.Read(p.fd, p.recv.FreeSpace())
		if err != nil {
			if errors.Is(err, unix.EAGAIN) {
				break
			}
			if errors.Is(err, unix.ECONNRESET) || errors.Is(err, unix.EBADF) {
				p.teardown(err)
				return
			}
			p.teardown(err)
			return
		}
		if n == 0 {
			p.teardown(nil) // orderly close
			return
		}
		readyCount++
		p.recv.Append(n)
		p.Stats.BytesReceived.Add(int64(n))
		p.decodeReady()
	}
	if readyCount > 0 {
		p.Stats.receiveReadyEvents.Add(1)
		p.Stats.receiveReadyTotal.Add(int64(readyCount))
	}
}

func (p *Peer) decodeReady() {
	for {
		decoded, n, err := TryDecode(p.recv.Unconsumed())
		if err != nil {
			p.teardown(err)
			return
		}
		if decoded == nil {
			return
		}
		p.recv.Consume(n)
		p.Stats.PDUsReceived.Add(1)
		p.emit(PeerEvent{Kind: ReceivedPDU, PDU: decoded})
	}
}

// teardown closes the fd (idempotent) and fires Disconnected exactly
// once. err is nil for an orderly close.
func (p *Peer) teardown(err error) {
	p.closeOnce.Do(func() {
		p.closed.Store(true)
		p.poller.Unregister(p.fd)
		_ = unix.Close(p.fd)
		close(p.outbound)
		p.Stats.DisconnectCount.Add(1)
		if telemetry.Enabled() {
			if err != nil {
				telemetry.L().Warning().Err(err).Int("fd", p.fd).Log("pdu peer disconnected")
			} else {
				telemetry.L().Info().Int("fd", p.fd).Log("pdu peer disconnected")
			}
		}
		p.emit(PeerEvent{Kind: Disconnected, Err: err})
		close(p.recvWake)
	})
}

// Close tears the peer down from the outside, e.g. when process.Manager
// abandons a ProcessFuture.
func (p *Peer) Close() {
	p.teardown(nil)
}

func (p *Peer) emit(ev PeerEvent) {
	select {
	case p.events <- ev:
	case <-p.cbDone:
	}
}

func (p *Peer) callbackLoop() {
	defer close(p.cbDone)
	for ev := range p.events {
		p.callback(ev)
		if ev.Kind == Disconnected {
			return
		}
	}
}
