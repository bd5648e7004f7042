//go:build linux

package pdu

import (
	"sync"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// socketPair returns a connected pair of stream socket fds, as
// process.Manager would obtain for a monitor's control channel.
func socketPair(t *testing.T) (a, b int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	return fds[0], fds[1]
}

func TestPeer_RoundTrip(t *testing.T) {
	fdA, fdB := socketPair(t)

	poller, err := NewPoller()
	require.NoError(t, err)
	defer poller.Close()

	var mu sync.Mutex
	var receivedB []*PDU
	doneB := make(chan struct{}, 1)

	peerA, err := NewPeer(fdA, poller, PeerConfig{}, func(ev PeerEvent) {})
	require.NoError(t, err)
	defer peerA.Close()

	peerB, err := NewPeer(fdB, poller, PeerConfig{}, func(ev PeerEvent) {
		if ev.Kind == ReceivedPDU {
			mu.Lock()
			receivedB = append(receivedB, ev.PDU)
			mu.Unlock()
			select {
			case doneB <- struct{}{}:
			default:
			}
		}
	})
	require.NoError(t, err)
	defer peerB.Close()

	go func() {
		for i := 0; i < 200; i++ {
			poller.PollOnce(50)
		}
	}()

	msg := New(Opcode(42), []byte("round trip payload"), []byte("opt"))
	require.True(t, peerA.Send(msg))

	select {
	case <-doneB:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for PDU delivery")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, receivedB, 1)
	assert.Equal(t, msg.Header.Opcode, receivedB[0].Header.Opcode)
	assert.Equal(t, msg.Payload, receivedB[0].Payload)
	assert.Equal(t, msg.OptionalData, receivedB[0].OptionalData)
}

func TestPeer_DisconnectOnClose(t *testing.T) {
	fdA, fdB := socketPair(t)

	poller, err := NewPoller()
	require.NoError(t, err)
	defer poller.Close()

	disconnected := make(chan struct{})
	peerB, err := NewPeer(fdB, poller, PeerConfig{}, func(ev PeerEvent) {
		if ev.Kind == Disconnected {
			close(disconnected)
		}
	})
	require.NoError(t, err)
	defer peerB.Close()

	go func() {
		for i := 0; i < 200; i++ {
			poller.PollOnce(50)
		}
	}()

	peerA, err := NewPeer(fdA, poller, PeerConfig{}, func(ev PeerEvent) {})
	require.NoError(t, err)
	peerA.Close()

	select {
	case <-disconnected:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for disconnect event")
	}
}
