package pdu

import "errors"

// ErrBufferOverflow is raised when the receive buffer would need to grow
// past its configured cap to hold the next read.
var ErrBufferOverflow = errors.New("pdu: peer receive buffer overflow")

// recvBuffer is a growable, compacting byte buffer: bytes are appended at
// the write cursor and consumed from the read cursor. Both cursors reset
// to 0 once everything is consumed; unconsumed bytes are copied back to
// index 0 when the read cursor passes half the buffer or when Grow needs
// room. It grows by a fixed step at a time up to a configured maximum.
type recvBuffer struct {
	buf  []byte
	r, w int
	step int
	max  int
}

// newRecvBuffer constructs a recvBuffer starting at initial capacity,
// growing by step up to max.
func newRecvBuffer(initial, step, max int) *recvBuffer {
	if initial <= 0 {
		initial = 4096
	}
	if step <= 0 {
		step = initial
	}
	if max <= 0 || max < initial {
		max = initial
	}
	return &recvBuffer{buf: make([]byte, initial), step: step, max: max}
}

// Len returns the number of unconsumed bytes currently buffered.
func (b *recvBuffer) Len() int { return b.w - b.r }

// Unconsumed returns the slice of buffered-but-not-yet-consumed bytes.
// The slice is only valid until the next call to Grow/Consume/Append.
func (b *recvBuffer) Unconsumed() []byte { return b.buf[b.r:b.w] }

// Consume advances the read cursor by n bytes and compacts the buffer if
// it has been fully drained.
func (b *recvBuffer) Consume(n int) {
	b.r += n
	if b.r == b.w {
		b.r, b.w = 0, 0
	} else if b.r > len(b.buf)/2 {
		copy(b.buf, b.buf[b.r:b.w])
		b.w -= b.r
		b.r = 0
	}
}

// Grow ensures at least n contiguous free bytes exist after the write
// cursor, compacting first and then growing by step (up to max) as
// needed. It returns ErrBufferOverflow if that would exceed max.
func (b *recvBuffer) Grow(n int) error {
	if len(b.buf)-b.w >= n {
		return nil
	}
	if b.r > 0 {
		copy(b.buf, b.buf[b.r:b.w])
		b.w -= b.r
		b.r = 0
	}
	for len(b.buf)-b.w < n {
		next := len(b.buf) + b.step
		if next > b.max {
			if len(b.buf) >= b.max {
				return ErrBufferOverflow
			}
			next = b.max
		}
		grown := make([]byte, next)
		copy(grown, b.buf[:b.w])
		b.buf = grown
		if len(b.buf)-b.w < n && len(b.buf) >= b.max {
			return ErrBufferOverflow
		}
	}
	return nil
}

// FreeSpace returns the writable region after the write cursor, for a
// direct (zero-copy) read(2) into the buffer. Callers must follow a
// successful read with Append(n).
func (b *recvBuffer) FreeSpace() []byte { return b.buf[b.w:] }

// Append records that n bytes were written into the slice previously
// returned by FreeSpace.
func (b *recvBuffer) Append(n int) { b.w += n }
