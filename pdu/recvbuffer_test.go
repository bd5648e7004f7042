package pdu

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecvBuffer_AppendConsume(t *testing.T) {
	b := newRecvBuffer(8, 8, 32)
	require.NoError(t, b.Grow(4))
	copy(b.FreeSpace(), []byte("abcd"))
	b.Append(4)
	assert.Equal(t, 4, b.Len())
	assert.Equal(t, []byte("abcd"), b.Unconsumed())

	b.Consume(2)
	assert.Equal(t, 2, b.Len())
	assert.Equal(t, []byte("cd"), b.Unconsumed())
}

func TestRecvBuffer_GrowsUpToMax(t *testing.T) {
	b := newRecvBuffer(4, 4, 12)
	require.NoError(t, b.Grow(10))
	assert.GreaterOrEqual(t, len(b.buf), 10)
	assert.LessOrEqual(t, len(b.buf), 12)
}

func TestRecvBuffer_OverflowsPastMax(t *testing.T) {
	b := newRecvBuffer(4, 4, 8)
	err := b.Grow(9)
	assert.ErrorIs(t, err, ErrBufferOverflow)
}

func TestRecvBuffer_CompactsOnDrain(t *testing.T) {
	b := newRecvBuffer(8, 8, 8)
	require.NoError(t, b.Grow(8))
	copy(b.FreeSpace(), []byte("abcdefgh"))
	b.Append(8)
	b.Consume(8)
	assert.Equal(t, 0, b.Len())
	assert.Equal(t, 0, b.r)
	assert.Equal(t, 0, b.w)

	// buffer should accept a fresh full write after full drain + compaction
	require.NoError(t, b.Grow(8))
	copy(b.FreeSpace(), []byte("12345678"))
	b.Append(8)
	assert.Equal(t, "12345678", string(b.Unconsumed()))
}
