package pdu

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecode_RoundTrip(t *testing.T) {
	p := New(Opcode(7), []byte("hello payload"), []byte("optional"))
	buf := p.Encode()

	decoded, n, err := TryDecode(buf)
	require.NoError(t, err)
	assert.Equal(t, len(buf), n)
	require.NotNil(t, decoded)
	assert.Equal(t, p.Header, decoded.Header)
	assert.Equal(t, p.Payload, decoded.Payload)
	assert.Equal(t, p.OptionalData, decoded.OptionalData)
}

func TestTryDecode_IncompleteBuffer(t *testing.T) {
	p := New(Opcode(1), []byte("0123456789"), nil)
	buf := p.Encode()

	for cut := 0; cut < len(buf); cut++ {
		decoded, n, err := TryDecode(buf[:cut])
		assert.NoError(t, err)
		assert.Nil(t, decoded)
		assert.Zero(t, n)
	}
}

func TestTryDecode_VersionMismatch(t *testing.T) {
	p := New(Opcode(1), []byte("x"), nil)
	buf := p.Encode()
	// corrupt the version field (bytes [6:8])
	buf[6] = 0xFF
	buf[7] = 0xFF

	decoded, n, err := TryDecode(buf)
	assert.ErrorIs(t, err, ErrVersionMismatch)
	assert.Nil(t, decoded)
	assert.Equal(t, headerSize, n)
}

func TestTryDecode_MultiplePDUsInBuffer(t *testing.T) {
	p1 := New(Opcode(1), []byte("one"), nil)
	p2 := New(Opcode(2), []byte("two"), nil)
	buf := append(p1.Encode(), p2.Encode()...)

	d1, n1, err := TryDecode(buf)
	require.NoError(t, err)
	require.NotNil(t, d1)
	assert.Equal(t, "one", string(d1.Payload))

	d2, n2, err := TryDecode(buf[n1:])
	require.NoError(t, err)
	require.NotNil(t, d2)
	assert.Equal(t, "two", string(d2.Payload))
	assert.Equal(t, len(buf), n1+n2)
}

func TestFixedString_RoundTrip(t *testing.T) {
	buf := make([]byte, 16)
	PutFixedString(buf, len(buf), "hello")
	assert.Equal(t, "hello", GetFixedString(buf))

	// truncation
	PutFixedString(buf, len(buf), "this string is definitely far too long")
	assert.Len(t, GetFixedString(buf), 16)
}

func TestFixedString_Empty(t *testing.T) {
	buf := make([]byte, 8)
	PutFixedString(buf, len(buf), "")
	assert.Equal(t, "", GetFixedString(buf))
}
