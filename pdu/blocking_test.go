package pdu

import (
	"io"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadWritePDU_RoundTrip(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	msg := New(Opcode(3), []byte("blocking payload"), []byte("opt"))

	errc := make(chan error, 1)
	go func() { errc <- WritePDU(client, msg) }()

	decoded, err := ReadPDU(server)
	require.NoError(t, err)
	require.NoError(t, <-errc)
	assert.Equal(t, msg.Header.Opcode, decoded.Header.Opcode)
	assert.Equal(t, msg.Payload, decoded.Payload)
	assert.Equal(t, msg.OptionalData, decoded.OptionalData)
}

func TestReadPDU_EOF(t *testing.T) {
	client, server := net.Pipe()
	client.Close()

	_, err := ReadPDU(server)
	assert.ErrorIs(t, err, io.EOF)
}
