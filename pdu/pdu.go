// Package pdu implements the length-prefixed record framing used on the
// control channel between process.Manager and the procmon helper process:
// a fixed binary header (PDU), a Peer wrapping one stream socket with
// dedicated send/receive/callback goroutines, and an epoll-backed Poller
// multiplexing many peers' read-readiness for a single engine goroutine.
package pdu

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Version is this implementation's PDU_VERSION. Peers that observe a
// mismatched version on a received PDU tear down the connection.
const Version uint16 = 1

// headerSize is the packed, no-padding, little-endian wire size of Header:
// opcode(2) + payloadSize(4) + version(2) + optionalDataSize(4) +
// optionalDataAttributes(4).
const headerSize = 2 + 4 + 2 + 4 + 4

// Opcode identifies the kind of record carried by a PDU. The monitor
// protocol's concrete opcodes are defined by package procmonproto; this
// package only frames and transports arbitrary opcode/payload pairs.
type Opcode uint16

// Header is the fixed, packed header preceding every PDU's payload and
// optional data on the wire.
type Header struct {
	Opcode                 Opcode
	PayloadSize            uint32
	Version                uint16
	OptionalDataSize       uint32
	OptionalDataAttributes uint32
}

// PDU is one complete protocol data unit: a header plus exactly
// PayloadSize bytes of payload and OptionalDataSize bytes of optional
// data.
type PDU struct {
	Header       Header
	Payload      []byte
	OptionalData []byte
}

// ErrVersionMismatch is returned (wrapped, by TryDecode; as is, by
// ReadPDU) when a PDU's header version does not match Version.
var ErrVersionMismatch = errors.New("pdu: version mismatch")

// New builds a PDU with a correctly populated header for the given opcode,
// payload and optional data.
func New(opcode Opcode, payload, optionalData []byte) *PDU {
	return &PDU{
		Header: Header{
			Opcode:                 opcode,
			PayloadSize:            uint32(len(payload)),
			Version:                Version,
			OptionalDataSize:       uint32(len(optionalData)),
			OptionalDataAttributes: 0,
		},
		Payload:      payload,
		OptionalData: optionalData,
	}
}

// Encode serializes p into a single contiguous byte slice: header, then
// payload, then optional data.
func (p *PDU) Encode() []byte {
	buf := make([]byte, headerSize+len(p.Payload)+len(p.OptionalData))
	encodeHeader(buf, p.Header)
	copy(buf[headerSize:], p.Payload)
	copy(buf[headerSize+len(p.Payload):], p.OptionalData)
	return buf
}

func encodeHeader(buf []byte, h Header) {
	binary.LittleEndian.PutUint16(buf[0:2], uint16(h.Opcode))
	binary.LittleEndian.PutUint32(buf[2:6], h.PayloadSize)
	binary.LittleEndian.PutUint16(buf[6:8], h.Version)
	binary.LittleEndian.PutUint32(buf[8:12], h.OptionalDataSize)
	binary.LittleEndian.PutUint32(buf[12:16], h.OptionalDataAttributes)
}

func decodeHeader(buf []byte) Header {
	return Header{
		Opcode:                 Opcode(binary.LittleEndian.Uint16(buf[0:2])),
		PayloadSize:            binary.LittleEndian.Uint32(buf[2:6]),
		Version:                binary.LittleEndian.Uint16(buf[6:8]),
		OptionalDataSize:       binary.LittleEndian.Uint32(buf[8:12]),
		OptionalDataAttributes: binary.LittleEndian.Uint32(buf[12:16]),
	}
}

// TryDecode attempts to decode one PDU from the front of buf. It returns
// the decoded PDU and the number of bytes consumed; if no complete PDU is
// buffered yet, the PDU is nil, n is 0 and err is nil. If the header
// declares a version other than Version, the PDU is nil, n is headerSize
// (the header is consumed) and err wraps ErrVersionMismatch: callers must
// tear down the connection without attempting to interpret payload bytes
// as the declared lengths may be garbage.
func TryDecode(buf []byte) (pdu *PDU, n int, err error) {
	if len(buf) < headerSize {
		return nil, 0, nil
	}
	h := decodeHeader(buf)
	if h.Version != Version {
		return nil, headerSize, fmt.Errorf("%w: got %d want %d", ErrVersionMismatch, h.Version, Version)
	}
	total := headerSize + int(h.PayloadSize) + int(h.OptionalDataSize)
	if len(buf) < total {
		return nil, 0, nil
	}
	payload := make([]byte, h.PayloadSize)
	copy(payload, buf[headerSize:headerSize+int(h.PayloadSize)])
	optional := make([]byte, h.OptionalDataSize)
	copy(optional, buf[headerSize+int(h.PayloadSize):total])
	return &PDU{Header: h, Payload: payload, OptionalData: optional}, total, nil
}

// PutFixedString writes s into a fixed-size, zero-padded field of size n,
// truncating if s is too long. Used for the monitor protocol's
// Param.str/ControlRes.error/Status.msg/InfoRes.* fields (source
// specification §3/§6).
func PutFixedString(buf []byte, n int, s string) {
	b := []byte(s)
	if len(b) > n {
		b = b[:n]
	}
	copy(buf[:n], b)
	for i := len(b); i < n; i++ {
		buf[i] = 0
	}
}

// GetFixedString reads a zero-padded fixed-size string field back out.
func GetFixedString(buf []byte) string {
	for i, b := range buf {
		if b == 0 {
			return string(buf[:i])
		}
	}
	return string(buf)
}
