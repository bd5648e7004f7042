package pdu

import (
	"io"
)

// ReadPDU performs one blocking, full-frame read of a PDU from r: the
// procmon helper process talks to exactly one peer over a blocking
// socket fd, so it has no need of Peer's non-blocking epoll-driven
// machinery — this is the blocking counterpart used on that side of the
// channel. io.EOF is returned verbatim when r is closed between frames.
func ReadPDU(r io.Reader) (*PDU, error) {
	hdr := make([]byte, headerSize)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return nil, err
	}
	h := decodeHeader(hdr)
	if h.Version != Version {
		return nil, ErrVersionMismatch
	}
	payload := make([]byte, h.PayloadSize)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	optional := make([]byte, h.OptionalDataSize)
	if _, err := io.ReadFull(r, optional); err != nil {
		return nil, err
	}
	return &PDU{Header: h, Payload: payload, OptionalData: optional}, nil
}

// WritePDU performs one blocking, full-frame write of pdu to w.
func WritePDU(w io.Writer, pdu *PDU) error {
	_, err := w.Write(pdu.Encode())
	return err
}
