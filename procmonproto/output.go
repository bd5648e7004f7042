package procmonproto

import "encoding/binary"

// OutputDataSize is the fixed wire capacity of one Output chunk.
const OutputDataSize = 1024

const outputSize = 4 + OutputDataSize

// Output carries one chunk of bytes captured from the supervised
// process's stdout or stderr, when output capture (rather than
// file-redirection) is in effect. On the wire a length prefix precedes a
// fixed OutputDataSize data area; only that many leading bytes of the area
// are meaningful.
type Output struct {
	Data []byte
}

// Encode serializes o as a pdu.PDU payload, truncating Data to
// OutputDataSize if necessary.
func (o Output) Encode() []byte {
	data := o.Data
	if len(data) > OutputDataSize {
		data = data[:OutputDataSize]
	}
	buf := make([]byte, outputSize)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(data)))
	copy(buf[4:4+len(data)], data)
	return buf
}

// DecodeOutput parses an Output record from a pdu.PDU payload.
func DecodeOutput(buf []byte) (Output, error) {
	if len(buf) < outputSize {
		return Output{}, errShortBuffer("Output", outputSize, len(buf))
	}
	n := int(binary.LittleEndian.Uint32(buf[0:4]))
	if n > OutputDataSize {
		n = OutputDataSize
	}
	data := make([]byte, n)
	copy(data, buf[4:4+n])
	return Output{Data: data}, nil
}
