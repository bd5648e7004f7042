package procmonproto

import (
	"encoding/binary"

	"github.com/whitepa/forte-procmanager/pdu"
)

// ParamCode identifies which parameter a Param record carries.
type ParamCode int32

const (
	ParamCmdline ParamCode = iota
	ParamCwd
	ParamInfile
	ParamOutfile
	ParamErrfile
)

func (c ParamCode) String() string {
	switch c {
	case ParamCmdline:
		return "cmdline"
	case ParamCwd:
		return "cwd"
	case ParamInfile:
		return "infile"
	case ParamOutfile:
		return "outfile"
	case ParamErrfile:
		return "errfile"
	default:
		return "unknown"
	}
}

// ParamStrSize is the fixed wire size of Param.Str.
const ParamStrSize = 2048

const paramSize = 4 + ParamStrSize

// Param is one ProcessManager -> procmon parameter, sent before
// ProcessControlReq{Control: ControlStart}. The manager sends one Param
// PDU per field it needs to configure; procmon accumulates them until it
// receives the start request.
type Param struct {
	Code ParamCode
	Str  string
}

// Encode serializes p as a pdu.PDU payload.
func (p Param) Encode() []byte {
	buf := make([]byte, paramSize)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(p.Code))
	pdu.PutFixedString(buf[4:], ParamStrSize, p.Str)
	return buf
}

// DecodeParam parses a Param from a pdu.PDU payload.
func DecodeParam(buf []byte) (Param, error) {
	if len(buf) < paramSize {
		return Param{}, errShortBuffer("Param", paramSize, len(buf))
	}
	return Param{
		Code: ParamCode(int32(binary.LittleEndian.Uint32(buf[0:4]))),
		Str:  pdu.GetFixedString(buf[4 : 4+ParamStrSize]),
	}, nil
}
