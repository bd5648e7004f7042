package procmonproto

import (
	"encoding/binary"

	"github.com/whitepa/forte-procmanager/pdu"
)

// StatusType identifies the kind of lifecycle transition a Status record
// reports.
type StatusType int32

const (
	StatusStarted StatusType = iota
	StatusError
	StatusExited
	StatusKilled
	StatusStopped
	StatusContinued
	StatusUnknownTermination
	StatusNotTerminated
)

func (t StatusType) String() string {
	switch t {
	case StatusStarted:
		return "started"
	case StatusError:
		return "error"
	case StatusExited:
		return "exited"
	case StatusKilled:
		return "killed"
	case StatusStopped:
		return "stopped"
	case StatusContinued:
		return "continued"
	case StatusUnknownTermination:
		return "unknown-termination"
	case StatusNotTerminated:
		return "not-terminated"
	default:
		return "unknown"
	}
}

// StatusMsgSize is the fixed wire size of Status.Msg.
const StatusMsgSize = 1024

const statusSize = 4 + 4 + timevalSize + 4 + StatusMsgSize

// Status is procmon -> ProcessManager notification of a lifecycle
// transition: the process started, exited, was killed or stopped by a
// signal, continued after a stop, terminated in a way that could not be
// classified, or an error occurred starting it.
type Status struct {
	Type       StatusType
	StatusCode int32 // exit code, signal number, or error code, per Type
	Timestamp  Timeval
	Msg        string
}

// Encode serializes s as a pdu.PDU payload.
func (s Status) Encode() []byte {
	buf := make([]byte, statusSize)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(s.Type))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(s.StatusCode))
	putTimeval(buf[8:8+timevalSize], s.Timestamp)
	off := 8 + timevalSize
	msg := []byte(s.Msg)
	if len(msg) > StatusMsgSize {
		msg = msg[:StatusMsgSize]
	}
	binary.LittleEndian.PutUint32(buf[off:off+4], uint32(len(msg)))
	pdu.PutFixedString(buf[off+4:], StatusMsgSize, s.Msg)
	return buf
}

// DecodeStatus parses a Status from a pdu.PDU payload.
func DecodeStatus(buf []byte) (Status, error) {
	if len(buf) < statusSize {
		return Status{}, errShortBuffer("Status", statusSize, len(buf))
	}
	off := 8 + timevalSize
	return Status{
		Type:       StatusType(int32(binary.LittleEndian.Uint32(buf[0:4]))),
		StatusCode: int32(binary.LittleEndian.Uint32(buf[4:8])),
		Timestamp:  getTimeval(buf[8 : 8+timevalSize]),
		Msg:        pdu.GetFixedString(buf[off+4 : off+4+StatusMsgSize]),
	}, nil
}
