package procmonproto

import (
	"encoding/binary"

	"github.com/whitepa/forte-procmanager/pdu"
)

// ControlCode identifies the kind of control request sent to procmon.
type ControlCode int32

const (
	// ControlStart tells procmon to fork/exec the process configured by
	// the Param records received so far.
	ControlStart ControlCode = iota
	// ControlSignal tells procmon to deliver Signum to the supervised
	// process's group.
	ControlSignal
)

const controlReqSize = 4 + 4

// ControlReq is a ProcessManager -> procmon control request.
type ControlReq struct {
	Control ControlCode
	Signum  int32 // meaningful only when Control == ControlSignal
}

// Encode serializes r as a pdu.PDU payload.
func (r ControlReq) Encode() []byte {
	buf := make([]byte, controlReqSize)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(r.Control))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(r.Signum))
	return buf
}

// DecodeControlReq parses a ControlReq from a pdu.PDU payload.
func DecodeControlReq(buf []byte) (ControlReq, error) {
	if len(buf) < controlReqSize {
		return ControlReq{}, errShortBuffer("ControlReq", controlReqSize, len(buf))
	}
	return ControlReq{
		Control: ControlCode(int32(binary.LittleEndian.Uint32(buf[0:4]))),
		Signum:  int32(binary.LittleEndian.Uint32(buf[4:8])),
	}, nil
}

// ResultCode reports the outcome of a ControlReq.
type ResultCode int32

const (
	Success ResultCode = iota
	UnableToOpenInputFile
	UnableToOpenOutputFile
	UnableToOpenErrorFile
	UnableToCWD
	UnableToFork
	UnableToExec
	NotRunning
	Running
	ProcmonFailure
	UnknownError
)

func (r ResultCode) String() string {
	switch r {
	case Success:
		return "success"
	case UnableToOpenInputFile:
		return "unable-to-open-input-file"
	case UnableToOpenOutputFile:
		return "unable-to-open-output-file"
	case UnableToOpenErrorFile:
		return "unable-to-open-error-file"
	case UnableToCWD:
		return "unable-to-cwd"
	case UnableToFork:
		return "unable-to-fork"
	case UnableToExec:
		return "unable-to-exec"
	case NotRunning:
		return "not-running"
	case Running:
		return "running"
	case ProcmonFailure:
		return "procmon-failure"
	case UnknownError:
		return "unknown-error"
	default:
		return "unknown"
	}
}

// ControlResErrorSize is the fixed wire size of ControlRes.Error.
const ControlResErrorSize = 1024

const controlResSize = 4 + 4 + 4 + ControlResErrorSize

// ControlRes is procmon's reply to a ControlReq.
type ControlRes struct {
	Result     ResultCode
	MonitorPID int32
	ProcessPID int32
	Error      string // populated when Result != Success
}

// Encode serializes r as a pdu.PDU payload.
func (r ControlRes) Encode() []byte {
	buf := make([]byte, controlResSize)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(r.Result))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(r.MonitorPID))
	binary.LittleEndian.PutUint32(buf[8:12], uint32(r.ProcessPID))
	pdu.PutFixedString(buf[12:], ControlResErrorSize, r.Error)
	return buf
}

// DecodeControlRes parses a ControlRes from a pdu.PDU payload.
func DecodeControlRes(buf []byte) (ControlRes, error) {
	if len(buf) < controlResSize {
		return ControlRes{}, errShortBuffer("ControlRes", controlResSize, len(buf))
	}
	return ControlRes{
		Result:     ResultCode(int32(binary.LittleEndian.Uint32(buf[0:4]))),
		MonitorPID: int32(binary.LittleEndian.Uint32(buf[4:8])),
		ProcessPID: int32(binary.LittleEndian.Uint32(buf[8:12])),
		Error:      pdu.GetFixedString(buf[12 : 12+ControlResErrorSize]),
	}, nil
}
