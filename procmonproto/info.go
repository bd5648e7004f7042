package procmonproto

import (
	"encoding/binary"

	"github.com/whitepa/forte-procmanager/pdu"
)

const infoReqSize = 4

// InfoReq queries procmon for the current ProcessFuture.Info() snapshot.
// It carries no meaningful fields; Nothing exists only to keep the record
// non-empty on the wire, matching the original protocol.
type InfoReq struct {
	Nothing int32
}

// Encode serializes r as a pdu.PDU payload.
func (r InfoReq) Encode() []byte {
	buf := make([]byte, infoReqSize)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(r.Nothing))
	return buf
}

// DecodeInfoReq parses an InfoReq from a pdu.PDU payload.
func DecodeInfoReq(buf []byte) (InfoReq, error) {
	if len(buf) < infoReqSize {
		return InfoReq{}, errShortBuffer("InfoReq", infoReqSize, len(buf))
	}
	return InfoReq{Nothing: int32(binary.LittleEndian.Uint32(buf[0:4]))}, nil
}

// InfoStartedBySize, InfoCmdlineSize and InfoCwdSize are the fixed wire
// sizes of the corresponding InfoRes string fields.
const (
	InfoStartedBySize = 64
	InfoCmdlineSize   = 2048
	InfoCwdSize       = 1024
)

const infoResSize = InfoStartedBySize + 4 + timevalSize + timevalSize + InfoCmdlineSize + InfoCwdSize + 4 + 4

// InfoRes is procmon's reply to an InfoReq: a snapshot of the supervised
// process's identity and timing, independent of its current lifecycle
// status.
type InfoRes struct {
	StartedBy    string // user name the monitor runs as; empty if the lookup failed
	StartedByPID int32
	StartTime    Timeval
	Elapsed      Timeval
	Cmdline      string
	Cwd          string
	MonitorPID   int32
	ProcessPID   int32
}

// Encode serializes r as a pdu.PDU payload.
func (r InfoRes) Encode() []byte {
	buf := make([]byte, infoResSize)
	off := 0
	pdu.PutFixedString(buf[off:], InfoStartedBySize, r.StartedBy)
	off += InfoStartedBySize
	binary.LittleEndian.PutUint32(buf[off:off+4], uint32(r.StartedByPID))
	off += 4
	putTimeval(buf[off:off+timevalSize], r.StartTime)
	off += timevalSize
	putTimeval(buf[off:off+timevalSize], r.Elapsed)
	off += timevalSize
	pdu.PutFixedString(buf[off:], InfoCmdlineSize, r.Cmdline)
	off += InfoCmdlineSize
	pdu.PutFixedString(buf[off:], InfoCwdSize, r.Cwd)
	off += InfoCwdSize
	binary.LittleEndian.PutUint32(buf[off:off+4], uint32(r.MonitorPID))
	off += 4
	binary.LittleEndian.PutUint32(buf[off:off+4], uint32(r.ProcessPID))
	return buf
}

// DecodeInfoRes parses an InfoRes from a pdu.PDU payload.
func DecodeInfoRes(buf []byte) (InfoRes, error) {
	if len(buf) < infoResSize {
		return InfoRes{}, errShortBuffer("InfoRes", infoResSize, len(buf))
	}
	off := 0
	r := InfoRes{}
	r.StartedBy = pdu.GetFixedString(buf[off : off+InfoStartedBySize])
	off += InfoStartedBySize
	r.StartedByPID = int32(binary.LittleEndian.Uint32(buf[off : off+4]))
	off += 4
	r.StartTime = getTimeval(buf[off : off+timevalSize])
	off += timevalSize
	r.Elapsed = getTimeval(buf[off : off+timevalSize])
	off += timevalSize
	r.Cmdline = pdu.GetFixedString(buf[off : off+InfoCmdlineSize])
	off += InfoCmdlineSize
	r.Cwd = pdu.GetFixedString(buf[off : off+InfoCwdSize])
	off += InfoCwdSize
	r.MonitorPID = int32(binary.LittleEndian.Uint32(buf[off : off+4]))
	off += 4
	r.ProcessPID = int32(binary.LittleEndian.Uint32(buf[off : off+4]))
	return r, nil
}
