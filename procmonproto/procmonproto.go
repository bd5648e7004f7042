// Package procmonproto defines the monitor control-channel record types
// carried as pdu.PDU payloads between process.Manager and the procmon
// helper process: parameter handoff, status notifications, captured
// output chunks, control requests/responses, and info queries.
package procmonproto

import (
	"encoding/binary"
	"fmt"

	"github.com/whitepa/forte-procmanager/pdu"
)

// Opcode values, in wire order. Output is carried even though no current
// caller produces it: procmon would emit it opportunistically as the
// supervised child writes to its captured stdout/stderr pipes, were
// streaming (rather than file-capture) output ever wired in.
const (
	OpParam      pdu.Opcode = iota // ProcessParamPDU: one parameter, sent before ControlStart
	OpStatus                       // ProcessStatusPDU: a lifecycle transition notification
	OpOutput                       // ProcessOutputPDU: a chunk of captured output
	OpControlReq                   // ProcessControlReqPDU: start or signal request
	OpControlRes                   // ProcessControlResPDU: reply to a control request
	OpInfoReq                      // ProcessInfoReqPDU: query current process info
	OpInfoRes                      // ProcessInfoResPDU: reply to an info query
)

// Timeval is a fixed-width (int64, int64) replacement for the original
// protocol's platform-dependent `struct timeval`, so that the wire format
// does not vary by build architecture.
type Timeval struct {
	Sec  int64
	Usec int64
}

const timevalSize = 16

func putTimeval(buf []byte, t Timeval) {
	binary.LittleEndian.PutUint64(buf[0:8], uint64(t.Sec))
	binary.LittleEndian.PutUint64(buf[8:16], uint64(t.Usec))
}

func getTimeval(buf []byte) Timeval {
	return Timeval{
		Sec:  int64(binary.LittleEndian.Uint64(buf[0:8])),
		Usec: int64(binary.LittleEndian.Uint64(buf[8:16])),
	}
}

// errShortBuffer formats a consistent "too short to decode" error for the
// record-level Decode functions below.
func errShortBuffer(record string, want, got int) error {
	return fmt.Errorf("procmonproto: %s payload too short: want %d got %d", record, want, got)
}
