// Package monitorsup implements the procmon helper process's supervision
// loop: parameter intake, fork/exec of the supervised grandchild via
// /bin/bash -c, fd redirection to capture files, waitpid-based status
// reporting, and best-effort signal relay. It is invoked by cmd/procmon
// and kept separate from main() so it can be exercised by tests without
// forking a real os.Args-driven process.
package monitorsup

import (
	"errors"
	"io"
	"os"
	"os/exec"
	"os/user"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/whitepa/forte-procmanager/clock"
	"github.com/whitepa/forte-procmanager/internal/telemetry"
	"github.com/whitepa/forte-procmanager/pdu"
	"github.com/whitepa/forte-procmanager/procmonproto"
)

// shellPath is the interpreter the grandchild is exec'd through. The
// supervised command line is passed to it as a single -c argument, not
// split and exec'd directly, so callers may use shell syntax (pipes,
// redirection, globs) in cmdline.
const shellPath = "/bin/bash"

// Run drives the monitor's entire lifecycle over channel: reading
// parameters, handling the start request, supervising the grandchild,
// and relaying signals, until the channel closes or the grandchild's
// final status has been delivered. channel is a duplex, blocking
// connection to the ProcessManager (in production, the inherited
// control-channel fd wrapped by os.NewFile).
func Run(channel io.ReadWriteCloser) error {
	m := &monitor{
		channel:      channel,
		params:       make(map[procmonproto.ParamCode]string),
		startedByPID: int32(os.Getppid()),
		startedBy:    currentUsername(),
	}
	return m.run()
}

type monitor struct {
	channel io.ReadWriteCloser
	params  map[procmonproto.ParamCode]string
	cmd     *exec.Cmd

	startedBy    string
	startedByPID int32
	startTime    time.Time
}

// currentUsername looks up the invoking user for InfoRes.startedBy,
// tolerating lookup failure (e.g. no /etc/passwd entry in a minimal
// container) by falling back to an empty field.
func currentUsername() string {
	u, err := user.Current()
	if err != nil {
		return ""
	}
	return u.Username
}

func (m *monitor) run() error {
	readErrc := make(chan error, 1)
	childDonec := make(chan struct{}, 1)

	go m.readLoop(readErrc, childDonec)

	select {
	case err := <-readErrc:
		if errors.Is(err, io.EOF) {
			return nil
		}
		return err
	case <-childDonec:
		return nil
	}
}

// readLoop is the monitor's only reader of channel. It handles Param and
// ControlReq records inline; once the grandchild is started it spawns the
// waiter goroutine and continues reading (for ControlReq{Signal}) until
// the channel errs out.
func (m *monitor) readLoop(readErrc chan<- error, childDonec chan<- struct{}) {
	for {
		p, err := pdu.ReadPDU(m.channel)
		if err != nil {
			readErrc <- err
			return
		}
		switch p.Header.Opcode {
		case procmonproto.OpParam:
			param, err := procmonproto.DecodeParam(p.Payload)
			if err != nil {
				telemetry.L().Warning().Err(err).Log("procmon: malformed param PDU")
				continue
			}
			m.params[param.Code] = param.Str
		case procmonproto.OpControlReq:
			req, err := procmonproto.DecodeControlReq(p.Payload)
			if err != nil {
				telemetry.L().Warning().Err(err).Log("procmon: malformed control request")
				continue
			}
			switch req.Control {
			case procmonproto.ControlStart:
				m.handleStart(childDonec)
			case procmonproto.ControlSignal:
				m.handleSignal(req.Signum)
			}
		case procmonproto.OpInfoReq:
			if _, err := procmonproto.DecodeInfoReq(p.Payload); err != nil {
				telemetry.L().Warning().Err(err).Log("procmon: malformed info request")
				continue
			}
			m.handleInfoReq()
		default:
			telemetry.L().Warning().Int("opcode", int(p.Header.Opcode)).Log("procmon: unexpected opcode")
		}
	}
}

// handleStart opens the capture files, forks/execs the grandchild, replies
// with a ControlRes, and — on success — starts the waiter goroutine that
// reports the grandchild's lifecycle and signals childDonec once the
// final status has been sent.
func (m *monitor) handleStart(childDonec chan<- struct{}) {
	cmdline := m.params[procmonproto.ParamCmdline]
	cwd := m.params[procmonproto.ParamCwd]
	infile := m.params[procmonproto.ParamInfile]
	outfile := m.params[procmonproto.ParamOutfile]
	errfile := m.params[procmonproto.ParamErrfile]

	in, result, err := openCaptureFile(infile, os.O_RDONLY, 0, procmonproto.UnableToOpenInputFile)
	if err != nil {
		m.replyFailure(result, err)
		return
	}
	defer in.Close()

	out, result, err := openCaptureFile(outfile, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600, procmonproto.UnableToOpenOutputFile)
	if err != nil {
		m.replyFailure(result, err)
		return
	}
	defer out.Close()

	errOut, result, err := openCaptureFile(errfile, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600, procmonproto.UnableToOpenErrorFile)
	if err != nil {
		m.replyFailure(result, err)
		return
	}
	defer errOut.Close()

	if cwd != "" {
		if _, statErr := os.Stat(cwd); statErr != nil {
			m.replyFailure(procmonproto.UnableToCWD, statErr)
			return
		}
	}

	cmd := exec.Command(shellPath, "-c", cmdline)
	cmd.Dir = cwd
	cmd.Stdin = in
	cmd.Stdout = out
	cmd.Stderr = errOut
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if startErr := cmd.Start(); startErr != nil {
		if errors.Is(startErr, exec.ErrNotFound) || os.IsNotExist(startErr) {
			m.replyFailure(procmonproto.UnableToExec, startErr)
		} else {
			// os/exec folds fork and exec into one Start() call; anything
			// that isn't a missing-binary error is attributed to the fork
			// stage, the closest available classification.
			m.replyFailure(procmonproto.UnableToFork, startErr)
		}
		return
	}
	m.cmd = cmd
	m.startTime = time.Now()

	m.reply(procmonproto.ControlRes{
		Result:     procmonproto.Success,
		MonitorPID: int32(os.Getpid()),
		ProcessPID: int32(cmd.Process.Pid),
	})
	m.sendStatus(procmonproto.StatusStarted, 0, "")

	go m.waitForChild(childDonec)
}

// openCaptureFile opens path with the given flags, mapping any error to
// the ResultCode naming that file's role.
func openCaptureFile(path string, flag int, perm os.FileMode, onError procmonproto.ResultCode) (*os.File, procmonproto.ResultCode, error) {
	f, err := os.OpenFile(path, flag, perm)
	if err != nil {
		return nil, onError, err
	}
	return f, procmonproto.Success, nil
}

func (m *monitor) replyFailure(result procmonproto.ResultCode, cause error) {
	m.reply(procmonproto.ControlRes{Result: result, Error: cause.Error()})
	m.sendStatus(procmonproto.StatusError, int32(result), cause.Error())
}

func (m *monitor) reply(res procmonproto.ControlRes) {
	p := pdu.New(procmonproto.OpControlRes, res.Encode(), nil)
	if err := pdu.WritePDU(m.channel, p); err != nil {
		telemetry.L().Warning().Err(err).Log("procmon: failed to write control response")
	}
}

func (m *monitor) sendStatus(typ procmonproto.StatusType, code int32, msg string) {
	status := procmonproto.Status{
		Type:       typ,
		StatusCode: code,
		Timestamp:  timevalFromTime(time.Now()),
		Msg:        msg,
	}
	p := pdu.New(procmonproto.OpStatus, status.Encode(), nil)
	if err := pdu.WritePDU(m.channel, p); err != nil {
		telemetry.L().Warning().Err(err).Log("procmon: failed to write status")
	}
}

// handleInfoReq answers a diagnostic info round trip with the data
// gathered at Param-intake/start time plus elapsed wall time.
func (m *monitor) handleInfoReq() {
	var elapsed time.Duration
	if !m.startTime.IsZero() {
		elapsed = time.Since(m.startTime)
	}
	var processPID int32
	if m.cmd != nil && m.cmd.Process != nil {
		processPID = int32(m.cmd.Process.Pid)
	}
	res := procmonproto.InfoRes{
		StartedBy:    m.startedBy,
		StartedByPID: m.startedByPID,
		StartTime:    timevalFromTime(m.startTime),
		Elapsed:      timevalFromDuration(elapsed),
		Cmdline:      m.params[procmonproto.ParamCmdline],
		Cwd:          m.params[procmonproto.ParamCwd],
		MonitorPID:   int32(os.Getpid()),
		ProcessPID:   processPID,
	}
	p := pdu.New(procmonproto.OpInfoRes, res.Encode(), nil)
	if err := pdu.WritePDU(m.channel, p); err != nil {
		telemetry.L().Warning().Err(err).Log("procmon: failed to write info response")
	}
}

// timevalFromTime and timevalFromDuration build a wire Timeval via
// clock.Timespec's normalized (sec, nsec) arithmetic, truncating to the
// microsecond resolution the wire format carries.
func timevalFromTime(t time.Time) procmonproto.Timeval {
	if t.IsZero() {
		return procmonproto.Timeval{}
	}
	ts := clock.FromTime(t)
	return procmonproto.Timeval{Sec: ts.Sec, Usec: ts.Nsec / 1000}
}

func timevalFromDuration(d time.Duration) procmonproto.Timeval {
	ts := clock.FromDuration(d)
	return procmonproto.Timeval{Sec: ts.Sec, Usec: ts.Nsec / 1000}
}

// waitForChild performs a waitpid loop (WUNTRACED|WCONTINUED, to observe
// stop/continue transitions without reaping prematurely) until the
// grandchild exits or is killed by a signal, sending a Status record for
// every transition.
func (m *monitor) waitForChild(childDonec chan<- struct{}) {
	pid := m.cmd.Process.Pid
waitLoop:
	for {
		var ws unix.WaitStatus
		_, err := unix.Wait4(pid, &ws, unix.WUNTRACED|unix.WCONTINUED, nil)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			m.sendStatus(procmonproto.StatusUnknownTermination, 0, err.Error())
			break waitLoop
		}
		switch {
		case ws.Exited():
			m.sendStatus(procmonproto.StatusExited, int32(ws.ExitStatus()), "")
			break waitLoop
		case ws.Signaled():
			m.sendStatus(procmonproto.StatusKilled, int32(ws.Signal()), "")
			break waitLoop
		case ws.Stopped():
			m.sendStatus(procmonproto.StatusStopped, int32(ws.StopSignal()), "")
		case ws.Continued():
			m.sendStatus(procmonproto.StatusContinued, 0, "")
		default:
			m.sendStatus(procmonproto.StatusUnknownTermination, int32(ws), "")
			break waitLoop
		}
	}
	childDonec <- struct{}{}
}

// handleSignal relays signum to the grandchild's process group. Setsid
// made the grandchild its own session and process group leader, so its
// pgid equals its pid. Errors are logged but never fatal to the monitor.
func (m *monitor) handleSignal(signum int32) {
	if m.cmd == nil || m.cmd.Process == nil {
		return
	}
	if err := unix.Kill(-m.cmd.Process.Pid, unix.Signal(signum)); err != nil {
		telemetry.L().Debug().Err(err).Int("signal", int(signum)).Log("procmon: signal relay failed")
	}
}
