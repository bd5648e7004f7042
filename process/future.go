package process

import (
	"context"
	"os"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/whitepa/forte-procmanager/clock"
	"github.com/whitepa/forte-procmanager/future"
	"github.com/whitepa/forte-procmanager/internal/telemetry"
	"github.com/whitepa/forte-procmanager/pdu"
	"github.com/whitepa/forte-procmanager/procmonproto"
)

// CompleteCallback is invoked exactly once, at the moment a ProcessFuture
// enters a terminal state, before any waiter on GetResult/GetResultTimed
// is released. A panicking callback is recovered and swallowed: callback
// exceptions never propagate.
type CompleteCallback func(*ProcessFuture)

// Info is the ad hoc snapshot returned by ProcessFuture.Info, round-tripped
// via the InfoReq/InfoRes wire records — reserved in the protocol but,
// until this method, never assigned a caller.
type Info struct {
	StartedBy    string
	StartedByPID int32
	StartTime    time.Time
	Elapsed      time.Duration
	Cmdline      string
	Cwd          string
	MonitorPID   int32
	ProcessPID   int32
}

// ProcessFuture is a handle to one child process supervised by a procmon
// instance: the state machine, result access and control operations live
// here.
type ProcessFuture struct {
	mgr *Manager

	mu            sync.Mutex
	state         State
	cmdline       string // raw, not yet environment-overlaid; see applyEnvironmentOverlay
	env           map[string]string
	commandToLog  string
	cwd           string
	outfile       string
	errfile       string
	infile        string
	callback      CompleteCallback
	callbackFired bool

	monitorPID  int32
	processPID  int32
	statusCode  int32
	errorString string

	pendingInfo []*future.Future[procmonproto.InfoRes]

	peer *pdu.Peer

	startResult chan error
	done        *future.Future[struct{}]
}

// newProcessFuture constructs a ProcessFuture in StateReady. It is not
// exported: only a Manager can bring one into existence, mirroring
// ProcessFutureImpl's constructor being a Manager-only friend.
func newProcessFuture(mgr *Manager, cmdline string, env map[string]string, commandToLog, cwd, outfile, errfile, infile string) *ProcessFuture {
	return &ProcessFuture{
		mgr:          mgr,
		state:        StateReady,
		cmdline:      cmdline,
		env:          env,
		commandToLog: commandToLog,
		cwd:          cwd,
		outfile:      outfile,
		errfile:      errfile,
		infile:       infile,
		startResult:  make(chan error, 1),
		done:         future.New[struct{}](),
	}
}

func (p *ProcessFuture) setReadyOnly(mutate func()) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != StateReady {
		return &StartedError{Message: "process: cannot reconfigure a ProcessFuture once it has been started"}
	}
	mutate()
	return nil
}

// SetCurrentWorkingDirectory sets the child's working directory. Valid
// only in StateReady.
func (p *ProcessFuture) SetCurrentWorkingDirectory(cwd string) error {
	return p.setReadyOnly(func() { p.cwd = cwd })
}

// SetEnvironment replaces the environment overlay applied to the child on
// top of the monitor's own environment: entries with an empty value unset
// the key, any other value exports it. It is folded into the command line
// sent to the monitor at Run time (see applyEnvironmentOverlay), since the
// wire protocol has no dedicated environment record. Valid only in
// StateReady.
func (p *ProcessFuture) SetEnvironment(env map[string]string) error {
	return p.setReadyOnly(func() { p.env = env })
}

// SetInputFilename sets the file the child's stdin is bound to. Valid
// only in StateReady.
func (p *ProcessFuture) SetInputFilename(infile string) error {
	return p.setReadyOnly(func() { p.infile = infile })
}

// SetOutputFilename sets the file the child's stdout is bound to. Valid
// only in StateReady.
func (p *ProcessFuture) SetOutputFilename(outfile string) error {
	return p.setReadyOnly(func() { p.outfile = outfile })
}

// SetErrorFilename sets the file the child's stderr is bound to. Valid
// only in StateReady.
func (p *ProcessFuture) SetErrorFilename(errfile string) error {
	return p.setReadyOnly(func() { p.errfile = errfile })
}

// SetProcessCompleteCallback registers cb to run once, at the moment this
// future enters a terminal state. Valid only in StateReady.
func (p *ProcessFuture) SetProcessCompleteCallback(cb CompleteCallback) error {
	return p.setReadyOnly(func() { p.callback = cb })
}

// GetCommand returns the command-to-log if one was supplied, else the raw
// command line (before the environment overlay applied at Run time).
func (p *ProcessFuture) GetCommand() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.commandToLog != "" {
		return p.commandToLog
	}
	return p.cmdline
}

// GetProcessPID returns the supervised child's PID. Zero before the
// control response reporting it has arrived.
func (p *ProcessFuture) GetProcessPID() int32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.processPID
}

// GetMonitorPID returns the procmon helper's PID. Zero before the control
// response reporting it has arrived.
func (p *ProcessFuture) GetMonitorPID() int32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.monitorPID
}

// IsRunning reports whether the state is strictly running (StateRunning
// or StateStopped).
func (p *ProcessFuture) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return isRunningState(p.state)
}

// IsCancelled reports whether Cancel has been called.
func (p *ProcessFuture) IsCancelled() bool {
	return p.done.IsCancelled()
}

// Run atomically transitions StateReady to StateStarting, sends the
// parameter PDUs and a start request, then blocks until the state leaves
// StateStarting. If the monitor rejects the start, the resulting error is
// both returned here and available from GetResult[Timed].
func (p *ProcessFuture) Run() error {
	p.mu.Lock()
	if p.state != StateReady {
		p.mu.Unlock()
		return &StartedError{Message: "process: Run called more than once"}
	}
	p.state = StateStarting
	cmdline, env, cwd, infile, outfile, errfile := p.cmdline, p.env, p.cwd, p.infile, p.outfile, p.errfile
	p.mu.Unlock()

	params := []procmonproto.Param{
		{Code: procmonproto.ParamCmdline, Str: applyEnvironmentOverlay(cmdline, env)},
		{Code: procmonproto.ParamCwd, Str: cwd},
		{Code: procmonproto.ParamInfile, Str: infile},
		{Code: procmonproto.ParamOutfile, Str: outfile},
		{Code: procmonproto.ParamErrfile, Str: errfile},
	}
	for _, param := range params {
		if !p.peer.Send(pdu.New(procmonproto.OpParam, param.Encode(), nil)) {
			return p.failStart(&ManagementProcFailedError{Message: "process: management channel closed while sending parameters"})
		}
	}

	req := procmonproto.ControlReq{Control: procmonproto.ControlStart}
	if !p.peer.Send(pdu.New(procmonproto.OpControlReq, req.Encode(), nil)) {
		return p.failStart(&ManagementProcFailedError{Message: "process: management channel closed while sending start request"})
	}

	return <-p.startResult
}

func (p *ProcessFuture) failStart(err error) error {
	p.transitionTerminal(StateError, err)
	return err
}

// GetResult blocks until the future reaches a terminal state, then
// returns nil (clean exit), or the terminal failure: Abandoned, Killed,
// TerminatedWithNonZeroStatus, or the error mapped from the monitor.
func (p *ProcessFuture) GetResult() error {
	_, err := p.done.GetResult()
	return err
}

// GetResultTimed is GetResult bounded by ctx: if ctx is done first, it
// returns ErrTimeoutWaitingForResult without altering the future's state.
func (p *ProcessFuture) GetResultTimed(ctx context.Context) error {
	_, err := p.done.GetResultTimed(ctx)
	return err
}

// Signal sends signum to the child's process group. Valid only while
// strictly running (StateRunning or StateStopped).
func (p *ProcessFuture) Signal(signum int) error {
	p.mu.Lock()
	running := isRunningState(p.state)
	p.mu.Unlock()
	if !running {
		return &NotRunningError{Message: "process: Signal called while the process is not running"}
	}
	req := procmonproto.ControlReq{Control: procmonproto.ControlSignal, Signum: int32(signum)}
	if !p.peer.Send(pdu.New(procmonproto.OpControlReq, req.Encode(), nil)) {
		return &ManagementProcFailedError{Message: "process: management channel closed while sending signal"}
	}
	return nil
}

// Cancel marks the future's advisory cancelled flag and sends SIGTERM to
// the child, if it is currently running. Termination is then observed
// through the normal status path, eventually reaching StateKilled.
func (p *ProcessFuture) Cancel() {
	p.done.Cancel()
	_ = p.Signal(int(unix.SIGTERM))
}

// GetStatusCode returns the terminated child's exit status, or the signal
// number that killed it. Valid only in a terminal state.
func (p *ProcessFuture) GetStatusCode() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !isTerminal(p.state) {
		return 0, &NotFinishedError{Message: "process: GetStatusCode called before the process finished"}
	}
	return int(p.statusCode), nil
}

// GetProcessTerminationType classifies how the child ended. Valid only in
// a terminal state.
func (p *ProcessFuture) GetProcessTerminationType() (TerminationType, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !isTerminal(p.state) {
		return ProcessNotTerminated, &NotFinishedError{Message: "process: GetProcessTerminationType called before the process finished"}
	}
	switch p.state {
	case StateExited:
		return ProcessExited, nil
	case StateKilled:
		return ProcessKilled, nil
	default:
		return ProcessUnknownTermination, nil
	}
}

// GetOutputString lazily reads the captured stdout file's contents.
// Returns empty for the null sink. Valid only in a terminal state.
func (p *ProcessFuture) GetOutputString() (string, error) {
	p.mu.Lock()
	terminal := isTerminal(p.state)
	path := p.outfile
	p.mu.Unlock()
	if !terminal {
		return "", &NotFinishedError{Message: "process: GetOutputString called before the process finished"}
	}
	return readCaptureFile(path)
}

// GetErrorString lazily reads the captured stderr file's contents.
// Returns empty for the null sink. Valid only in a terminal state.
func (p *ProcessFuture) GetErrorString() (string, error) {
	p.mu.Lock()
	terminal := isTerminal(p.state)
	path := p.errfile
	p.mu.Unlock()
	if !terminal {
		return "", &NotFinishedError{Message: "process: GetErrorString called before the process finished"}
	}
	return readCaptureFile(path)
}

func readCaptureFile(path string) (string, error) {
	if path == "" || path == os.DevNull {
		return "", nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Abandon instructs the owning Manager to stop tracking this process and
// drop its peer, closing the management channel fd (which causes the
// monitor to exit). Go has no destructors, so unlike the source
// implementation this must be called explicitly rather than firing
// implicitly on scope exit.
func (p *ProcessFuture) Abandon() {
	p.mu.Lock()
	if isTerminal(p.state) {
		p.mu.Unlock()
		return
	}
	p.state = StateAbandoned
	p.mu.Unlock()

	_ = p.done.SetException(ErrAbandoned)
	if p.mgr != nil && p.peer != nil {
		p.mgr.abandonProcess(p)
	}
}

// Info round-trips an InfoReq/InfoRes pair with the monitor, returning a
// snapshot of identity/timing fields independent of the Start/Status
// path. See SPEC_FULL.md's supplemented-features section.
func (p *ProcessFuture) Info(ctx context.Context) (Info, error) {
	f := future.New[procmonproto.InfoRes]()
	p.mu.Lock()
	p.pendingInfo = append(p.pendingInfo, f)
	p.mu.Unlock()

	req := procmonproto.InfoReq{}
	if !p.peer.Send(pdu.New(procmonproto.OpInfoReq, req.Encode(), nil)) {
		return Info{}, &ManagementProcFailedError{Message: "process: management channel closed while sending info request"}
	}
	res, err := f.GetResultTimed(ctx)
	if err != nil {
		return Info{}, err
	}
	return Info{
		StartedBy:    res.StartedBy,
		StartedByPID: res.StartedByPID,
		StartTime:    timevalToTime(res.StartTime),
		Elapsed:      timevalToDuration(res.Elapsed),
		Cmdline:      res.Cmdline,
		Cwd:          res.Cwd,
		MonitorPID:   res.MonitorPID,
		ProcessPID:   res.ProcessPID,
	}, nil
}

// timevalToTime and timevalToDuration round-trip a wire Timeval through
// clock.Timespec, the same normalized (sec, nsec) pair the monitor side
// uses to build Timevals in the first place.
func timevalToTime(t procmonproto.Timeval) time.Time {
	if t.Sec == 0 && t.Usec == 0 {
		return time.Time{}
	}
	return clock.Timespec{Sec: t.Sec, Nsec: t.Usec * 1000}.Time()
}

func timevalToDuration(t procmonproto.Timeval) time.Duration {
	return clock.Timespec{Sec: t.Sec, Nsec: t.Usec * 1000}.Duration()
}

// handlePDU dispatches one inbound PDU. It is invoked by the owning
// peer's callback goroutine, so PDUs for a single future are always
// processed strictly sequentially and in arrival order.
func (p *ProcessFuture) handlePDU(dpdu *pdu.PDU) {
	switch dpdu.Header.Opcode {
	case procmonproto.OpControlRes:
		p.handleControlRes(dpdu)
	case procmonproto.OpStatus:
		p.handleStatus(dpdu)
	case procmonproto.OpInfoRes:
		p.handleInfoRes(dpdu)
	default:
		if telemetry.Enabled() {
			telemetry.L().Warning().Int("opcode", int(dpdu.Header.Opcode)).Log("process: unexpected opcode from monitor")
		}
	}
}

func (p *ProcessFuture) handleControlRes(dpdu *pdu.PDU) {
	res, err := procmonproto.DecodeControlRes(dpdu.Payload)
	if err != nil {
		telemetry.L().Warning().Err(err).Log("process: malformed control response")
		return
	}
	if res.Result == procmonproto.Success {
		p.mu.Lock()
		if p.state == StateStarting {
			p.state = StateRunning
		}
		p.monitorPID = res.MonitorPID
		p.processPID = res.ProcessPID
		p.mu.Unlock()
		p.signalStart(nil)
		return
	}
	p.transitionTerminal(StateError, mapResultError(res.Result, res.Error))
}

func (p *ProcessFuture) handleStatus(dpdu *pdu.PDU) {
	st, err := procmonproto.DecodeStatus(dpdu.Payload)
	if err != nil {
		telemetry.L().Warning().Err(err).Log("process: malformed status record")
		return
	}
	switch st.Type {
	case procmonproto.StatusStarted:
		p.mu.Lock()
		if p.state == StateStarting {
			p.state = StateRunning
		}
		p.mu.Unlock()
	case procmonproto.StatusExited:
		p.mu.Lock()
		p.statusCode = st.StatusCode
		p.mu.Unlock()
		if st.StatusCode == 0 {
			p.transitionTerminal(StateExited, nil)
		} else {
			p.transitionTerminal(StateExited, &TerminatedWithNonZeroStatusError{Code: int(st.StatusCode)})
		}
	case procmonproto.StatusKilled:
		p.mu.Lock()
		p.statusCode = st.StatusCode
		p.mu.Unlock()
		p.transitionTerminal(StateKilled, ErrKilled)
	case procmonproto.StatusStopped:
		p.mu.Lock()
		if !isTerminal(p.state) {
			p.state = StateStopped
		}
		p.mu.Unlock()
	case procmonproto.StatusContinued:
		p.mu.Lock()
		if !isTerminal(p.state) {
			p.state = StateRunning
		}
		p.mu.Unlock()
	case procmonproto.StatusError:
		p.mu.Lock()
		p.statusCode = st.StatusCode
		p.errorString = st.Msg
		p.mu.Unlock()
		p.transitionTerminal(StateError, mapResultError(procmonproto.ResultCode(st.StatusCode), st.Msg))
	case procmonproto.StatusUnknownTermination:
		p.transitionTerminal(StateError, ErrTerminatedDueToUnknownReason)
	}
}

func (p *ProcessFuture) handleInfoRes(dpdu *pdu.PDU) {
	res, err := procmonproto.DecodeInfoRes(dpdu.Payload)
	if err != nil {
		telemetry.L().Warning().Err(err).Log("process: malformed info response")
		return
	}
	p.mu.Lock()
	if len(p.pendingInfo) == 0 {
		p.mu.Unlock()
		telemetry.L().Warning().Log("process: unsolicited info response")
		return
	}
	f := p.pendingInfo[0]
	p.pendingInfo = p.pendingInfo[1:]
	p.mu.Unlock()
	_ = f.SetResult(res)
}

// handleError forces a non-terminal future to StateError with
// ManagementProcFailedError. It is the engine's response to a peer that
// disconnected or failed to send before a terminal status arrived.
func (p *ProcessFuture) handleError(cause error) {
	p.transitionTerminal(StateError, &ManagementProcFailedError{Cause: cause, Message: "process: management channel failed"})
}

// signalStart delivers err (nil on success) to a Run call blocked
// waiting for the state to leave StateStarting. It is a best-effort,
// non-blocking send: transitionTerminal also attempts it, covering the
// case where the channel failed outright instead of replying with a
// control response.
func (p *ProcessFuture) signalStart(err error) {
	select {
	case p.startResult <- err:
	default:
	}
}

// transitionTerminal moves the future into a terminal state exactly
// once, fires the completion callback (if any, with panics recovered and
// swallowed), resolves the done future, and unblocks any still-pending Run
// call.
func (p *ProcessFuture) transitionTerminal(state State, err error) {
	p.mu.Lock()
	if isTerminal(p.state) {
		p.mu.Unlock()
		return
	}
	p.state = state
	already := p.callbackFired
	p.callbackFired = true
	cb := p.callback
	p.mu.Unlock()

	if cb != nil && !already {
		func() {
			defer func() { recover() }()
			cb(p)
		}()
	}

	if err != nil {
		_ = p.done.SetException(err)
	} else {
		_ = p.done.SetResult(struct{}{})
	}

	p.signalStart(err)
}
