package process

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"
	"weak"

	"golang.org/x/sys/unix"

	"github.com/whitepa/forte-procmanager/internal/telemetry"
	"github.com/whitepa/forte-procmanager/pdu"
)

// defaultMonitorName is the procmon binary resolved via $PATH when
// neither an explicit WithMonitorPath option nor the FORTE_PROCMON
// environment variable names one.
const defaultMonitorName = "forte-procmon"

// defaultPollInterval is the engine loop's epoll_wait timeout.
const defaultPollInterval = 100 * time.Millisecond

// ManagerOption configures a Manager at construction time.
type ManagerOption func(*managerConfig)

type managerConfig struct {
	monitorPath  string
	pollInterval time.Duration
	peerConfig   pdu.PeerConfig
}

// WithMonitorPath overrides the procmon binary path, taking precedence
// over both the FORTE_PROCMON environment variable and the $PATH-resolved
// default.
func WithMonitorPath(path string) ManagerOption {
	return func(c *managerConfig) { c.monitorPath = path }
}

// WithPollInterval overrides the engine loop's epoll_wait timeout.
func WithPollInterval(d time.Duration) ManagerOption {
	return func(c *managerConfig) { c.pollInterval = d }
}

// WithPeerConfig overrides the pdu.PeerConfig applied to every spawned
// monitor's management channel.
func WithPeerConfig(cfg pdu.PeerConfig) ManagerOption {
	return func(c *managerConfig) { c.peerConfig = cfg }
}

// Manager is the top-level API: it owns the monitor lifecycle, the PDU
// peer set, and the fd→future dispatch table described by source
// specification §4.6.
type Manager struct {
	monitorPath  string
	pollInterval time.Duration
	peerConfig   pdu.PeerConfig

	poller *pdu.Poller

	mu        sync.Mutex
	processes map[int]weak.Pointer[ProcessFuture]
	peers     map[int]*pdu.Peer

	shutdownOnce sync.Once
	shutdownCh   chan struct{}
	engineDone   chan struct{}
}

// NewManager constructs a Manager, resolving the monitor binary path
// (WithMonitorPath option, else $FORTE_PROCMON, else $PATH lookup of
// forte-procmon) and starting its engine goroutine.
func NewManager(opts ...ManagerOption) (*Manager, error) {
	cfg := managerConfig{pollInterval: defaultPollInterval}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.monitorPath == "" {
		cfg.monitorPath = os.Getenv("FORTE_PROCMON")
	}
	if cfg.monitorPath == "" {
		cfg.monitorPath = defaultMonitorName
	}

	poller, err := pdu.NewPoller()
	if err != nil {
		return nil, fmt.Errorf("process: creating poller: %w", err)
	}

	m := &Manager{
		monitorPath:  cfg.monitorPath,
		pollInterval: cfg.pollInterval,
		peerConfig:   cfg.peerConfig,
		poller:       poller,
		processes:    make(map[int]weak.Pointer[ProcessFuture]),
		peers:        make(map[int]*pdu.Peer),
		shutdownCh:   make(chan struct{}),
		engineDone:   make(chan struct{}),
	}
	go m.engine()
	return m, nil
}

// CreateProcess builds a ProcessFuture, spawns its monitor, registers the
// fd→future mapping, and calls Run. env entries are applied as a shell
// overlay ahead of cmdline (see applyEnvironmentOverlay): an empty value
// unsets the key, any other value exports it. A failed start is not
// returned here: it leaves the future in StateError and is surfaced by
// GetResult[Timed].
func (m *Manager) CreateProcess(cmdline, cwd, outfile, errfile, infile string, env map[string]string, commandToLog string) (*ProcessFuture, error) {
	p, err := m.CreateProcessDontRun(cmdline, cwd, outfile, errfile, infile, env, commandToLog)
	if err != nil {
		return nil, err
	}
	_ = p.Run()
	return p, nil
}

// CreateProcessDontRun is CreateProcess without the final Run call; the
// caller configures the returned future further if desired and later
// calls RunProcess.
func (m *Manager) CreateProcessDontRun(cmdline, cwd, outfile, errfile, infile string, env map[string]string, commandToLog string) (*ProcessFuture, error) {
	if cwd == "" {
		cwd = "/"
	}
	if outfile == "" {
		outfile = os.DevNull
	}
	if errfile == "" {
		errfile = os.DevNull
	}
	if infile == "" {
		infile = os.DevNull
	}

	peer, err := m.spawnMonitor()
	if err != nil {
		return nil, err
	}

	p := newProcessFuture(m, cmdline, env, commandToLog, cwd, outfile, errfile, infile)
	p.peer = peer

	m.mu.Lock()
	m.peers[peer.FD()] = peer
	m.processes[peer.FD()] = weak.Make(p)
	m.mu.Unlock()

	return p, nil
}

// RunProcess calls p.Run(). It exists alongside ProcessFuture.Run purely
// to mirror the source API surface (ProcessManager::RunProcess).
func (m *Manager) RunProcess(p *ProcessFuture) error {
	return p.Run()
}

// spawnMonitor opens a UNIX stream socket pair, execs the monitor binary
// with the child side of the pair passed as its sole inherited extra fd,
// and wraps the parent side as a PDU peer. Unlike the source
// implementation there is no double-fork daemonize shim (see
// SPEC_FULL.md §5.1): exec.Cmd.Start is the whole fork+exec step, and a
// dedicated goroutine reaps the monitor for the Manager's lifetime so it
// never lingers as a zombie.
func (m *Manager) spawnMonitor() (*pdu.Peer, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, &UnableToCreateSocketError{Cause: err}
	}
	parentFD, childFD := fds[0], fds[1]

	childFile := os.NewFile(uintptr(childFD), "forte-procmon-channel")

	cmd := exec.Command(m.monitorPath, strconv.Itoa(3))
	cmd.ExtraFiles = []*os.File{childFile}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	// Stdin/Stdout/Stderr left nil: os/exec connects a nil std stream to
	// the null device, matching "redirected to the null device before
	// exec" without an explicit /dev/null open.

	if err := cmd.Start(); err != nil {
		_ = childFile.Close()
		_ = unix.Close(parentFD)
		return nil, &UnableToCreateProcmonError{Cause: err}
	}
	_ = childFile.Close() // the child keeps its own duplicate past exec

	go m.reapMonitor(cmd)

	var peer *pdu.Peer
	peer, err = pdu.NewPeer(parentFD, m.poller, m.peerConfig, func(ev pdu.PeerEvent) {
		m.handlePeerEvent(parentFD, ev)
	})
	if err != nil {
		_ = unix.Close(parentFD)
		return nil, &UnableToCreateProcmonError{Cause: err}
	}
	return peer, nil
}

// reapMonitor waits for a spawned monitor to exit so it never remains a
// zombie, for the lifetime of the Manager.
func (m *Manager) reapMonitor(cmd *exec.Cmd) {
	if err := cmd.Wait(); err != nil {
		if telemetry.Enabled() {
			telemetry.L().Debug().Err(err).Log("process: monitor process exited with an error")
		}
	}
}

// handlePeerEvent routes one peer's events to its owning future, looked
// up via the weak fd→future map: the promoted strong pointer is held only
// for the duration of this call.
func (m *Manager) handlePeerEvent(fd int, ev pdu.PeerEvent) {
	switch ev.Kind {
	case pdu.ReceivedPDU:
		if p := m.lookupFuture(fd); p != nil {
			p.handlePDU(ev.PDU)
		}
	case pdu.Disconnected:
		if p := m.lookupFuture(fd); p != nil {
			p.handleError(ev.Err)
		}
		m.removeMapping(fd)
	case pdu.SendError:
		if p := m.lookupFuture(fd); p != nil {
			p.handleError(ev.Err)
		}
	}
}

// lookupFuture promotes the weak reference for fd to a strong one. A
// failed promotion (the future has been garbage collected without an
// explicit Abandon) is treated as an already-abandoned process: the
// caller simply has nothing to route the event to.
func (m *Manager) lookupFuture(fd int) *ProcessFuture {
	m.mu.Lock()
	wp, ok := m.processes[fd]
	m.mu.Unlock()
	if !ok {
		return nil
	}
	return wp.Value()
}

func (m *Manager) removeMapping(fd int) {
	m.mu.Lock()
	delete(m.processes, fd)
	delete(m.peers, fd)
	m.mu.Unlock()
}

// abandonProcess is ProcessFuture.Abandon's manager-side half: remove the
// mapping, then close the peer (tearing down its fd, which causes the
// monitor to observe EOF and exit).
func (m *Manager) abandonProcess(p *ProcessFuture) {
	fd := p.peer.FD()
	m.removeMapping(fd)
	p.peer.Close()
}

// engine is the dispatch loop: it repeatedly polls the shared epoll set
// with a bounded timeout, backing off a second at a time on poll errors,
// exactly mirroring the try/catch/sleep shape of the source
// implementation's run() loop.
func (m *Manager) engine() {
	defer close(m.engineDone)
	pollMs := int(m.pollInterval / time.Millisecond)
	if pollMs <= 0 {
		pollMs = 1
	}
	for {
		select {
		case <-m.shutdownCh:
			return
		default:
		}
		if _, err := m.poller.PollOnce(pollMs); err != nil {
			if telemetry.Enabled() {
				telemetry.L().Warning().Err(err).Log("process: engine poll failed")
			}
			select {
			case <-time.After(time.Second):
			case <-m.shutdownCh:
				return
			}
		}
	}
}

// Shutdown stops the engine goroutine and force-closes every outstanding
// peer. Go has no destructors to abandon outstanding futures implicitly
// on scope exit, so Shutdown performs that cleanup directly: it closes
// every peer and forces any non-terminal future on it to StateError via
// handleError.
func (m *Manager) Shutdown() {
	m.shutdownOnce.Do(func() {
		close(m.shutdownCh)
		<-m.engineDone

		m.mu.Lock()
		peers := make([]*pdu.Peer, 0, len(m.peers))
		for _, peer := range m.peers {
			peers = append(peers, peer)
		}
		futures := make([]*ProcessFuture, 0, len(m.processes))
		for _, wp := range m.processes {
			if p := wp.Value(); p != nil {
				futures = append(futures, p)
			}
		}
		m.processes = make(map[int]weak.Pointer[ProcessFuture])
		m.peers = make(map[int]*pdu.Peer)
		m.mu.Unlock()

		for _, peer := range peers {
			peer.Close()
		}
		for _, p := range futures {
			p.handleError(errors.New("process: manager shut down"))
		}
		_ = m.poller.Close()
	})
}

// CreateProcessAndGetResult is a convenience wrapper: it allocates unique
// temporary output/error files, creates and awaits the process (bounded
// by timeout, if positive), reads the captured output back, unlinks the
// temporaries, and returns the status code. On
// TerminatedWithNonZeroStatusError the error-file contents are copied
// into the returned output string before the error is (conditionally)
// surfaced.
func (m *Manager) CreateProcessAndGetResult(ctx context.Context, cmdline string, timeout time.Duration, throwOnNonZero bool) (statusCode int, output, errOutput string, err error) {
	outFile, err := os.CreateTemp("", "forte-procmanager-out-*.tmp")
	if err != nil {
		return 0, "", "", fmt.Errorf("process: creating temp output file: %w", err)
	}
	outPath := outFile.Name()
	_ = outFile.Close()
	defer os.Remove(outPath)

	errFile, err := os.CreateTemp("", "forte-procmanager-err-*.tmp")
	if err != nil {
		return 0, "", "", fmt.Errorf("process: creating temp error file: %w", err)
	}
	errPath := errFile.Name()
	_ = errFile.Close()
	defer os.Remove(errPath)

	p, err := m.CreateProcess(cmdline, "", outPath, errPath, "", nil, "")
	if err != nil {
		return 0, "", "", err
	}

	waitCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	resultErr := p.GetResultTimed(waitCtx)

	output, _ = p.GetOutputString()
	errOutput, _ = p.GetErrorString()
	statusCode, _ = p.GetStatusCode()

	var nonZero *TerminatedWithNonZeroStatusError
	if errors.As(resultErr, &nonZero) {
		output = errOutput
		if !throwOnNonZero {
			resultErr = nil
		}
	}

	return statusCode, output, errOutput, resultErr
}

// applyEnvironmentOverlay prepends shell export/unset statements to
// cmdline for each entry in env, applying it as an overlay on the
// monitor's own environment before the command runs: empty values unset
// the key, non-empty values export it. The wire protocol's Param enum has
// no dedicated environment record, so this folds the overlay into the
// shell command line already sent as ParamCmdline and executed via
// "/bin/bash -c" — no new opcode is needed.
func applyEnvironmentOverlay(cmdline string, env map[string]string) string {
	if len(env) == 0 {
		return cmdline
	}
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		v := env[k]
		if v == "" {
			fmt.Fprintf(&b, "unset %s; ", shellQuote(k))
		} else {
			fmt.Fprintf(&b, "export %s=%s; ", shellQuote(k), shellQuote(v))
		}
	}
	b.WriteString(cmdline)
	return b.String()
}

// shellQuote wraps s in single quotes, escaping any embedded single
// quotes, so it is safe to splice into a "/bin/bash -c" command line.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
