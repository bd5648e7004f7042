package process

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whitepa/forte-procmanager/internal/monitorsup"
)

// TestMain re-execs this test binary as the monitor helper when invoked
// under GO_WANT_HELPER_PROCESS=1, following the standard os/exec
// self-reexec pattern: Manager is pointed at os.Args[0] via
// WithMonitorPath, so no separately built procmon binary is required to
// exercise Manager end-to-end.
func TestMain(m *testing.M) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") == "1" {
		channel := os.NewFile(3, "forte-procmon-channel")
		if channel == nil {
			os.Exit(1)
		}
		if err := monitorsup.Run(channel); err != nil {
			os.Exit(1)
		}
		os.Exit(0)
	}
	os.Exit(m.Run())
}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	require.NoError(t, os.Setenv("GO_WANT_HELPER_PROCESS", "1"))
	t.Cleanup(func() { _ = os.Unsetenv("GO_WANT_HELPER_PROCESS") })

	self, err := os.Executable()
	require.NoError(t, err)

	mgr, err := NewManager(WithMonitorPath(self), WithPollInterval(10*time.Millisecond))
	require.NoError(t, err)
	t.Cleanup(mgr.Shutdown)
	return mgr
}

func TestProcess_HappyPath_ExitZero(t *testing.T) {
	mgr := newTestManager(t)

	p, err := mgr.CreateProcess("exit 0", "", "", "", "", nil, "")
	require.NoError(t, err)

	require.NoError(t, p.GetResult())

	code, err := p.GetStatusCode()
	require.NoError(t, err)
	assert.Equal(t, 0, code)

	tt, err := p.GetProcessTerminationType()
	require.NoError(t, err)
	assert.Equal(t, ProcessExited, tt)
}

func TestProcess_NonZeroExit(t *testing.T) {
	mgr := newTestManager(t)

	p, err := mgr.CreateProcess("exit 7", "", "", "", "", nil, "")
	require.NoError(t, err)

	err = p.GetResult()
	require.Error(t, err)

	var nonZero *TerminatedWithNonZeroStatusError
	require.ErrorAs(t, err, &nonZero)
	assert.Equal(t, 7, nonZero.Code)

	code, err := p.GetStatusCode()
	require.NoError(t, err)
	assert.Equal(t, 7, code)
}

func TestProcess_CapturesOutputAndError(t *testing.T) {
	mgr := newTestManager(t)

	outFile, err := os.CreateTemp(t.TempDir(), "out")
	require.NoError(t, err)
	errFile, err := os.CreateTemp(t.TempDir(), "err")
	require.NoError(t, err)

	p, err := mgr.CreateProcess("echo hello; echo world 1>&2", "", outFile.Name(), errFile.Name(), "", nil, "")
	require.NoError(t, err)
	require.NoError(t, p.GetResult())

	out, err := p.GetOutputString()
	require.NoError(t, err)
	assert.Equal(t, "hello\n", out)

	errOut, err := p.GetErrorString()
	require.NoError(t, err)
	assert.Equal(t, "world\n", errOut)
}

func TestProcess_SetEnvironment_AppliedAtRunTime(t *testing.T) {
	mgr := newTestManager(t)

	outFile, err := os.CreateTemp(t.TempDir(), "out")
	require.NoError(t, err)

	p, err := mgr.CreateProcessDontRun("echo $MY_SET_VAR", "", outFile.Name(), "", "", nil, "")
	require.NoError(t, err)
	require.NoError(t, p.SetEnvironment(map[string]string{"MY_SET_VAR": "set-after-construction"}))
	require.NoError(t, mgr.RunProcess(p))
	require.NoError(t, p.GetResult())

	out, err := p.GetOutputString()
	require.NoError(t, err)
	assert.Equal(t, "set-after-construction\n", out)
}

func TestProcess_EnvironmentOverlayIsVisibleToChild(t *testing.T) {
	mgr := newTestManager(t)

	outFile, err := os.CreateTemp(t.TempDir(), "out")
	require.NoError(t, err)

	p, err := mgr.CreateProcess("echo $MY_OVERLAID_VAR", "", outFile.Name(), "", "", map[string]string{"MY_OVERLAID_VAR": "overlaid-value"}, "")
	require.NoError(t, err)
	require.NoError(t, p.GetResult())

	out, err := p.GetOutputString()
	require.NoError(t, err)
	assert.Equal(t, "overlaid-value\n", out)
}

func TestProcess_GetCommand_UsesCommandToLogWhenSet(t *testing.T) {
	mgr := newTestManager(t)

	p, err := mgr.CreateProcessDontRun("exit 0", "", "", "", "", nil, "a friendlier description")
	require.NoError(t, err)
	assert.Equal(t, "a friendlier description", p.GetCommand())
}

func TestProcess_SetAccessors_RejectedOnceStarted(t *testing.T) {
	mgr := newTestManager(t)

	p, err := mgr.CreateProcess("sleep 1", "", "", "", "", nil, "")
	require.NoError(t, err)
	defer p.Cancel()

	err = p.SetCurrentWorkingDirectory("/tmp")
	var started *StartedError
	assert.ErrorAs(t, err, &started)
}

func TestProcess_Signal_NotRunningBeforeStart(t *testing.T) {
	mgr := newTestManager(t)

	p, err := mgr.CreateProcessDontRun("sleep 1", "", "", "", "", nil, "")
	require.NoError(t, err)

	err = p.Signal(int(unix.SIGTERM))
	var notRunning *NotRunningError
	assert.ErrorAs(t, err, &notRunning)
}

func TestProcess_Cancel_TerminatesRunningChild(t *testing.T) {
	mgr := newTestManager(t)

	p, err := mgr.CreateProcess("sleep 100", "", "", "", "", nil, "")
	require.NoError(t, err)

	p.Cancel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err = p.GetResultTimed(ctx)
	assert.ErrorIs(t, err, ErrKilled)
	assert.True(t, p.IsCancelled())
}

func TestProcess_GetResultTimed_TimesOutWithoutAlteringState(t *testing.T) {
	mgr := newTestManager(t)

	p, err := mgr.CreateProcess("sleep 5", "", "", "", "", nil, "")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err = p.GetResultTimed(ctx)
	assert.ErrorIs(t, err, ErrTimeoutWaitingForResult)
	assert.True(t, p.IsRunning())

	p.Cancel()
	_ = p.GetResult()
}

func TestProcess_UnableToOpenInputFile_SurfacesTypedError(t *testing.T) {
	mgr := newTestManager(t)

	p, err := mgr.CreateProcess("exit 0", "", "", "", "/nonexistent/path/for/testing", nil, "")
	require.NoError(t, err)

	err = p.GetResult()
	var unableToOpen *UnableToOpenInputFileError
	assert.ErrorAs(t, err, &unableToOpen)
}

func TestProcess_Abandon_StopsRoutingWithoutLeavingAZombie(t *testing.T) {
	mgr := newTestManager(t)

	// Abandon detaches without killing the grandchild — it only tells the
	// manager to stop monitoring: once detached it is reparented to init
	// and left to run to completion on its own. A short-lived child keeps
	// this test fast while still proving init reaps it rather than it
	// lingering as a zombie under the now-exited monitor.
	p, err := mgr.CreateProcess("sleep 0.2", "", "", "", "", nil, "")
	require.NoError(t, err)

	pid := p.GetProcessPID()
	require.Greater(t, pid, int32(0))

	p.Abandon()
	assert.ErrorIs(t, p.GetResult(), ErrAbandoned)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if err := unix.Kill(int(pid), 0); err != nil {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("process %d still exists after abandon", pid)
}

func TestProcess_Info_ReturnsCmdlineAndPIDs(t *testing.T) {
	mgr := newTestManager(t)

	p, err := mgr.CreateProcess("sleep 30", "", "", "", "", nil, "")
	require.NoError(t, err)
	defer p.Cancel()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	info, err := p.Info(ctx)
	require.NoError(t, err)
	assert.Equal(t, "sleep 30", info.Cmdline)
	assert.Greater(t, info.ProcessPID, int32(0))
	assert.Greater(t, info.MonitorPID, int32(0))
}

func TestProcess_CompleteCallback_FiresExactlyOnceBeforeGetResultReturns(t *testing.T) {
	mgr := newTestManager(t)

	p, err := mgr.CreateProcessDontRun("exit 0", "", "", "", "", nil, "")
	require.NoError(t, err)

	var fired atomic.Int32
	require.NoError(t, p.SetProcessCompleteCallback(func(*ProcessFuture) {
		fired.Add(1)
	}))
	require.NoError(t, p.Run())
	require.NoError(t, p.GetResult())
	assert.Equal(t, int32(1), fired.Load())
}

func TestProcess_CreateProcessAndGetResult_NonZeroStatusCopiesErrorIntoOutput(t *testing.T) {
	mgr := newTestManager(t)

	code, output, errOutput, err := mgr.CreateProcessAndGetResult(context.Background(), "echo oops 1>&2; exit 3", 5*time.Second, true)
	require.Error(t, err)
	assert.Equal(t, 3, code)
	assert.Equal(t, "oops\n", errOutput)
	assert.Equal(t, errOutput, output)
}

func TestProcess_CreateProcessAndGetResult_ThrowOnNonZeroFalseSuppressesError(t *testing.T) {
	mgr := newTestManager(t)

	_, _, _, err := mgr.CreateProcessAndGetResult(context.Background(), "exit 3", 5*time.Second, false)
	assert.NoError(t, err)
}

// TestProcess_ConcurrentLoad_CompletesWithinBudget runs N concurrent
// short-lived children and checks that all of them exit cleanly within a
// bounded wall-clock budget. It does not measure open-fd counts or the
// per-child reaction latency.
func TestProcess_ConcurrentLoad_CompletesWithinBudget(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping stress test in -short mode")
	}
	mgr := newTestManager(t)

	const n = 100
	start := time.Now()

	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p, err := mgr.CreateProcess("sleep 1", "", "", "", "", nil, "")
			if err != nil {
				errs[i] = err
				return
			}
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			errs[i] = p.GetResultTimed(ctx)
		}(i)
	}
	wg.Wait()

	elapsed := time.Since(start)
	assert.Less(t, elapsed, 10*time.Second)

	for i, err := range errs {
		assert.NoErrorf(t, err, "process %d", i)
	}
}

func TestProcess_UnknownResultError_FormatsResultAndMessage(t *testing.T) {
	err := mapResultError(99, "totally unexpected")
	assert.ErrorContains(t, err, "totally unexpected")
}

func TestProcess_ErrAbandoned_IsDistinctSentinel(t *testing.T) {
	assert.False(t, errors.Is(ErrAbandoned, ErrKilled))
}
