package activeobject

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestActiveObject_InvokeAsync_OrderedExecution(t *testing.T) {
	ao := New("test", 0)
	defer ao.Shutdown(true, false)

	var order []int
	results := make([]chan struct{}, 5)
	for i := range results {
		results[i] = make(chan struct{})
	}

	for i := 0; i < 5; i++ {
		i := i
		_, err := InvokeAsync(ao, func(_ CancelToken) (int, error) {
			order = append(order, i)
			close(results[i])
			return i, nil
		})
		require.NoError(t, err)
	}

	for _, ch := range results {
		<-ch
	}
	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestActiveObject_InvokeAsync_ErrorPropagates(t *testing.T) {
	ao := New("test", 0)
	defer ao.Shutdown(true, false)

	boom := errors.New("boom")
	f, err := InvokeAsync(ao, func(_ CancelToken) (int, error) {
		return 0, boom
	})
	require.NoError(t, err)

	_, err = f.GetResult()
	assert.ErrorIs(t, err, boom)
}

func TestActiveObject_InvokeAsync_PanicCaptured(t *testing.T) {
	ao := New("test", 0)
	defer ao.Shutdown(true, false)

	f, err := InvokeAsync(ao, func(_ CancelToken) (int, error) {
		panic("kaboom")
	})
	require.NoError(t, err)

	_, err = f.GetResult()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kaboom")
}

func TestActiveObject_Shutdown_WaitForDrain_RunsEverything(t *testing.T) {
	ao := New("test", 0)

	f1, err := InvokeAsync(ao, func(_ CancelToken) (int, error) {
		time.Sleep(50 * time.Millisecond)
		return 1, nil
	})
	require.NoError(t, err)
	f2, err := InvokeAsync(ao, func(_ CancelToken) (int, error) {
		return 2, nil
	})
	require.NoError(t, err)

	ao.Shutdown(true, false)

	v1, err := f1.GetResult()
	require.NoError(t, err)
	assert.Equal(t, 1, v1)

	v2, err := f2.GetResult()
	require.NoError(t, err)
	assert.Equal(t, 2, v2)
}

func TestActiveObject_Shutdown_NoDrain_DropsQueued(t *testing.T) {
	ao := New("test", 0)

	started := make(chan struct{})
	release := make(chan struct{})
	f1, err := InvokeAsync(ao, func(_ CancelToken) (int, error) {
		close(started)
		<-release
		return 1, nil
	})
	require.NoError(t, err)

	f2, err := InvokeAsync(ao, func(_ CancelToken) (int, error) {
		return 2, nil
	})
	require.NoError(t, err)

	<-started // ensure f1 is in flight before shutting down
	// release f1 only after Shutdown has dropped f2 from the queue
	time.AfterFunc(50*time.Millisecond, func() { close(release) })
	ao.Shutdown(false, false)

	v1, err := f1.GetResult()
	require.NoError(t, err)
	assert.Equal(t, 1, v1)

	_, err = f2.GetResult()
	assert.ErrorIs(t, err, ErrDropped)
}

func TestActiveObject_Shutdown_RejectsFurtherWork(t *testing.T) {
	ao := New("test", 0)
	ao.Shutdown(true, false)

	_, err := InvokeAsync(ao, func(_ CancelToken) (int, error) { return 0, nil })
	assert.ErrorIs(t, err, ErrShuttingDown)
}

func TestActiveObject_CooperativeCancel(t *testing.T) {
	ao := New("test", 0)
	defer ao.Shutdown(true, false)

	f, err := InvokeAsync(ao, func(cancel CancelToken) (int, error) {
		for i := 0; i < 50; i++ {
			if cancel.IsCancelled() {
				return 0, &CancelError{Message: "aborted"}
			}
			time.Sleep(10 * time.Millisecond)
		}
		return 1, nil
	})
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	f.Cancel()

	ctx, done := context.WithTimeout(context.Background(), time.Second)
	defer done()
	_, err = f.GetResultTimed(ctx)
	var cancelErr *CancelError
	assert.ErrorAs(t, err, &cancelErr)
}

func TestEventQueue_Depth_WaitUntilEmpty(t *testing.T) {
	ao := New("test", 0)
	defer ao.Shutdown(true, false)

	release := make(chan struct{})
	_, err := InvokeAsync(ao, func(_ CancelToken) (int, error) {
		<-release
		return 0, nil
	})
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		_, err := InvokeAsync(ao, func(_ CancelToken) (int, error) { return 0, nil })
		require.NoError(t, err)
	}

	assert.Equal(t, 4, ao.Depth())
	close(release)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.True(t, ao.WaitUntilEmpty(ctx))
}
