package worker_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/swarmguard/dagsched/internal/sched"
	"github.com/swarmguard/dagsched/internal/worker"
)

// fakeDial is an in-process GRPCDial double: no listener, no network, just
// enough status-coded behavior to drive Remote.Do through its retry and
// worker-died paths.
type fakeDial struct {
	calls   int32
	fail    int32 // number of leading calls to fail with a transient error
	unavail bool
}

func (d *fakeDial) DoTask(ctx context.Context, req sched.TaskRequest) (any, error) {
	n := atomic.AddInt32(&d.calls, 1)
	if d.unavail {
		return nil, status.Error(codes.Unavailable, "peer gone")
	}
	if n <= d.fail {
		return nil, status.Error(codes.Internal, "transient hiccup")
	}
	return req.Func(req.Handle, req.Args)
}

func TestRemoteDoRetriesTransientDialFailure(t *testing.T) {
	dial := &fakeDial{fail: 2}
	w := worker.NewGRPCWorker(sched.OSProc{Pid: "w1"}, 1, nil, nil, dial)

	value, err := w.Do(context.Background(), sched.TaskRequest{
		Func: func(ctx any, args []any) (any, error) { return 42, nil },
	})
	require.NoError(t, err)
	assert.Equal(t, 42, value)
	assert.Equal(t, int32(3), atomic.LoadInt32(&dial.calls))
}

func TestRemoteDoSurfacesWorkerDiedUnretried(t *testing.T) {
	dial := &fakeDial{unavail: true}
	w := worker.NewGRPCWorker(sched.OSProc{Pid: "w1"}, 1, nil, nil, dial)

	_, err := w.Do(context.Background(), sched.TaskRequest{
		Func: func(ctx any, args []any) (any, error) { return nil, nil },
	})
	var died *sched.WorkerDiedError
	require.Error(t, err)
	require.True(t, errors.As(err, &died))
	assert.Equal(t, int32(1), atomic.LoadInt32(&dial.calls))
}

func TestRemoteDoRunsChooseProcessor(t *testing.T) {
	procA := sched.OSProc{Pid: "w1-a"}
	procB := sched.OSProc{Pid: "w1-b"}
	dial := &fakeDial{}

	// procA is down; PreferFirstLive must skip it and land on procB.
	live := map[string]struct{}{"w1-b": {}}
	w := worker.NewGRPCWorker(procA, 1, []sched.Processor{procA, procB}, worker.PreferFirstLive(live), dial)

	value, err := w.Do(context.Background(), sched.TaskRequest{
		Func: func(ctx any, args []any) (any, error) { return "v", nil },
	})
	require.NoError(t, err)
	assert.Equal(t, "v", value)
}

func TestRemoteDoChooseProcessorNoCandidateDiesCleanly(t *testing.T) {
	proc := sched.OSProc{Pid: "w1"}
	dial := &fakeDial{}
	// No candidate is live, so PreferFirstLive reports nothing to choose.
	w := worker.NewGRPCWorker(proc, 1, []sched.Processor{proc}, worker.PreferFirstLive(nil), dial)

	_, err := w.Do(context.Background(), sched.TaskRequest{
		Func: func(ctx any, args []any) (any, error) { return nil, nil },
	})
	var died *sched.WorkerDiedError
	require.Error(t, err)
	require.True(t, errors.As(err, &died))
	assert.Equal(t, int32(0), atomic.LoadInt32(&dial.calls))
}

func TestPreferFirstLivePicksFirstLiveCandidate(t *testing.T) {
	a := sched.OSProc{Pid: "a"}
	b := sched.OSProc{Pid: "b"}
	pred := worker.PreferFirstLive(map[string]struct{}{"b": {}})

	picked, ok := pred([]sched.Processor{a, b})
	require.True(t, ok)
	assert.Equal(t, "b", picked.ID())

	_, ok = pred([]sched.Processor{a})
	assert.False(t, ok)
}
