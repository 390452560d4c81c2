package sched_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	noopmetric "go.opentelemetry.io/otel/metric/noop"

	"github.com/swarmguard/dagsched/internal/sched"
	"github.com/swarmguard/dagsched/internal/worker"
)

func testMetrics(t *testing.T) *sched.Metrics {
	t.Helper()
	m, err := sched.NewMetrics(otel.Tracer("test"), noopMeter(), nil)
	require.NoError(t, err)
	return m
}

func noopMeter() metric.Meter {
	return noopmetric.NewMeterProvider().Meter("test")
}

func identity(ctx any, args []any) (any, error) { return args[0], nil }

func add(ctx any, args []any) (any, error) {
	a := args[0].(int)
	b := args[1].(int)
	return a + b, nil
}

func double(ctx any, args []any) (any, error) {
	return args[0].(int) * 2, nil
}

// Scenario 1: linear chain A -> B -> C.
func TestRunLinearChain(t *testing.T) {
	a := &sched.Thunk{ID: sched.NewThunkID(), FuncName: "a", Func: func(ctx any, args []any) (any, error) { return 1, nil }}
	b := &sched.Thunk{ID: sched.NewThunkID(), FuncName: "b", Func: double, Inputs: []any{a}}
	c := &sched.Thunk{ID: sched.NewThunkID(), FuncName: "c", Func: double, Inputs: []any{b}}

	pool := worker.NewFakeWorkerPool("w1")
	procs := pool.Processors()
	ws := pool.Workers()

	value, err := sched.Run(context.Background(), c, procs, ws, sched.SchedulerOptions{}, testMetrics(t))
	require.NoError(t, err)
	assert.Equal(t, 4, value)
}

// Scenario 2: diamond A -> {B, C} -> D; D fires exactly once.
func TestRunDiamond(t *testing.T) {
	a := &sched.Thunk{ID: sched.NewThunkID(), FuncName: "a", Func: func(ctx any, args []any) (any, error) { return 2, nil }}
	b := &sched.Thunk{ID: sched.NewThunkID(), FuncName: "b", Func: double, Inputs: []any{a}}
	c := &sched.Thunk{ID: sched.NewThunkID(), FuncName: "c", Func: double, Inputs: []any{a}}
	d := &sched.Thunk{ID: sched.NewThunkID(), FuncName: "d", Func: add, Inputs: []any{b, c}}

	pool := worker.NewFakeWorkerPool("w1", "w2")
	procs := pool.Processors()
	ws := pool.Workers()

	value, err := sched.Run(context.Background(), d, procs, ws, sched.SchedulerOptions{}, testMetrics(t))
	require.NoError(t, err)
	assert.Equal(t, 8, value)
}

// Scenario 3: meta thunk runs in-process and never touches a worker.
func TestRunMetaThunk(t *testing.T) {
	a := &sched.Thunk{ID: sched.NewThunkID(), FuncName: "a", Func: func(ctx any, args []any) (any, error) { return 3, nil }}
	b := &sched.Thunk{ID: sched.NewThunkID(), FuncName: "b", Func: func(ctx any, args []any) (any, error) { return 4, nil }}
	sum := &sched.Thunk{ID: sched.NewThunkID(), FuncName: "sum", Meta: true, Func: add, Inputs: []any{a, b}}

	pool := worker.NewFakeWorkerPool("w1")
	procs := pool.Processors()
	ws := pool.Workers()

	value, err := sched.Run(context.Background(), sum, procs, ws, sched.SchedulerOptions{}, testMetrics(t))
	require.NoError(t, err)
	assert.Equal(t, 7, value)
}

// Scenario 4: cache hit — a cache=true thunk's second run takes the
// cache-ref shortcut and never calls the worker again.
func TestCacheRefShortcut(t *testing.T) {
	calls := 0
	x := &sched.Thunk{
		ID:       sched.NewThunkID(),
		FuncName: "x",
		Cache:    true,
		Func: func(ctx any, args []any) (any, error) {
			calls++
			return 42, nil
		},
	}

	pool := worker.NewFakeWorkerPool("w1")
	procs := pool.Processors()
	ws := pool.Workers()

	value, err := sched.Run(context.Background(), x, procs, ws, sched.SchedulerOptions{}, testMetrics(t))
	require.NoError(t, err)
	// A cached root comes back as the chunk reference held in cache[root].
	ref, isRef := value.(sched.ChunkRef)
	require.True(t, isRef)
	got, err := ref.Materialize(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 42, got)
	assert.Equal(t, 1, calls)
	require.NotNil(t, x.CacheRef)

	value, ok, err := x.CacheRef.Unrelease(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 42, value)
	assert.Equal(t, 1, calls, "unrelease must not invoke the worker again")

	// Second run of the same graph: fireTask takes the cache-ref shortcut.
	value, err = sched.Run(context.Background(), x, procs, ws, sched.SchedulerOptions{}, testMetrics(t))
	require.NoError(t, err)
	assert.Equal(t, 42, value)
	assert.Equal(t, 1, calls, "the second run must not invoke the worker again")
}

// Scenario 5: worker death — one of two workers dies while its first thunk
// is still in flight; the Fault Handler replans the lost work and the
// survivor finishes the graph.
func TestRunWorkerDeath(t *testing.T) {
	// Single:"w1" pins "a" to w1 so the death is always observed on the
	// thunk actually in flight, rather than leaving it to chance which
	// processor the ready-queue selector drew; the sleep in Func holds "a"
	// in flight past the kill so the fault handler is exercised on every
	// run instead of only when the timing happens to line up.
	a := &sched.Thunk{
		ID:       sched.NewThunkID(),
		FuncName: "a",
		Cache:    true,
		Options:  &sched.ThunkOptions{Single: "w1"},
		Func: func(ctx any, args []any) (any, error) {
			time.Sleep(20 * time.Millisecond)
			return 5, nil
		},
	}
	b := &sched.Thunk{ID: sched.NewThunkID(), FuncName: "b", Func: double, Inputs: []any{a}}

	pool := worker.NewFakeWorkerPool("w1", "w2")
	procs := pool.Processors()
	ws := pool.Workers()

	go func() {
		time.Sleep(5 * time.Millisecond)
		pool.Kill("w1")
	}()

	value, err := sched.Run(context.Background(), b, procs, ws, sched.SchedulerOptions{}, testMetrics(t))
	require.NoError(t, err)
	assert.Equal(t, 10, value)
}

// Scenario 6: dynamic halt — a dynamic thunk calls Halt on its handle; the
// run exits with ErrHalted.
func TestRunDynamicHalt(t *testing.T) {
	halter := &sched.Thunk{
		ID:       sched.NewThunkID(),
		FuncName: "halter",
		Dynamic:  true,
		Func: func(ctx any, args []any) (any, error) {
			handle := ctx.(*sched.SchedulerHandle)
			handle.Halt()
			<-time.After(10 * time.Millisecond)
			return nil, nil
		},
	}

	pool := worker.NewFakeWorkerPool("w1")
	procs := pool.Processors()
	ws := pool.Workers()

	_, err := sched.Run(context.Background(), halter, procs, ws, sched.SchedulerOptions{}, testMetrics(t))
	assert.ErrorIs(t, err, sched.ErrHalted)
}

// Boundary: a single leaf thunk with no inputs completes without ever
// entering the completion-handling branch's dependent-unblocking path.
func TestRunSingleLeaf(t *testing.T) {
	leaf := &sched.Thunk{ID: sched.NewThunkID(), FuncName: "leaf", Func: func(ctx any, args []any) (any, error) { return "ok", nil }}

	pool := worker.NewFakeWorkerPool("w1")
	procs := pool.Processors()
	ws := pool.Workers()

	value, err := sched.Run(context.Background(), leaf, procs, ws, sched.SchedulerOptions{}, testMetrics(t))
	require.NoError(t, err)
	assert.Equal(t, "ok", value)
}

// Boundary: options.single confines every dispatch to the named worker.
func TestSchedulerOptionsSingleConfines(t *testing.T) {
	seen := make(chan string, 4)
	mk := func(name string) *sched.Thunk {
		return &sched.Thunk{ID: sched.NewThunkID(), FuncName: name, Func: func(ctx any, args []any) (any, error) {
			return name, nil
		}}
	}
	a := mk("a")
	b := &sched.Thunk{ID: sched.NewThunkID(), FuncName: "b", Func: identity, Inputs: []any{a}}

	pool := worker.NewFakeWorkerPool("w1", "w2")
	procs := pool.Processors()
	raw := pool.Workers()
	ws := make(map[string]sched.Worker, len(raw))
	for id, w := range raw {
		ws[id] = recordingWorker{Worker: w, seen: seen}
	}

	value, err := sched.Run(context.Background(), b, procs, ws, sched.SchedulerOptions{Single: "w1"}, testMetrics(t))
	require.NoError(t, err)
	assert.Equal(t, "a", value)
	close(seen)
	for id := range seen {
		assert.Equal(t, "w1", id)
	}
}

type recordingWorker struct {
	sched.Worker
	seen chan<- string
}

func (r recordingWorker) Do(ctx context.Context, req sched.TaskRequest) (any, error) {
	r.seen <- r.Processor().ID()
	return r.Worker.Do(ctx, req)
}
