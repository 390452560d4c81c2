package worker

import (
	"context"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/swarmguard/dagsched/internal/sched"
)

// GRPCDial models the transport half of Remote.Do the way the ambient stack
// dials the OTLP collector: a status-coded RPC where codes.Unavailable means
// the peer process is gone, not that the call itself failed logically.
// conn is intentionally a narrow interface rather than *grpc.ClientConn so
// tests can substitute an in-process implementation without a real listener.
type GRPCDial interface {
	DoTask(ctx context.Context, req sched.TaskRequest) (any, error)
}

// NewGRPCWorker wraps a GRPCDial transport as a sched.Worker, translating
// codes.Unavailable into *sched.WorkerDiedError so the fault handler can
// tell a dead peer apart from a task that merely returned an error. procs
// and choose are forwarded to NewRemote for choose_processor; pass nil for
// both when conn only ever executes as proc itself.
func NewGRPCWorker(proc sched.Processor, capacity int64, procs []sched.Processor, choose ChoosePred, conn GRPCDial) *Remote {
	return NewRemote(proc, nil, capacity, procs, choose, func(ctx context.Context, req sched.TaskRequest) (any, error) {
		value, err := conn.DoTask(ctx, req)
		if err == nil {
			return value, nil
		}
		if status.Code(err) == codes.Unavailable {
			return nil, &sched.WorkerDiedError{Proc: proc, Err: err}
		}
		return nil, fmt.Errorf("do_task on %s: %w", proc.ID(), err)
	})
}
