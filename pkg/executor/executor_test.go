package executor_test

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsforge/fleetexec/pkg/executor"
	"github.com/opsforge/fleetexec/pkg/lg"
	"github.com/opsforge/fleetexec/pkg/result"
	"github.com/opsforge/fleetexec/pkg/target"
	"github.com/opsforge/fleetexec/pkg/task"
	"github.com/opsforge/fleetexec/pkg/transport"
)

// fakeTransport counts open connections and lets tests inject latency,
// connect failures, and blocking targets.
type fakeTransport struct {
	open    int32
	maxOpen int32

	latency     time.Duration
	failConnect map[string]error
	blocking    map[string]bool

	mu        sync.Mutex
	completed int
	onDone    func(completed int)
}

func (f *fakeTransport) Connect(_ context.Context, tgt *target.Target) (transport.Connection, error) {
	if err, ok := f.failConnect[tgt.Name]; ok {
		return nil, err
	}
	cur := atomic.AddInt32(&f.open, 1)
	for {
		max := atomic.LoadInt32(&f.maxOpen)
		if cur <= max || atomic.CompareAndSwapInt32(&f.maxOpen, max, cur) {
			break
		}
	}
	return &fakeConn{tr: f, tgt: tgt}, nil
}

func (f *fakeTransport) done() {
	f.mu.Lock()
	f.completed++
	n := f.completed
	cb := f.onDone
	f.mu.Unlock()
	if cb != nil {
		cb(n)
	}
}

type fakeConn struct {
	tr  *fakeTransport
	tgt *target.Target
}

func (c *fakeConn) run(ctx context.Context) (*transport.Output, error) {
	if c.tr.blocking[c.tgt.Name] {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if c.tr.latency > 0 {
		select {
		case <-time.After(c.tr.latency):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	defer c.tr.done()
	return &transport.Output{Stdout: []byte(c.tgt.Name + " out")}, nil
}

func (c *fakeConn) RunCommand(ctx context.Context, _ string) (*transport.Output, error) {
	return c.run(ctx)
}

func (c *fakeConn) RunScript(ctx context.Context, _ string, _ []string) (*transport.Output, error) {
	return c.run(ctx)
}

func (c *fakeConn) RunTask(ctx context.Context, _ *task.Task, _ map[string]any) (*transport.Output, error) {
	return c.run(ctx)
}

func (c *fakeConn) Upload(ctx context.Context, _, _ string) error {
	_, err := c.run(ctx)
	return err
}

func (c *fakeConn) Download(ctx context.Context, _, _ string) error {
	_, err := c.run(ctx)
	return err
}

func (c *fakeConn) Close() error {
	atomic.AddInt32(&c.tr.open, -1)
	return nil
}

func newExecutor(fake *fakeTransport) *executor.Executor {
	registry := transport.NewRegistry()
	registry.Register("fake", fake)
	return executor.New(registry, lg.Discard)
}

func makeTargets(n int) []*target.Target {
	targets := make([]*target.Target, n)
	for i := range targets {
		targets[i] = &target.Target{
			Name:     fmt.Sprintf("node%02d", i),
			Protocol: "fake",
			Host:     fmt.Sprintf("node%02d.example.com", i),
		}
	}
	return targets
}

func TestDispatchPreservesTargetOrder(t *testing.T) {
	fake := &fakeTransport{latency: 5 * time.Millisecond}
	exec := newExecutor(fake)
	targets := makeTargets(12)

	set, err := exec.Dispatch(context.Background(), targets, executor.Command{Command: "uptime"}, executor.Options{Concurrency: 4})
	require.NoError(t, err)
	require.Equal(t, len(targets), set.Len())

	for i, r := range set.Results() {
		assert.Equal(t, targets[i].Name, r.Target.Name)
		assert.Equal(t, targets[i].Name+" out", r.Value["stdout"])
	}
}

func TestDispatchHonorsConcurrencyBound(t *testing.T) {
	fake := &fakeTransport{latency: 10 * time.Millisecond}
	exec := newExecutor(fake)
	targets := makeTargets(20)

	set, err := exec.Dispatch(context.Background(), targets, executor.Command{Command: "uptime"}, executor.Options{Concurrency: 3})
	require.NoError(t, err)
	assert.Equal(t, 20, set.Len())

	assert.LessOrEqual(t, atomic.LoadInt32(&fake.maxOpen), int32(3),
		"open connections exceeded the concurrency bound")
	assert.Equal(t, int32(0), atomic.LoadInt32(&fake.open), "connections leaked")
}

func TestDispatchPartialFailure(t *testing.T) {
	fake := &fakeTransport{
		failConnect: map[string]error{
			"node02": result.ConnectError(result.KindUnreachable, fmt.Errorf("no route to host")),
		},
	}
	exec := newExecutor(fake)
	targets := makeTargets(5)

	set, err := exec.Dispatch(context.Background(), targets, executor.Command{Command: "uptime"}, executor.Options{Concurrency: 2})
	require.NoError(t, err)
	require.Equal(t, 5, set.Len())

	ok, failed, err := set.Counts()
	require.NoError(t, err)
	assert.Equal(t, 4, ok)
	assert.Equal(t, 1, failed)

	r := set.Results()[2]
	st, err := r.Status()
	require.NoError(t, err)
	assert.Equal(t, result.StatusFailure, st)
	assert.Equal(t, "no route to host", r.Cause().Msg)
	assert.Equal(t, result.KindUnreachable, r.Cause().Kind)
}

func TestDispatchCancellation(t *testing.T) {
	// node00 and node01 finish; everything after blocks until cancelled
	fake := &fakeTransport{blocking: map[string]bool{}}
	targets := makeTargets(6)
	for _, tgt := range targets[2:] {
		fake.blocking[tgt.Name] = true
	}

	ctx, cancel := context.WithCancel(context.Background())
	fake.onDone = func(completed int) {
		if completed == 2 {
			cancel()
		}
	}
	defer cancel()

	exec := newExecutor(fake)
	set, err := exec.Dispatch(ctx, targets, executor.Command{Command: "uptime"}, executor.Options{Concurrency: 2})
	require.NoError(t, err)
	require.Equal(t, 6, set.Len(), "every target gets exactly one result")

	for i, r := range set.Results() {
		st, serr := r.Status()
		require.NoError(t, serr)
		if i < 2 {
			assert.Equal(t, result.StatusSuccess, st, "completed unit %d unaffected", i)
		} else {
			assert.Equal(t, result.StatusFailure, st)
			assert.Equal(t, result.KindCancelled, r.Cause().Kind)
		}
	}
	assert.Equal(t, int32(0), atomic.LoadInt32(&fake.open), "in-flight connections not closed")
}

func TestDispatchTimeout(t *testing.T) {
	fake := &fakeTransport{blocking: map[string]bool{"node00": true, "node01": true}}
	exec := newExecutor(fake)
	targets := makeTargets(2)

	set, err := exec.Dispatch(context.Background(), targets, executor.Command{Command: "sleep 60"},
		executor.Options{Concurrency: 2, Timeout: 30 * time.Millisecond})
	require.NoError(t, err)
	require.Equal(t, 2, set.Len())

	for _, r := range set.Results() {
		assert.Equal(t, result.KindTimeout, r.Cause().Kind)
	}
}

func TestDispatchFailFast(t *testing.T) {
	fake := &fakeTransport{
		failConnect: map[string]error{
			"node01": result.ConnectError(result.KindUnreachable, fmt.Errorf("boom")),
		},
	}
	exec := newExecutor(fake)
	targets := makeTargets(4)

	// concurrency 1 makes completion sequential, so the failure at index 1
	// cancels everything after it
	set, err := exec.Dispatch(context.Background(), targets, executor.Command{Command: "uptime"},
		executor.Options{Concurrency: 1, FailFast: true})
	require.NoError(t, err)
	require.Equal(t, 4, set.Len())

	assert.True(t, set.Results()[0].Ok())
	assert.Equal(t, result.KindUnreachable, set.Results()[1].Cause().Kind)
	for _, r := range set.Results()[2:] {
		assert.Equal(t, result.KindCancelled, r.Cause().Kind)
	}
}

func TestDispatchMessageSkipsTransport(t *testing.T) {
	fake := &fakeTransport{
		failConnect: map[string]error{"node00": fmt.Errorf("must not connect")},
	}
	exec := newExecutor(fake)
	targets := makeTargets(1)

	set, err := exec.Dispatch(context.Background(), targets, executor.Message{Text: "hello"}, executor.Options{Concurrency: 1})
	require.NoError(t, err)
	r := set.Results()[0]
	assert.True(t, r.Ok())
	assert.Equal(t, "hello", r.Value["message"])
}

func TestDispatchUnknownProtocolBecomesResult(t *testing.T) {
	exec := newExecutor(&fakeTransport{})
	targets := []*target.Target{{Name: "w1", Protocol: "winrm", Host: "w1"}}

	set, err := exec.Dispatch(context.Background(), targets, executor.Command{Command: "x"}, executor.Options{Concurrency: 1})
	require.NoError(t, err)
	r := set.Results()[0]
	assert.False(t, r.Ok())
	assert.Contains(t, r.Cause().Msg, "no transport registered")
}

func TestDispatchContractErrors(t *testing.T) {
	exec := newExecutor(&fakeTransport{})
	targets := makeTargets(1)

	_, err := exec.Dispatch(context.Background(), targets, executor.Command{Command: "x"}, executor.Options{Concurrency: 0})
	assert.ErrorIs(t, err, executor.ErrInvalidConcurrency)

	_, err = exec.Dispatch(context.Background(), targets, nil, executor.Options{Concurrency: 1})
	assert.ErrorIs(t, err, executor.ErrNilAction)
}

func TestDispatchTaskAndTransferResults(t *testing.T) {
	fake := &fakeTransport{}
	exec := newExecutor(fake)
	targets := makeTargets(1)

	tk := &task.Task{Name: "facts", Files: []string{"facts.sh"}}
	set, err := exec.Dispatch(context.Background(), targets, executor.Task{Task: tk}, executor.Options{Concurrency: 1})
	require.NoError(t, err)
	r := set.Results()[0]
	assert.Equal(t, result.ActionTask, r.Action)
	assert.Equal(t, "facts", r.Value["_task"])

	set, err = exec.Dispatch(context.Background(), targets, executor.Upload{Source: "a", Destination: "b"}, executor.Options{Concurrency: 1})
	require.NoError(t, err)
	assert.Equal(t, result.ActionUpload, set.Results()[0].Action)
	assert.Equal(t, "b", set.Results()[0].Value["path"])
}
