// Package executor dispatches one action across many targets in parallel
// under a concurrency bound and collects one normalized result per target.
package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/opsforge/fleetexec/pkg/lg"
	"github.com/opsforge/fleetexec/pkg/result"
	"github.com/opsforge/fleetexec/pkg/target"
	"github.com/opsforge/fleetexec/pkg/transport"
)

// Programmer errors returned by Dispatch itself. Per-target failures never
// surface here; they become failing results.
var (
	ErrInvalidConcurrency = errors.New("concurrency must be a positive integer")
	ErrNilAction          = errors.New("no action given")
	ErrUnsupportedAction  = errors.New("unsupported action type")
)

// Options configures one dispatch. Everything is explicit; nothing is read
// from process-wide state.
type Options struct {
	// Concurrency caps the number of simultaneously open connections.
	Concurrency int
	// Timeout bounds the whole dispatch. Zero means no timeout.
	Timeout time.Duration
	// FailFast cancels remaining in-flight work once any failure is seen.
	// The default is continue-to-completion.
	FailFast bool
}

type Executor struct {
	registry *transport.Registry
	logger   lg.Logger
}

func New(registry *transport.Registry, logger lg.Logger) *Executor {
	if logger == nil {
		logger = lg.Discard
	}
	return &Executor{registry: registry, logger: logger}
}

// Dispatch runs act against every target and returns one result per target,
// in the input order regardless of completion order. A target's failure
// never aborts the batch. On cancellation or timeout, in-flight units report
// a cancelled or timeout failure and not-yet-started targets are marked
// cancelled; the set always has exactly len(targets) entries.
func (e *Executor) Dispatch(ctx context.Context, targets []*target.Target, act Action, opts Options) (*result.Set, error) {
	if act == nil {
		return nil, ErrNilAction
	}
	if opts.Concurrency < 1 {
		return nil, fmt.Errorf("%w, got %d", ErrInvalidConcurrency, opts.Concurrency)
	}
	switch act.(type) {
	case Command, Script, Task, Upload, Download, Message:
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedAction, act)
	}

	runID := uuid.New()
	logger := e.logger.With(
		lg.String("run", runID.String()),
		lg.String("action", act.Kind()),
		lg.Int("targets", len(targets)),
	)
	logger.Info("dispatching", lg.String("object", act.Object()), lg.Int("concurrency", opts.Concurrency))

	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sem := semaphore.NewWeighted(int64(opts.Concurrency))
	results := make([]*result.Result, len(targets))
	var mu sync.Mutex
	var wg sync.WaitGroup

	for i, tgt := range targets {
		// Acquiring before spawning keeps at most Concurrency units,
		// and so at most Concurrency open connections, in flight.
		if err := sem.Acquire(ctx, 1); err != nil {
			mu.Lock()
			results[i] = result.ForError(tgt, abortError(ctx.Err()))
			mu.Unlock()
			continue
		}
		wg.Add(1)
		go func(i int, tgt *target.Target) {
			defer wg.Done()
			defer sem.Release(1)
			res := e.runOne(ctx, tgt, act)
			mu.Lock()
			results[i] = res
			mu.Unlock()
			if opts.FailFast && !res.Ok() {
				cancel()
			}
		}(i, tgt)
	}
	wg.Wait()

	set := result.NewSet(results)
	if ok, failed, err := set.Counts(); err == nil {
		logger.Info("dispatch finished", lg.Int("ok", ok), lg.Int("failed", failed))
	}
	return set, nil
}

// runOne is the per-target unit of work: resolve the transport, connect,
// invoke the matching action, and normalize the outcome. All failures are
// caught here and turned into failing results.
func (e *Executor) runOne(ctx context.Context, tgt *target.Target, act Action) *result.Result {
	if m, ok := act.(Message); ok {
		return result.ForMessage(tgt, m.Text)
	}
	if err := ctx.Err(); err != nil {
		return result.ForError(tgt, abortError(err))
	}

	tr, err := e.registry.Resolve(tgt.Protocol)
	if err != nil {
		return result.ForError(tgt, result.NewError(result.KindTransport, err.Error()))
	}

	start := time.Now()
	conn, err := tr.Connect(ctx, tgt)
	if err != nil {
		return result.ForError(tgt, failure(ctx, err))
	}
	defer conn.Close()

	switch a := act.(type) {
	case Command:
		out, err := conn.RunCommand(ctx, a.Command)
		if err != nil {
			return result.ForError(tgt, failure(ctx, err))
		}
		return result.ForCommand(tgt, a.Command, string(out.Stdout), string(out.Stderr), out.ExitCode, time.Since(start))
	case Script:
		out, err := conn.RunScript(ctx, a.Path, a.Args)
		if err != nil {
			return result.ForError(tgt, failure(ctx, err))
		}
		return result.ForScript(tgt, a.Path, string(out.Stdout), string(out.Stderr), out.ExitCode, time.Since(start))
	case Task:
		out, err := conn.RunTask(ctx, a.Task, a.Params)
		if err != nil {
			return result.ForError(tgt, failure(ctx, err))
		}
		return result.ForTask(tgt, a.Task.Name, string(out.Stdout), string(out.Stderr), out.ExitCode, time.Since(start))
	case Upload:
		if err := conn.Upload(ctx, a.Source, a.Destination); err != nil {
			return result.ForError(tgt, failure(ctx, err))
		}
		return result.ForUpload(tgt, a.Source, a.Destination, time.Since(start))
	case Download:
		if err := conn.Download(ctx, a.Source, a.Destination); err != nil {
			return result.ForError(tgt, failure(ctx, err))
		}
		return result.ForDownload(tgt, a.Source, a.Destination, time.Since(start))
	}
	// unreachable, Dispatch validated the action kind
	return result.ForError(tgt, result.NewErrorf(result.KindTransport, "unsupported action %T", act))
}

// failure maps an action-layer error onto the taxonomy, distinguishing
// cancellation and timeout from ordinary transport failures.
func failure(ctx context.Context, err error) *result.Error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return abortError(err)
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return abortError(ctxErr)
	}
	return result.FromErr(err)
}

func abortError(err error) *result.Error {
	if errors.Is(err, context.DeadlineExceeded) {
		return result.NewError(result.KindTimeout, "dispatch timed out")
	}
	return result.NewError(result.KindCancelled, "dispatch cancelled")
}
