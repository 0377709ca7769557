// Package pipeline orchestrates evaluation: resolve the process, pick
// the cheapest replay base, fetch the missing messages, replay them
// sequentially through the worker pool, and maintain the caches and
// checkpoints along the way.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/cunode/cunode/internal/model"
	"github.com/cunode/cunode/pkg/cache"
	"github.com/cunode/cunode/pkg/config"
	"github.com/cunode/cunode/pkg/cuerr"
	"github.com/cunode/cunode/pkg/store"
	"github.com/cunode/cunode/pkg/worker"
)

const maxOrdinate = math.MaxUint64

// SchedulerLocator resolves a process id to its scheduling endpoint.
type SchedulerLocator interface {
	LocateScheduler(ctx context.Context, processID string) (string, error)
}

// ProcessFetcher downloads and verifies a process record.
type ProcessFetcher interface {
	FetchProcessRecord(ctx context.Context, schedulerURL, processID string) (*model.Process, error)
}

// MessageSource fetches a process's messages within an ordinate window,
// in scheduler order.
type MessageSource interface {
	FetchMessages(ctx context.Context, schedulerURL, processID string, afterOrdinate, uptoOrdinate uint64) ([]model.Message, error)
}

// SandboxEvaluator replays one message against a memory buffer.
type SandboxEvaluator interface {
	Evaluate(ctx context.Context, memoryIn []byte, msg *model.Message) (model.EvaluationOutput, error)
}

// EvaluatorSource yields ready evaluators for a module under limits.
type EvaluatorSource interface {
	Get(ctx context.Context, moduleID string, limits model.Limits) (SandboxEvaluator, error)
}

// Submitter dispatches evaluation tasks onto the worker pool.
type Submitter interface {
	Submit(ctx context.Context, task worker.Task) (<-chan worker.Result, error)
}

// Deps bundles the collaborators the pipeline is constructed over. All
// of them are interfaces so tests can substitute doubles.
type Deps struct {
	Locator      SchedulerLocator
	ProcessFetch ProcessFetcher
	Messages     MessageSource
	Processes    store.ProcessStore
	Evaluations  store.EvaluationStore
	Checkpoints  store.CheckpointStore
	MemoryCache  *cache.MemoryCache
	Evaluators   EvaluatorSource
	Pool         Submitter

	// Limits bounds every sandbox step.
	Limits model.Limits

	// Policy returns the live checkpoint policy; hot reload swaps it.
	Policy func() config.CheckpointConfig

	Log *slog.Logger
}

// Target names the point a caller wants the process state at. A zero
// target means the latest known point.
type Target struct {
	MessageID string
	Ordinate  uint64
	Timestamp int64
}

// Latest reports whether the target is the head of the log.
func (t Target) Latest() bool {
	return t.MessageID == "" && t.Ordinate == 0
}

func (t Target) key(processID string) string {
	return fmt.Sprintf("%s|%s|%d", processID, t.MessageID, t.Ordinate)
}

// checkpointState tracks the throttle window per process.
type checkpointState struct {
	lastAt time.Time
	since  int
}

// Pipeline is the evaluation orchestrator.
type Pipeline struct {
	deps     Deps
	resolver *Resolver
	locks    *keyedMutex
	flight   singleflight.Group
	tracer   trace.Tracer
	log      *slog.Logger

	cpMu sync.Mutex
	cps  map[string]*checkpointState
	cpWG sync.WaitGroup

	now func() time.Time
}

// New builds a pipeline over its collaborators.
func New(deps Deps) *Pipeline {
	log := deps.Log
	if log == nil {
		log = slog.Default()
	}
	return &Pipeline{
		deps:     deps,
		resolver: NewResolver(deps.Checkpoints, deps.MemoryCache, log),
		locks:    newKeyedMutex(),
		tracer:   otel.Tracer("cunode/pipeline"),
		log:      log,
		cps:      make(map[string]*checkpointState),
		now:      time.Now,
	}
}

// Close waits for in-flight checkpoint writes to settle.
func (p *Pipeline) Close() {
	p.cpWG.Wait()
}

// ReadResult returns the evaluation produced by one message, replaying
// up to it if needed.
func (p *Pipeline) ReadResult(ctx context.Context, processID, messageID string) (*model.Evaluation, error) {
	if processID == "" || messageID == "" {
		return nil, cuerr.New(cuerr.ClassVerification, "process id and message id are required")
	}
	return p.Evaluate(ctx, processID, Target{MessageID: messageID})
}

// ListResults pages over a process's evaluation log.
func (p *Pipeline) ListResults(ctx context.Context, processID string, q store.ListQuery) (*store.EvaluationPage, error) {
	if processID == "" {
		return nil, cuerr.New(cuerr.ClassVerification, "process id is required")
	}
	return p.deps.Evaluations.ListEvaluations(ctx, processID, q)
}

// Evaluate returns the process state at the target point. Identical
// concurrent requests collapse into one computation.
//
// The computation runs detached from the caller: an abandoned request
// returns early, but replay continues and its results still land in the
// durable stores. Collapsed waiters are likewise isolated from each
// other's cancellation.
func (p *Pipeline) Evaluate(ctx context.Context, processID string, target Target) (*model.Evaluation, error) {
	flightCtx := context.WithoutCancel(ctx)
	ch := p.flight.DoChan(target.key(processID), func() (interface{}, error) {
		eval, _, err := p.evaluate(flightCtx, processID, target)
		return eval, err
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*model.Evaluation), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Dryrun evaluates one ad hoc message against the latest process state
// without any durable writes: no evaluation row, no checkpoint, no
// memory-cache update.
func (p *Pipeline) Dryrun(ctx context.Context, processID string, msg model.Message) (model.EvaluationOutput, error) {
	var zero model.EvaluationOutput
	if processID == "" {
		return zero, cuerr.New(cuerr.ClassVerification, "process id is required")
	}

	proc, err := p.resolveProcess(ctx, processID)
	if err != nil {
		return zero, err
	}

	unlock := p.locks.Lock(processID)
	defer unlock()

	// Bring the process to its head first; those are real messages and
	// persist as usual. Only the ad hoc message stays ephemeral.
	_, mem, err := p.evaluateLocked(ctx, proc, Target{})
	if err != nil && !cuerr.IsNotFound(err) {
		return zero, err
	}

	msg.ProcessID = processID
	evaluator, err := p.deps.Evaluators.Get(ctx, proc.ModuleID, p.deps.Limits)
	if err != nil {
		return zero, err
	}
	out, err := p.dispatch(ctx, evaluator, mem, &msg)
	if err != nil {
		return zero, err
	}
	return out.WithoutMemory(), nil
}

func (p *Pipeline) evaluate(ctx context.Context, processID string, target Target) (*model.Evaluation, []byte, error) {
	ctx, span := p.tracer.Start(ctx, "pipeline.evaluate",
		trace.WithAttributes(
			attribute.String("process.id", processID),
			attribute.String("target.message", target.MessageID),
			attribute.Int64("target.ordinate", int64(target.Ordinate)),
		))
	defer span.End()

	proc, err := p.resolveProcess(ctx, processID)
	if err != nil {
		return nil, nil, err
	}

	unlock := p.locks.Lock(processID)
	defer unlock()

	return p.evaluateLocked(ctx, proc, target)
}

// evaluateLocked runs the exact-hit check and, on a miss, the replay
// loop. The caller holds the process lock.
func (p *Pipeline) evaluateLocked(ctx context.Context, proc *model.Process, target Target) (*model.Evaluation, []byte, error) {
	// Exact tier. A hit short-circuits everything, including the
	// checkpoint store.
	if target.MessageID != "" {
		eval, err := p.deps.Evaluations.FindEvaluationByMessage(ctx, proc.ID, target.MessageID)
		if err == nil {
			return eval, nil, nil
		}
		if !cuerr.IsNotFound(err) {
			return nil, nil, err
		}
	} else if target.Ordinate > 0 {
		eval, err := p.deps.Evaluations.FindEvaluationAt(ctx, proc.ID, target.Ordinate)
		if err == nil {
			return eval, nil, nil
		}
		if !cuerr.IsNotFound(err) {
			return nil, nil, err
		}
	}

	base := p.resolver.ResolveBase(ctx, proc.ID, target)

	upto := target.Ordinate
	if upto == 0 {
		upto = uint64(maxOrdinate)
	}
	msgs, err := p.deps.Messages.FetchMessages(ctx, proc.SchedulerURL, proc.ID, base.Ordinate, upto)
	if err != nil {
		return nil, nil, err
	}

	if len(msgs) == 0 {
		return p.resultAtBase(ctx, proc.ID, base, target)
	}

	// Validate the whole window before touching anything durable, so an
	// ordering violation writes nothing at all.
	prevOrd, prevTS, prevBH := base.Ordinate, base.Timestamp, base.BlockHeight
	for i := range msgs {
		if err := validateNext(proc.ID, prevOrd, prevTS, prevBH, &msgs[i]); err != nil {
			return nil, nil, err
		}
		prevOrd, prevTS, prevBH = msgs[i].Ordinate, msgs[i].Timestamp, msgs[i].BlockHeight
	}

	return p.replay(ctx, proc, base, msgs, target)
}

// resultAtBase serves a request when no new messages exist past the
// resolved base.
func (p *Pipeline) resultAtBase(ctx context.Context, processID string, base Base, target Target) (*model.Evaluation, []byte, error) {
	if base.Ordinate == 0 {
		return nil, nil, cuerr.NotFound("evaluation", processID)
	}
	eval, err := p.deps.Evaluations.FindEvaluationAt(ctx, processID, base.Ordinate)
	if err != nil {
		return nil, base.Memory, err
	}
	if target.MessageID != "" && eval.MessageID != target.MessageID {
		return nil, base.Memory, cuerr.NotFound("message", target.MessageID)
	}
	return eval, base.Memory, nil
}

func (p *Pipeline) replay(ctx context.Context, proc *model.Process, base Base, msgs []model.Message, target Target) (*model.Evaluation, []byte, error) {
	evaluator, err := p.deps.Evaluators.Get(ctx, proc.ModuleID, p.deps.Limits)
	if err != nil {
		return nil, nil, err
	}

	policy := p.deps.Policy()
	mem := base.Memory
	var last *model.Evaluation

	for i := range msgs {
		msg := &msgs[i]

		out, err := p.dispatch(ctx, evaluator, mem, msg)
		if err != nil {
			return nil, nil, err
		}

		eval := &model.Evaluation{
			ProcessID:   proc.ID,
			MessageID:   msg.ID,
			Ordinate:    msg.Ordinate,
			Timestamp:   msg.Timestamp,
			Cron:        msg.Cron,
			BlockHeight: msg.BlockHeight,
			Output:      out.WithoutMemory(),
			EvaluatedAt: p.now().UTC(),
		}
		if err := p.deps.Evaluations.SaveEvaluation(ctx, eval); err != nil {
			p.log.Warn("evaluation write failed",
				slog.String("process", proc.ID),
				slog.String("message", msg.ID),
				slog.String("error", err.Error()))
		}

		if out.Memory != nil {
			mem = out.Memory
		}
		last = eval
		p.maybeCheckpoint(ctx, proc.ID, eval, mem, policy)

		if target.MessageID != "" && msg.ID == target.MessageID {
			break
		}
	}

	if target.MessageID != "" && last.MessageID != target.MessageID {
		return nil, nil, cuerr.NotFound("message", target.MessageID)
	}

	p.deps.MemoryCache.Put(cache.MemoryEntry{
		ProcessID:   proc.ID,
		Ordinate:    last.Ordinate,
		Timestamp:   last.Timestamp,
		Cron:        last.Cron,
		BlockHeight: last.BlockHeight,
		Memory:      mem,
	})
	return last, mem, nil
}

// dispatch runs one step on the worker pool and waits for its result.
func (p *Pipeline) dispatch(ctx context.Context, evaluator SandboxEvaluator, mem []byte, msg *model.Message) (model.EvaluationOutput, error) {
	var zero model.EvaluationOutput

	// Once a step starts it runs to its compute limit; caller
	// abandonment must not kill it inside the sandbox.
	ch, err := p.deps.Pool.Submit(ctx, func(taskCtx context.Context) (model.EvaluationOutput, error) {
		return evaluator.Evaluate(context.WithoutCancel(taskCtx), mem, msg)
	})
	if err != nil {
		return zero, err
	}

	select {
	case res := <-ch:
		if res.Err != nil {
			return zero, res.Err
		}
		return res.Output, nil
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// resolveProcess serves the record from the local store, fetching and
// persisting it on first sight. The save is best effort.
func (p *Pipeline) resolveProcess(ctx context.Context, processID string) (*model.Process, error) {
	proc, err := p.deps.Processes.FindProcess(ctx, processID)
	if err == nil {
		return proc, nil
	}
	if !cuerr.IsNotFound(err) {
		return nil, err
	}

	schedulerURL, err := p.deps.Locator.LocateScheduler(ctx, processID)
	if err != nil {
		return nil, err
	}
	proc, err = p.deps.ProcessFetch.FetchProcessRecord(ctx, schedulerURL, processID)
	if err != nil {
		return nil, err
	}
	if err := p.deps.Processes.SaveProcess(ctx, proc); err != nil {
		p.log.Warn("process record write failed",
			slog.String("process", processID),
			slog.String("error", err.Error()))
	}
	return proc, nil
}

// maybeCheckpoint persists a memory snapshot when the throttle window
// has elapsed or enough messages accumulated since the last one. The
// write runs off the response path and its failure is not surfaced.
func (p *Pipeline) maybeCheckpoint(ctx context.Context, processID string, eval *model.Evaluation, mem []byte, policy config.CheckpointConfig) {
	if policy.Disable {
		return
	}

	p.cpMu.Lock()
	st, ok := p.cps[processID]
	p.cpMu.Unlock()
	if !ok {
		st = &checkpointState{}
		// First touch since boot: seed the window from the newest durable
		// checkpoint so a restart cannot defeat the throttle. The caller
		// holds the process lock, so the insert below cannot collide.
		if cp, err := p.deps.Checkpoints.FindCheckpointBefore(ctx, processID, 0, maxOrdinate, ""); err == nil {
			st.lastAt = cp.CreatedAt
		}
		p.cpMu.Lock()
		p.cps[processID] = st
		p.cpMu.Unlock()
	}

	p.cpMu.Lock()
	st.since++
	due := st.since >= policy.EagerThreshold ||
		p.now().Sub(st.lastAt) >= policy.CreationThrottle
	if due {
		st.since = 0
		st.lastAt = p.now()
	}
	p.cpMu.Unlock()

	if !due {
		return
	}

	cp := &model.MemoryCheckpoint{
		ID:          uuid.NewString(),
		ProcessID:   processID,
		Ordinate:    eval.Ordinate,
		Timestamp:   eval.Timestamp,
		Cron:        eval.Cron,
		BlockHeight: eval.BlockHeight,
		Memory:      append([]byte(nil), mem...),
		CreatedAt:   p.now().UTC(),
	}

	p.cpWG.Add(1)
	go func() {
		defer p.cpWG.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := p.deps.Checkpoints.SaveCheckpoint(ctx, cp); err != nil {
			p.log.Warn("checkpoint write failed",
				slog.String("process", processID),
				slog.Uint64("ordinate", cp.Ordinate),
				slog.String("error", err.Error()))
		}
	}()
}

// validateNext enforces the ordering invariant for one step past the
// previous point. Block heights never regress; directly scheduled
// messages carry contiguous ordinates; cron lineage messages only need
// a strictly increasing point.
func validateNext(processID string, prevOrd uint64, prevTS int64, prevBH uint64, m *model.Message) error {
	if m.BlockHeight < prevBH {
		return cuerr.Ordering(processID,
			fmt.Sprintf("block height %d regresses below %d", m.BlockHeight, prevBH))
	}

	if m.Cron == "" {
		switch {
		case m.Ordinate == prevOrd+1:
			return nil
		case m.Ordinate <= prevOrd:
			return cuerr.Ordering(processID,
				fmt.Sprintf("ordinate %d does not advance past %d", m.Ordinate, prevOrd))
		default:
			return cuerr.Ordering(processID,
				fmt.Sprintf("ordinate gap: expected %d, got %d", prevOrd+1, m.Ordinate))
		}
	}

	if m.Ordinate < prevOrd || (m.Ordinate == prevOrd && m.Timestamp <= prevTS) {
		return cuerr.Ordering(processID,
			fmt.Sprintf("cron point (%d,%d) does not advance past (%d,%d)",
				m.Ordinate, m.Timestamp, prevOrd, prevTS))
	}
	return nil
}
