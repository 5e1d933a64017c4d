// Package query implements the task-based query executor's scheduling
// layer: per-pipeline task queues, a fixed worker pool that pulls runnable
// queues, in-band reconfiguration dispatch, and end-to-end query lifecycle
// (deploy/start/stop) on top of pkg/engine's pipeline state machines
// (spec.md §4.10, §5).
//
// Grounded on codefang's pkg/gitlib.Worker (one channel, one exclusive
// consumer per unit of shared state) generalized to a worker pool, and
// pkg/framework.Watchdog's pattern of wrapping dispatch with a status
// callback; see DESIGN.md.
package query

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/nebulastream/nes/pkg/buffer"
	"github.com/nebulastream/nes/pkg/engine"
	"github.com/nebulastream/nes/pkg/engineerr"
	"github.com/nebulastream/nes/pkg/ids"
)

// deployedPlan tracks the scheduling-side bookkeeping for one running query
// that pkg/engine itself does not need to know about.
type deployedPlan struct {
	plan *engine.ExecutableQueryPlan

	sourceTargets map[ids.OriginId]*engine.ExecutablePipeline

	// predecessors[p] lists the pipelines whose successor list contains p,
	// i.e. the reverse of ExecutablePipeline.Successors(). Used to route
	// Destroy once every successor of a pipeline has stopped.
	predecessors map[ids.PipelineId][]*engine.ExecutablePipeline

	// remaining[p] counts how many of p's own successors have not yet
	// stopped. Reaches zero exactly when it is safe to Destroy p
	// (spec.md §4.8 "Destroy is delivered only after every downstream
	// pipeline has observed termination").
	remaining map[ids.PipelineId]*atomic.Int32

	// sinkForPipeline maps a terminal pipeline (no successors) to the sink
	// it feeds, populated positionally from plan.Sinks at Deploy time.
	sinkForPipeline map[ids.PipelineId]engine.DataSink
}

// QueryManager owns the worker pool and every deployed query's task queues.
// It implements engine.Dispatcher and engine.QueuePurger so pkg/engine never
// imports pkg/query.
type QueryManager struct {
	cfg Config

	// runID tags every log line this manager instance emits, so log
	// aggregation can separate concurrent engine deployments in the same
	// process (spec.md §5, following codefang's per-run correlation id).
	runID uuid.UUID

	runnable chan *pipelineQueue

	mu     sync.Mutex
	queues map[ids.PipelineId]*pipelineQueue
	owner  map[ids.PipelineId]*deployedPlan
	plans  map[ids.QueryId]*deployedPlan

	group  *errgroup.Group
	cancel context.CancelFunc
}

// NewQueryManager constructs a QueryManager. Call Start before deploying any
// query.
func NewQueryManager(cfg Config) *QueryManager {
	cfg = cfg.withDefaults()

	return &QueryManager{
		cfg:      cfg,
		runID:    uuid.New(),
		runnable: make(chan *pipelineQueue, 4*cfg.Workers+1),
		queues:   make(map[ids.PipelineId]*pipelineQueue),
		owner:    make(map[ids.PipelineId]*deployedPlan),
		plans:    make(map[ids.QueryId]*deployedPlan),
	}
}

// Start launches the fixed worker pool (spec.md §5). Must be called exactly
// once, before Deploy.
func (qm *QueryManager) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	qm.cancel = cancel

	group, groupCtx := errgroup.WithContext(ctx)
	qm.group = group

	for i := 0; i < qm.cfg.Workers; i++ {
		workerID := ids.WorkerId(i + 1) //nolint:gosec // bounded by cfg.Workers
		wc := engine.NewWorkerContext(workerID, qm.cfg.Buffers, qm.cfg.WorkerLocalPoolCapacity, int64(i))

		group.Go(func() error {
			return qm.workerLoop(groupCtx, wc)
		})
	}
}

// Shutdown stops accepting new work and waits for every in-flight task to
// finish, then for all workers to exit.
func (qm *QueryManager) Shutdown() error {
	if qm.cancel != nil {
		qm.cancel()
	}

	if qm.group == nil {
		return nil
	}

	return qm.group.Wait()
}

func (qm *QueryManager) workerLoop(ctx context.Context, wc *engine.WorkerContext) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case q := <-qm.runnable:
			qm.drainOne(q, wc)
		}
	}
}

// drainOne pops and handles exactly one task from q, then reschedules it if
// more work remains (spec.md §5: a queue is worked at most once per
// runnable-channel receive, so two workers never touch the same pipeline
// concurrently).
func (qm *QueryManager) drainOne(q *pipelineQueue, wc *engine.WorkerContext) {
	t, ok := q.pop()
	if !ok {
		q.reschedule()

		return
	}

	qm.handle(q.pipeline, t, wc)
	q.reschedule()
}

func (qm *QueryManager) handle(p *engine.ExecutablePipeline, t task, wc *engine.WorkerContext) {
	dp := qm.ownerOf(p)

	if t.reconfig != nil {
		qm.handleReconfig(dp, p, *t.reconfig)

		return
	}

	result, err := p.Execute(t.buf, wc)

	releaseErr := t.buf.Release()
	if err != nil {
		qm.fail(dp, err)

		return
	}

	if releaseErr != nil {
		qm.fail(dp, engineerr.Wrap(engineerr.KindInvariantViolation, "release executed buffer", releaseErr))

		return
	}

	if result == engine.Finished {
		qm.DispatchReconfig(p, engine.ReconfigMessage{Kind: engine.SoftEndOfStream})
	}
}

func (qm *QueryManager) handleReconfig(dp *deployedPlan, p *engine.ExecutablePipeline, msg engine.ReconfigMessage) {
	if err := p.Reconfigure(msg, qm); err != nil {
		qm.fail(dp, err)

		return
	}

	isEOS := msg.Kind == engine.SoftEndOfStream || msg.Kind == engine.HardEndOfStream
	if isEOS && p.Status() == engine.PipelineStopped {
		qm.onPipelineStopped(dp, p)
	}
}

// onPipelineStopped runs once, the instant p transitions to Stopped: it
// shuts down p's sink if p is terminal, and tells every pipeline upstream of
// p that one more of its successors has terminated (spec.md §4.8, §4.9).
func (qm *QueryManager) onPipelineStopped(dp *deployedPlan, p *engine.ExecutablePipeline) {
	if sink, ok := dp.sinkForPipeline[p.Id]; ok {
		if err := sink.Shutdown(); err != nil {
			qm.fail(dp, engineerr.Wrap(engineerr.KindIoError, fmt.Sprintf("sink shutdown for pipeline %s", p.Id), err))

			return
		}

		dp.plan.SinkFinished()
		qm.notify(dp.plan, "sink finished")
	}

	if len(p.Successors()) == 0 {
		qm.DispatchReconfig(p, engine.ReconfigMessage{Kind: engine.Destroy})
	}

	for _, pred := range dp.predecessors[p.Id] {
		if dp.remaining[pred.Id].Add(-1) == 0 {
			qm.DispatchReconfig(pred, engine.ReconfigMessage{Kind: engine.Destroy})
		}
	}
}

// Deploy registers plan's pipelines with the scheduler: one queue per
// pipeline, the reverse-edge bookkeeping Destroy propagation needs, and the
// positional terminal-pipeline/sink association (spec.md §4.9). Successor
// lists must already be fixed via ExecutablePipeline.SetSuccessors before
// calling Deploy.
func (qm *QueryManager) Deploy(plan *engine.ExecutableQueryPlan, sourceTargets map[ids.OriginId]*engine.ExecutablePipeline) error {
	qm.mu.Lock()
	defer qm.mu.Unlock()

	dp := &deployedPlan{
		plan:            plan,
		sourceTargets:   sourceTargets,
		predecessors:    make(map[ids.PipelineId][]*engine.ExecutablePipeline),
		remaining:       make(map[ids.PipelineId]*atomic.Int32),
		sinkForPipeline: make(map[ids.PipelineId]engine.DataSink),
	}

	terminal := make([]*engine.ExecutablePipeline, 0)

	for _, p := range plan.Pipelines {
		q := newPipelineQueue(p, qm.runnable)
		qm.queues[p.Id] = q
		qm.owner[p.Id] = dp

		count := new(atomic.Int32)
		count.Store(int32(len(p.Successors()))) //nolint:gosec // bounded by operator graph size
		dp.remaining[p.Id] = count

		if len(p.Successors()) == 0 {
			terminal = append(terminal, p)
		}

		for _, succ := range p.Successors() {
			dp.predecessors[succ.Id] = append(dp.predecessors[succ.Id], p)
		}
	}

	if len(terminal) != len(plan.Sinks) {
		return engineerr.New(engineerr.KindConfigError,
			fmt.Sprintf("query %s: %d terminal pipelines but %d sinks", plan.QueryId, len(terminal), len(plan.Sinks)))
	}

	for i, p := range terminal {
		dp.sinkForPipeline[p.Id] = plan.Sinks[i]
	}

	qm.plans[plan.QueryId] = dp

	plan.MarkDeployed()
	qm.notify(plan, "deployed")

	return nil
}

// StartQuery transitions plan to Running, starts every source on its own
// goroutine, and injects Start at each source's target pipeline (spec.md
// §4.10).
func (qm *QueryManager) StartQuery(queryID ids.QueryId) error {
	dp, ok := qm.planFor(queryID)
	if !ok {
		return engineerr.New(engineerr.KindConfigError, fmt.Sprintf("query %s not deployed", queryID))
	}

	dp.plan.MarkRunning()
	qm.notify(dp.plan, "running")

	for _, src := range dp.plan.Sources {
		target, ok := dp.sourceTargets[src.OriginId()]
		if !ok {
			return engineerr.New(engineerr.KindConfigError,
				fmt.Sprintf("query %s: no pipeline targets origin %s", queryID, src.OriginId()))
		}

		target.IncrementProducerCount()
		qm.DispatchReconfig(target, engine.ReconfigMessage{Kind: engine.Start})

		source := src

		go func() {
			if err := source.Start(); err != nil {
				qm.fail(dp, engineerr.Wrap(engineerr.KindIoError, fmt.Sprintf("source %s", source.OriginId()), err))
			}
		}()
	}

	return nil
}

// SubmitBuffer is called by a DataSource's own goroutine to hand buf to the
// pipeline it feeds (spec.md §6). buf must already carry its origin id.
func (qm *QueryManager) SubmitBuffer(pipeline *engine.ExecutablePipeline, buf buffer.TupleBuffer) {
	qm.queueFor(pipeline).enqueue(dataTask(buf))
}

// StopQuery cancels a running query: every source is told to stop hard and
// HardEndOfStream is injected at each of its target pipelines, discarding
// whatever is already queued (spec.md §4.10 "Cancellation").
func (qm *QueryManager) StopQuery(queryID ids.QueryId) error {
	dp, ok := qm.planFor(queryID)
	if !ok {
		return engineerr.New(engineerr.KindConfigError, fmt.Sprintf("query %s not deployed", queryID))
	}

	dp.plan.MarkStopped()
	qm.notify(dp.plan, "stop requested")

	for _, src := range dp.plan.Sources {
		target, ok := dp.sourceTargets[src.OriginId()]
		if !ok {
			continue
		}

		if err := src.Stop(engine.Hard); err != nil {
			qm.fail(dp, engineerr.Wrap(engineerr.KindIoError, fmt.Sprintf("source %s stop", src.OriginId()), err))
		}

		qm.DispatchReconfig(target, engine.ReconfigMessage{Kind: engine.HardEndOfStream, Termination: engine.Hard})
	}

	return nil
}

func (qm *QueryManager) fail(dp *deployedPlan, err error) {
	dp.plan.MarkErrorState()
	qm.notify(dp.plan, err.Error())
	qm.cfg.Logger.Error("query entered error state",
		slog.String("run_id", qm.runID.String()), slog.String("query", dp.plan.QueryId.String()), slog.Any("error", err))
}

func (qm *QueryManager) notify(plan *engine.ExecutableQueryPlan, reason string) {
	qm.cfg.Listener.OnQueryStatusChange(plan.QueryId, plan.Status(), reason)
}

func (qm *QueryManager) queueFor(p *engine.ExecutablePipeline) *pipelineQueue {
	qm.mu.Lock()
	defer qm.mu.Unlock()

	return qm.queues[p.Id]
}

func (qm *QueryManager) ownerOf(p *engine.ExecutablePipeline) *deployedPlan {
	qm.mu.Lock()
	defer qm.mu.Unlock()

	return qm.owner[p.Id]
}

func (qm *QueryManager) planFor(queryID ids.QueryId) (*deployedPlan, bool) {
	qm.mu.Lock()
	defer qm.mu.Unlock()

	dp, ok := qm.plans[queryID]

	return dp, ok
}

// DispatchBuffer implements engine.Dispatcher.
func (qm *QueryManager) DispatchBuffer(successors []*engine.ExecutablePipeline, buf buffer.TupleBuffer) {
	switch len(successors) {
	case 0:
		_ = buf.Release() //nolint:errcheck // best-effort: nothing downstream to hand the buffer to
	case 1:
		qm.queueFor(successors[0]).enqueue(dataTask(buf))
	default:
		for i, succ := range successors {
			handle := buf
			if i < len(successors)-1 {
				handle = buf.Retain()
			}

			qm.queueFor(succ).enqueue(dataTask(handle))
		}
	}
}

// DispatchReconfig implements engine.Dispatcher.
func (qm *QueryManager) DispatchReconfig(pipeline *engine.ExecutablePipeline, msg engine.ReconfigMessage) {
	qm.queueFor(pipeline).enqueue(reconfigTask(msg))
}

// PurgeQueue implements engine.QueuePurger.
func (qm *QueryManager) PurgeQueue(pipeline *engine.ExecutablePipeline) {
	qm.queueFor(pipeline).purge()
}

// TotalQueueDepth sums the number of buffered tasks across every deployed
// pipeline's queue, for internal/telemetry's aggregate queue-depth gauge.
func (qm *QueryManager) TotalQueueDepth() int64 {
	qm.mu.Lock()
	defer qm.mu.Unlock()

	var total int64

	for _, q := range qm.queues {
		total += int64(len(q.tasks))
	}

	return total
}
