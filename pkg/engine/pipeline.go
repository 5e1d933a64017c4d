package engine

import (
	"context"
	"fmt"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/nebulastream/nes/pkg/buffer"
	"github.com/nebulastream/nes/pkg/engineerr"
	"github.com/nebulastream/nes/pkg/ids"
)

// tracerName names the OTel tracer pipeline execution spans are recorded
// under, following codefang's per-component tracer naming.
const tracerName = "nebulastream.engine"

func tracer() trace.Tracer { return otel.Tracer(tracerName) }

// PipelineStatus is the state machine of spec.md §3 "ExecutablePipeline
// state machine".
type PipelineStatus int32

const (
	PipelineCreated PipelineStatus = iota
	PipelineRunning
	PipelineStopped
	PipelineFailed
)

func (s PipelineStatus) String() string {
	switch s {
	case PipelineCreated:
		return "Created"
	case PipelineRunning:
		return "Running"
	case PipelineStopped:
		return "Stopped"
	case PipelineFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// QueuePurger is implemented by the task-queue owner (pkg/query.QueryManager)
// to discard buffered tasks for one pipeline on a HardEndOfStream (spec.md
// §4.10).
type QueuePurger interface {
	PurgeQueue(pipeline *ExecutablePipeline)
}

// ExecutablePipeline is one pipeline instance of spec.md §4.8: a stage
// bound to an execution context, a fixed successor list, an atomic
// producer counter implementing end-of-stream gating, and a status.
// SetSuccessors fixes the successor list; it must not change afterward. Execute is never
// called concurrently with Stop for the same pipeline — enforced by
// pkg/query routing every task (data or control) for one pipeline through
// a single queue drained by at most one worker at a time.
type ExecutablePipeline struct {
	Id ids.PipelineId

	stage   ExecutablePipelineStage
	context *PipelineExecutionContext

	activeProducers atomic.Int32
	status          atomic.Int32
	stopped         atomic.Bool
	termination     atomic.Int32
}

// NewExecutablePipeline creates a pipeline in state Created.
func NewExecutablePipeline(id ids.PipelineId, stage ExecutablePipelineStage, ctx *PipelineExecutionContext) *ExecutablePipeline {
	return &ExecutablePipeline{Id: id, stage: stage, context: ctx}
}

// Status returns the current pipeline status.
func (p *ExecutablePipeline) Status() PipelineStatus {
	return PipelineStatus(p.status.Load())
}

// Context returns this pipeline's execution context.
func (p *ExecutablePipeline) Context() *PipelineExecutionContext { return p.context }

// SetSuccessors fixes this pipeline's successor list. Must be called
// exactly once, before Setup returns to callers (spec.md §4.8 invariant:
// "successor list is immutable after setup returns").
func (p *ExecutablePipeline) SetSuccessors(successors []*ExecutablePipeline) {
	p.context.setSuccessors(successors)
}

// Successors returns this pipeline's downstream pipelines.
func (p *ExecutablePipeline) Successors() []*ExecutablePipeline { return p.context.Successors() }

// Setup calls the stage's Setup and transitions Created -> Running. On
// error the pipeline transitions to Failed and the error is returned
// unchanged for the caller to route to ErrorState (spec.md §4.8).
func (p *ExecutablePipeline) Setup() error {
	if err := p.stage.Setup(p.context); err != nil {
		p.status.Store(int32(PipelineFailed))

		return fmt.Errorf("pipeline %s setup: %w", p.Id, err)
	}

	for _, h := range p.context.handlers {
		if err := h.Start(p.context); err != nil {
			p.status.Store(int32(PipelineFailed))

			return fmt.Errorf("pipeline %s operator handler start: %w", p.Id, err)
		}
	}

	p.status.Store(int32(PipelineRunning))

	return nil
}

// Execute delegates buf to the stage. Any output dispatch happens inside
// the stage via ctx.DispatchBuffer, which reaches successor task queues
// through the context's Dispatcher (spec.md §4.8).
func (p *ExecutablePipeline) Execute(buf buffer.TupleBuffer, worker *WorkerContext) (ExecutionResult, error) {
	_, span := tracer().Start(context.Background(), "nebulastream.pipeline.execute",
		trace.WithAttributes(
			attribute.Int64("pipeline.id", int64(p.Id)),     //nolint:gosec // diagnostic attribute
			attribute.Int64("worker.id", int64(worker.Id())), //nolint:gosec // diagnostic attribute
		))
	defer span.End()

	result, err := p.stage.Execute(buf, worker, p.context)
	if err != nil {
		span.RecordError(err)
		p.status.Store(int32(PipelineFailed))

		return ExecError, engineerr.Wrap(engineerr.KindUserStageError,
			fmt.Sprintf("pipeline %s execute", p.Id), err)
	}

	if result == ExecError {
		p.status.Store(int32(PipelineFailed))
	}

	return result, nil
}

// IncrementProducerCount registers one more upstream producer feeding this
// pipeline. Called by an upstream pipeline (or the plan, on behalf of a
// source) once per Start it propagates downstream (spec.md §4.8).
func (p *ExecutablePipeline) IncrementProducerCount() {
	p.activeProducers.Add(1)
}

// DecrementProducerCount records that one upstream producer has sent its
// end of stream. Returns true when the counter has reached zero, meaning
// this pipeline has no remaining live upstream producers.
func (p *ExecutablePipeline) DecrementProducerCount() bool {
	return p.activeProducers.Add(-1) == 0
}

// ProducerCount returns the number of upstream producers this pipeline
// currently believes are still live.
func (p *ExecutablePipeline) ProducerCount() int32 { return p.activeProducers.Load() }

// Reconfigure applies an in-band control message to this pipeline (spec.md
// §4.10). qp is used only for HardEndOfStream's queue purge; it may be nil
// in tests that never exercise HardEndOfStream.
func (p *ExecutablePipeline) Reconfigure(msg ReconfigMessage, qp QueuePurger) error {
	switch msg.Kind {
	case Start:
		return p.reconfigureStart()
	case SoftEndOfStream:
		return p.reconfigureEndOfStream(msg)
	case HardEndOfStream:
		if qp != nil {
			qp.PurgeQueue(p)
		}

		return p.reconfigureEndOfStream(msg)
	case Destroy:
		return p.Stop()
	default:
		return engineerr.New(engineerr.KindInvariantViolation, fmt.Sprintf("unknown reconfiguration kind %d", msg.Kind))
	}
}

func (p *ExecutablePipeline) reconfigureStart() error {
	if p.Status() == PipelineCreated {
		if err := p.Setup(); err != nil {
			return err
		}
	}

	for _, succ := range p.Successors() {
		succ.IncrementProducerCount()
	}

	p.context.dispatchReconfig(ReconfigMessage{Kind: Start})

	return nil
}

// reconfigureEndOfStream decrements this pipeline's own producer count; if
// it reaches zero, this pipeline has seen every upstream producer's end of
// stream, so it emits its own end of stream downstream and transitions to
// Stopped (spec.md §4.8).
func (p *ExecutablePipeline) reconfigureEndOfStream(msg ReconfigMessage) error {
	p.termination.Store(int32(msg.Termination))

	if !p.DecrementProducerCount() {
		return nil
	}

	p.status.Store(int32(PipelineStopped))
	p.context.dispatchReconfig(ReconfigMessage{Kind: msg.Kind, Termination: msg.Termination})

	return nil
}

// Stop calls every registered OperatorHandler's Stop and the stage's Stop,
// releasing operator state. Idempotent: a second call is a no-op (spec.md
// §4.8).
func (p *ExecutablePipeline) Stop() error {
	if !p.stopped.CompareAndSwap(false, true) {
		return nil
	}

	if p.Status() != PipelineFailed {
		p.status.Store(int32(PipelineStopped))
	}

	return p.stopInner()
}

func (p *ExecutablePipeline) stopInner() error {
	termination := TerminationType(p.termination.Load())

	for _, h := range p.context.handlers {
		if err := h.Stop(termination, p.context); err != nil {
			return fmt.Errorf("pipeline %s operator handler stop: %w", p.Id, err)
		}
	}

	if err := p.stage.Stop(p.context); err != nil {
		return fmt.Errorf("pipeline %s stage stop: %w", p.Id, err)
	}

	return nil
}
