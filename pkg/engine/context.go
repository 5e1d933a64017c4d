// Package engine implements the task-based query executor's pipeline
// machinery: per-worker scratch state, per-pipeline shared execution
// context, the ExecutablePipelineStage contract, ExecutablePipeline's
// reconfiguration state machine, and ExecutableQueryPlan (spec.md §4.8-4.9).
//
// Grounded on codefang's pkg/framework.Runner orchestration shape and the
// PipelineStatus/activeProducers/reconfigure split from NebulaStream's
// ExecutablePipeline; see DESIGN.md.
package engine

import (
	"math/rand"

	"github.com/nebulastream/nes/pkg/buffer"
	"github.com/nebulastream/nes/pkg/ids"
)

// WorkerContext is the per-worker-thread scratch state of spec.md §2: a
// thread-local buffer sub-pool, per-worker operator scratch (slice stores,
// join build-side state) addressed by OperatorId, an RNG, and the worker's
// identity. One WorkerContext is owned by exactly one worker goroutine for
// its lifetime; nothing here is shared across workers.
type WorkerContext struct {
	id ids.WorkerId

	// LocalBuffers is this worker's thread-local buffer sub-pool, falling
	// through to the global BufferManager when exhausted (spec.md §4.1).
	LocalBuffers *buffer.LocalPool

	// Rand is a per-worker RNG seeded independently, so sampling-style
	// operators never contend on a shared source.
	Rand *rand.Rand

	scratch map[ids.OperatorId]any
}

// NewWorkerContext creates a WorkerContext with a local buffer pool of the
// given capacity backed by bm, and an RNG seeded from seed.
func NewWorkerContext(id ids.WorkerId, bm *buffer.Manager, localPoolCapacity int, seed int64) *WorkerContext {
	return &WorkerContext{
		id:           id,
		LocalBuffers: buffer.NewLocalPool(bm, localPoolCapacity),
		Rand:         rand.New(rand.NewSource(seed)), //nolint:gosec // not used for anything security-sensitive
		scratch:      make(map[ids.OperatorId]any),
	}
}

// Id returns this worker's identity.
func (wc *WorkerContext) Id() ids.WorkerId { return wc.id }

// Scratch returns the per-worker state owned by operator, creating it via
// newState if absent. Used by window/join operators to store the
// per-worker-thread slice store or build-side state that pre-aggregation
// and join build never share across workers (spec.md §5 "slice stores are
// per worker; no cross-worker locking on the pre-aggregation path").
func (wc *WorkerContext) Scratch(operator ids.OperatorId, newState func() any) any {
	if s, ok := wc.scratch[operator]; ok {
		return s
	}

	s := newState()
	wc.scratch[operator] = s

	return s
}

// OperatorHandler is shared state attached to an operator and addressed by
// an integer index stored in the compiled stage (spec.md §6). Lifecycle
// callbacks run once per pipeline, not per worker or per buffer.
type OperatorHandler interface {
	// Start is called when the owning pipeline transitions to Running.
	Start(ctx *PipelineExecutionContext) error
	// Stop is called once the pipeline has observed full downstream
	// termination of the given kind and is releasing operator state.
	Stop(termination TerminationType, ctx *PipelineExecutionContext) error
}

// TerminationType distinguishes a cooperative drain from an immediate
// cancellation (spec.md §6 DataSource.stop).
type TerminationType int

const (
	// Graceful lets buffered tasks drain before termination completes.
	Graceful TerminationType = iota
	// Hard discards any buffered tasks immediately.
	Hard
)

func (t TerminationType) String() string {
	if t == Hard {
		return "Hard"
	}

	return "Graceful"
}

// Dispatcher is implemented by whatever owns the task queues a
// PipelineExecutionContext posts buffers into (pkg/query.QueryManager).
// The engine package depends only on this narrow interface so pkg/engine
// has no import-cycle dependency on pkg/query.
type Dispatcher interface {
	// DispatchBuffer enqueues buf as a task targeting every pipeline in
	// successors.
	DispatchBuffer(successors []*ExecutablePipeline, buf buffer.TupleBuffer)
	// DispatchReconfig enqueues msg as a control task targeting pipeline.
	DispatchReconfig(pipeline *ExecutablePipeline, msg ReconfigMessage)
}

// PipelineExecutionContext is the per-pipeline shared state of spec.md §2:
// the operator-handler table, the successor pipeline list, the buffer
// provider, query/pipeline identity, and origin/sequence/chunk bookkeeping
// for buffers this pipeline emits.
type PipelineExecutionContext struct {
	QueryId    ids.QueryId
	PipelineId ids.PipelineId

	Buffers *buffer.Manager

	handlers   map[ids.OperatorId]OperatorHandler
	successors []*ExecutablePipeline
	dispatcher Dispatcher

	nextSeq map[ids.OriginId]ids.SequenceNumber
}

// NewPipelineExecutionContext creates a PipelineExecutionContext for one
// pipeline of one deployed query.
func NewPipelineExecutionContext(
	queryID ids.QueryId, pipelineID ids.PipelineId, bm *buffer.Manager, dispatcher Dispatcher,
) *PipelineExecutionContext {
	return &PipelineExecutionContext{
		QueryId:    queryID,
		PipelineId: pipelineID,
		Buffers:    bm,
		handlers:   make(map[ids.OperatorId]OperatorHandler),
		dispatcher: dispatcher,
		nextSeq:    make(map[ids.OriginId]ids.SequenceNumber),
	}
}

// RegisterOperatorHandler installs handler under index, addressable later
// via GetOperatorHandler (spec.md §6).
func (pec *PipelineExecutionContext) RegisterOperatorHandler(index ids.OperatorId, handler OperatorHandler) {
	pec.handlers[index] = handler
}

// GetOperatorHandler retrieves the handler registered under index. ok is
// false if the compiled stage addresses an index that was never registered,
// which is a ConfigError at setup time, never a runtime condition.
func (pec *PipelineExecutionContext) GetOperatorHandler(index ids.OperatorId) (h OperatorHandler, ok bool) {
	h, ok = pec.handlers[index]

	return h, ok
}

// setSuccessors fixes the successor list; called once by
// ExecutablePipeline.SetSuccessors, immutable afterward (spec.md §4.8 invariant).
func (pec *PipelineExecutionContext) setSuccessors(successors []*ExecutablePipeline) {
	pec.successors = successors
}

// Successors returns this pipeline's downstream pipelines.
func (pec *PipelineExecutionContext) Successors() []*ExecutablePipeline { return pec.successors }

// DispatchBuffer stamps buf with the next contiguous sequence number for
// its origin and chunk 0/last-chunk, then hands it to the Dispatcher to
// enqueue tasks for every successor pipeline (spec.md §2 data flow,
// §8 "sequence numbers emitted downstream ... are contiguous").
func (pec *PipelineExecutionContext) DispatchBuffer(buf buffer.TupleBuffer) {
	origin := buf.OriginId()
	buf.SetSequenceNumber(pec.nextSequenceNumber(origin))
	buf.SetChunkNumber(0)
	buf.SetLastChunk(true)

	pec.dispatcher.DispatchBuffer(pec.successors, buf)
}

// DispatchChunk is like DispatchBuffer but for a caller that has already
// split one triggered window's output across multiple downstream buffers
// and wants to control the chunk number / last-chunk flag explicitly
// (spec.md §4.6, SPEC_FULL.md §C.3 chunking). Chunk 0 takes the next
// sequence number for its origin; every later chunk reuses that same
// sequence number, so chunk numbers sub-identify one sequence number.
func (pec *PipelineExecutionContext) DispatchChunk(buf buffer.TupleBuffer, chunk ids.ChunkNumber, last bool) {
	origin := buf.OriginId()
	if next, ok := pec.nextSeq[origin]; ok && chunk != 0 {
		buf.SetSequenceNumber(next - 1)
	} else {
		buf.SetSequenceNumber(pec.nextSequenceNumber(origin))
	}
	buf.SetChunkNumber(chunk)
	buf.SetLastChunk(last)

	pec.dispatcher.DispatchBuffer(pec.successors, buf)
}

func (pec *PipelineExecutionContext) nextSequenceNumber(origin ids.OriginId) ids.SequenceNumber {
	seq, ok := pec.nextSeq[origin]
	if !ok {
		seq = ids.FirstSequenceNumber
	}

	pec.nextSeq[origin] = seq.Next()

	return seq
}

// dispatchReconfig propagates a reconfiguration message to every successor,
// used internally by ExecutablePipeline's reconfigure handling.
func (pec *PipelineExecutionContext) dispatchReconfig(msg ReconfigMessage) {
	for _, succ := range pec.successors {
		pec.dispatcher.DispatchReconfig(succ, msg)
	}
}
