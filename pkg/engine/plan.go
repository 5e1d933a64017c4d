package engine

import (
	"fmt"
	"sync/atomic"

	"github.com/nebulastream/nes/pkg/buffer"
	"github.com/nebulastream/nes/pkg/ids"
)

// QueryStatus is the lifecycle of one deployed query (spec.md §3
// "ExecutableQueryPlan status"). Created -> Deployed -> Running ->
// (Finished | Stopped | ErrorState); Invalid is reserved for a plan that
// failed validation before Created. Finished, Stopped, ErrorState and
// Invalid are absorbing.
type QueryStatus int32

const (
	QueryCreated QueryStatus = iota
	QueryDeployed
	QueryRunning
	QueryStopped
	QueryFinished
	QueryErrorState
	QueryInvalid
)

func (s QueryStatus) String() string {
	switch s {
	case QueryCreated:
		return "Created"
	case QueryDeployed:
		return "Deployed"
	case QueryRunning:
		return "Running"
	case QueryStopped:
		return "Stopped"
	case QueryFinished:
		return "Finished"
	case QueryErrorState:
		return "ErrorState"
	case QueryInvalid:
		return "Invalid"
	default:
		return "Unknown"
	}
}

// Terminal reports whether s is one of the absorbing states.
func (s QueryStatus) Terminal() bool {
	switch s {
	case QueryStopped, QueryFinished, QueryErrorState, QueryInvalid:
		return true
	default:
		return false
	}
}

// DataSource is the external collaborator contract of spec.md §6. The core
// only ever calls Start/Stop; the source is responsible for tagging every
// TupleBuffer it emits with (originId, sequenceNumber, watermarkTs) and for
// assigning contiguous per-origin sequence numbers starting at 0.
type DataSource interface {
	OriginId() ids.OriginId
	Start() error
	Stop(termination TerminationType) error
}

// DataSink is the external collaborator contract of spec.md §6. WriteData
// must tolerate being called from any worker thread; sinks never swallow
// errors.
type DataSink interface {
	Setup() error
	WriteData(buf buffer.TupleBuffer, worker ids.WorkerId) error
	Shutdown() error
}

// ExecutableQueryPlan is the DAG of pipelines for one deployed query
// (spec.md §4.9): sources, topologically ordered pipelines, sinks, and the
// aggregate status derived from their termination.
type ExecutableQueryPlan struct {
	QueryId ids.QueryId

	Sources   []DataSource
	Pipelines []*ExecutablePipeline // topologically ordered
	Sinks     []DataSink

	status atomic.Int32

	sinksFinished atomic.Int32
}

// NewExecutableQueryPlan creates a plan in state Created.
func NewExecutableQueryPlan(queryID ids.QueryId, sources []DataSource, pipelines []*ExecutablePipeline, sinks []DataSink) *ExecutableQueryPlan {
	return &ExecutableQueryPlan{
		QueryId:   queryID,
		Sources:   sources,
		Pipelines: pipelines,
		Sinks:     sinks,
	}
}

// Status returns the plan's current status.
func (qp *ExecutableQueryPlan) Status() QueryStatus { return QueryStatus(qp.status.Load()) }

// transition moves the plan from any non-terminal status to to, unless the
// plan is already in a terminal status (which absorbs further
// transitions, per spec.md §3 "Terminal states are absorbing").
func (qp *ExecutableQueryPlan) transition(to QueryStatus) bool {
	for {
		cur := QueryStatus(qp.status.Load())
		if cur.Terminal() {
			return false
		}

		if qp.status.CompareAndSwap(int32(cur), int32(to)) {
			return true
		}
	}
}

// MarkDeployed transitions Created -> Deployed once every pipeline has been
// constructed (spec.md §4.9 lifecycle).
func (qp *ExecutableQueryPlan) MarkDeployed() { qp.transition(QueryDeployed) }

// MarkRunning transitions Deployed -> Running.
func (qp *ExecutableQueryPlan) MarkRunning() { qp.transition(QueryRunning) }

// MarkErrorState transitions the plan to ErrorState unless it is already in
// a terminal state (ErrorState is itself terminal, so this is the last
// transition that can occur) — spec.md §7: InvariantViolation,
// UserStageError and IoError all route here.
func (qp *ExecutableQueryPlan) MarkErrorState() { qp.transition(QueryErrorState) }

// MarkStopped transitions the plan to Stopped, used for a cooperative Stop
// request (spec.md §4.10).
func (qp *ExecutableQueryPlan) MarkStopped() { qp.transition(QueryStopped) }

// SinkFinished records that one sink has received and processed its final
// end-of-stream. Once every sink has reported, the plan transitions to
// Finished (spec.md §4.9: "Finished iff every sink has received and
// processed its final end-of-stream").
func (qp *ExecutableQueryPlan) SinkFinished() {
	if int(qp.sinksFinished.Add(1)) >= len(qp.Sinks) {
		qp.transition(QueryFinished)
	}
}

// PipelineById looks up one of this plan's pipelines.
func (qp *ExecutableQueryPlan) PipelineById(id ids.PipelineId) (*ExecutablePipeline, bool) {
	for _, p := range qp.Pipelines {
		if p.Id == id {
			return p, true
		}
	}

	return nil, false
}

// String renders a short diagnostic summary of the plan's status,
// pipeline count and finished-sink count.
func (qp *ExecutableQueryPlan) String() string {
	return fmt.Sprintf("query %s [%s] pipelines=%d sinks=%d/%d finished",
		qp.QueryId, qp.Status(), len(qp.Pipelines), qp.sinksFinished.Load(), len(qp.Sinks))
}
