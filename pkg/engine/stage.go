package engine

import "github.com/nebulastream/nes/pkg/buffer"

// ExecutionResult is the outcome of one ExecutablePipelineStage.Execute call
// (spec.md §6).
type ExecutionResult int

const (
	// Ok is the ordinary result: the stage consumed buf and may have
	// emitted zero or more output buffers via the context.
	Ok ExecutionResult = iota
	// Finished signals the stage has reached a natural end (e.g. a bounded
	// source); treated like an upstream EOS by the owning pipeline.
	Finished
	// ExecError signals the stage failed; the owning pipeline transitions
	// to Failed and the plan to ErrorState (spec.md §7 UserStageError).
	ExecError
)

func (r ExecutionResult) String() string {
	switch r {
	case Ok:
		return "Ok"
	case Finished:
		return "Finished"
	case ExecError:
		return "Error"
	default:
		return "Unknown"
	}
}

// ExecutablePipelineStage is the opaque unit of work compiled for one
// pipeline (spec.md §2, §6). How it was produced — code generation, a
// fused operator chain, whatever — is external to the core; the core only
// ever calls these three methods.
type ExecutablePipelineStage interface {
	// Setup is called once before the first Execute call.
	Setup(ctx *PipelineExecutionContext) error
	// Execute consumes one input buffer, optionally emitting zero or more
	// output buffers via ctx.DispatchBuffer/DispatchChunk.
	Execute(buf buffer.TupleBuffer, worker *WorkerContext, ctx *PipelineExecutionContext) (ExecutionResult, error)
	// Stop is called once, after the last Execute call, to release stage
	// state. Implementations must tolerate being called without a prior
	// successful Setup (e.g. a ConfigError abort).
	Stop(ctx *PipelineExecutionContext) error
}
