package operators

import (
	"fmt"

	"github.com/nebulastream/nes/pkg/buffer"
	"github.com/nebulastream/nes/pkg/engine"
	"github.com/nebulastream/nes/pkg/engineerr"
)

// SinkStage is the terminal ExecutablePipelineStage compiled for a pipeline
// with no successors: it hands every buffer it receives to a single
// engine.DataSink (spec.md §2 "terminal pipelines push into sinks", §6
// DataSink.WriteData "must be tolerant to being called from any worker
// thread"). QueryManager looks the owning sink up positionally for
// Setup/Shutdown; SinkStage is what actually calls WriteData per buffer.
type SinkStage struct {
	Sink engine.DataSink
}

func (s *SinkStage) Setup(*engine.PipelineExecutionContext) error {
	if err := s.Sink.Setup(); err != nil {
		return engineerr.Wrap(engineerr.KindIoError, "sink setup", err)
	}

	return nil
}

// Execute writes buf to the sink and releases the stage's own interest in
// it; the caller (pkg/query's worker loop) releases its handle after
// Execute returns, per the one-release-per-handle discipline of spec.md §3.
func (s *SinkStage) Execute(
	buf buffer.TupleBuffer, worker *engine.WorkerContext, _ *engine.PipelineExecutionContext,
) (engine.ExecutionResult, error) {
	if err := s.Sink.WriteData(buf, worker.Id()); err != nil {
		return engine.ExecError, engineerr.Wrap(engineerr.KindIoError, fmt.Sprintf("sink write from worker %s", worker.Id()), err)
	}

	return engine.Ok, nil
}

// Stop is a no-op: the sink's own Shutdown is invoked by QueryManager once
// this pipeline has stopped (spec.md §4.10), not by the stage itself, so a
// Destroy reconfiguration never double-shuts-down the sink.
func (s *SinkStage) Stop(*engine.PipelineExecutionContext) error { return nil }
