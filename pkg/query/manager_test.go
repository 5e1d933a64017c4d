package query_test

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nebulastream/nes/pkg/buffer"
	"github.com/nebulastream/nes/pkg/engine"
	"github.com/nebulastream/nes/pkg/ids"
	"github.com/nebulastream/nes/pkg/query"
)

func newTestBufferManager(t *testing.T) *buffer.Manager {
	t.Helper()

	bm, err := buffer.NewManager(buffer.Config{BufferSize: 64, NumberOfBuffers: 16})
	require.NoError(t, err)

	return bm
}

// countingStage counts how many buffers it executed and optionally forwards
// each one to its successors via the pipeline execution context.
type countingStage struct {
	executed atomic.Int32
	forward  bool
}

func (s *countingStage) Setup(*engine.PipelineExecutionContext) error { return nil }

func (s *countingStage) Execute(
	buf buffer.TupleBuffer, _ *engine.WorkerContext, ctx *engine.PipelineExecutionContext,
) (engine.ExecutionResult, error) {
	s.executed.Add(1)

	if s.forward {
		ctx.DispatchBuffer(buf.Retain())
	}

	return engine.Ok, nil
}

func (s *countingStage) Stop(*engine.PipelineExecutionContext) error { return nil }

type recordingListener struct {
	mu      sync.Mutex
	changes []engine.QueryStatus
}

func (l *recordingListener) OnQueryStatusChange(_ ids.QueryId, status engine.QueryStatus, _ string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.changes = append(l.changes, status)
}

func (l *recordingListener) last() engine.QueryStatus {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.changes) == 0 {
		return engine.QueryCreated
	}

	return l.changes[len(l.changes)-1]
}

// fakeSource is a DataSource that pushes a fixed number of buffers through
// SubmitBuffer on its own goroutine, then reports end of stream.
type fakeSource struct {
	origin  ids.OriginId
	qm      *query.QueryManager
	target  *engine.ExecutablePipeline
	bm      *buffer.Manager
	nBufs   int
	stopped atomic.Bool
}

func (s *fakeSource) OriginId() ids.OriginId { return s.origin }

func (s *fakeSource) Start() error {
	for i := 0; i < s.nBufs; i++ {
		buf, err := s.bm.GetUnpooledBuffer(8)
		if err != nil {
			return err
		}

		buf.SetOriginId(s.origin)
		s.qm.SubmitBuffer(s.target, buf)
	}

	s.qm.DispatchReconfig(s.target, engine.ReconfigMessage{Kind: engine.SoftEndOfStream})

	return nil
}

func (s *fakeSource) Stop(engine.TerminationType) error {
	s.stopped.Store(true)

	return nil
}

type fakeSink struct {
	shutdown atomic.Bool
}

func (*fakeSink) Setup() error { return nil }

func (*fakeSink) WriteData(buffer.TupleBuffer, ids.WorkerId) error { return nil }

func (s *fakeSink) Shutdown() error {
	s.shutdown.Store(true)

	return nil
}

func buildPipeline(t *testing.T, bm *buffer.Manager, id ids.PipelineId, stage engine.ExecutablePipelineStage, dispatcher engine.Dispatcher) *engine.ExecutablePipeline {
	t.Helper()

	ctx := engine.NewPipelineExecutionContext(1, id, bm, dispatcher)

	return engine.NewExecutablePipeline(id, stage, ctx)
}

// TestSingleSourcePipelineSinkReachesFinished drives one source through one
// pipeline into one sink end to end, exercising deploy/start, data
// dispatch, producer-count-gated end of stream, sink shutdown and the
// resulting QueryFinished transition.
func TestSingleSourcePipelineSinkReachesFinished(t *testing.T) {
	t.Parallel()

	bm := newTestBufferManager(t)
	listener := &recordingListener{}
	qm := query.NewQueryManager(query.Config{Workers: 2, Buffers: bm, Listener: listener})
	qm.Start()

	defer func() { require.NoError(t, qm.Shutdown()) }()

	stage := &countingStage{}
	p := buildPipeline(t, bm, 1, stage, qm)

	sink := &fakeSink{}
	plan := engine.NewExecutableQueryPlan(1, nil, []*engine.ExecutablePipeline{p}, []engine.DataSink{sink})

	source := &fakeSource{origin: 1, qm: qm, target: p, bm: bm, nBufs: 5}
	plan.Sources = []engine.DataSource{source}

	require.NoError(t, qm.Deploy(plan, map[ids.OriginId]*engine.ExecutablePipeline{1: p}))
	require.NoError(t, qm.StartQuery(plan.QueryId))

	require.Eventually(t, func() bool {
		return plan.Status() == engine.QueryFinished
	}, 2*time.Second, time.Millisecond, "plan never reached Finished: last=%s", plan.Status())

	assert.Equal(t, int32(5), stage.executed.Load())
	assert.True(t, sink.shutdown.Load())
	assert.Equal(t, engine.PipelineStopped, p.Status())
	assert.Equal(t, engine.QueryFinished, listener.last())
}

// TestTwoStagePipelineForwardsBuffersAndTerminates wires an upstream
// pipeline that forwards every buffer into a downstream terminal pipeline,
// verifying DispatchBuffer's single-successor fast path and that end of
// stream propagates through both stages before the sink is shut down.
func TestTwoStagePipelineForwardsBuffersAndTerminates(t *testing.T) {
	t.Parallel()

	bm := newTestBufferManager(t)
	qm := query.NewQueryManager(query.Config{Workers: 4, Buffers: bm})
	qm.Start()

	defer func() { require.NoError(t, qm.Shutdown()) }()

	downStage := &countingStage{}
	down := buildPipeline(t, bm, 2, downStage, qm)

	upStage := &countingStage{forward: true}
	up := buildPipeline(t, bm, 1, upStage, qm)
	up.SetSuccessors([]*engine.ExecutablePipeline{down})

	sink := &fakeSink{}
	plan := engine.NewExecutableQueryPlan(1, nil, []*engine.ExecutablePipeline{up, down}, []engine.DataSink{sink})

	source := &fakeSource{origin: 1, qm: qm, target: up, bm: bm, nBufs: 3}
	plan.Sources = []engine.DataSource{source}

	require.NoError(t, qm.Deploy(plan, map[ids.OriginId]*engine.ExecutablePipeline{1: up}))
	require.NoError(t, qm.StartQuery(plan.QueryId))

	require.Eventually(t, func() bool {
		return plan.Status() == engine.QueryFinished
	}, 2*time.Second, time.Millisecond)

	assert.Equal(t, int32(3), upStage.executed.Load())
	assert.Equal(t, int32(3), downStage.executed.Load())
	assert.True(t, sink.shutdown.Load())
}

// TestDeployRejectsTerminalSinkMismatch reproduces a misconfigured plan
// where the number of terminal pipelines (no successors) does not match the
// number of sinks supplied.
func TestDeployRejectsTerminalSinkMismatch(t *testing.T) {
	t.Parallel()

	bm := newTestBufferManager(t)
	qm := query.NewQueryManager(query.Config{Workers: 1, Buffers: bm})
	qm.Start()

	defer func() { require.NoError(t, qm.Shutdown()) }()

	p := buildPipeline(t, bm, 1, &countingStage{}, qm)
	plan := engine.NewExecutableQueryPlan(1, nil, []*engine.ExecutablePipeline{p}, nil)

	err := qm.Deploy(plan, map[ids.OriginId]*engine.ExecutablePipeline{})
	require.Error(t, err)
}
