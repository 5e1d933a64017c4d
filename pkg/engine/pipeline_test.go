package engine_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nebulastream/nes/pkg/buffer"
	"github.com/nebulastream/nes/pkg/engine"
	"github.com/nebulastream/nes/pkg/ids"
)

// noopStage is an ExecutablePipelineStage that records its lifecycle calls.
type noopStage struct {
	setupCalls, stopCalls int
	execResult            engine.ExecutionResult
	execErr               error
}

func (s *noopStage) Setup(*engine.PipelineExecutionContext) error {
	s.setupCalls++

	return nil
}

func (s *noopStage) Execute(
	buffer.TupleBuffer, *engine.WorkerContext, *engine.PipelineExecutionContext,
) (engine.ExecutionResult, error) {
	return s.execResult, s.execErr
}

func (s *noopStage) Stop(*engine.PipelineExecutionContext) error {
	s.stopCalls++

	return nil
}

// recordingDispatcher records every reconfiguration message dispatched to
// each pipeline, without a real task queue behind it.
type recordingDispatcher struct {
	reconfigs map[ids.PipelineId][]engine.ReconfigMessage
	buffers   int
}

func newRecordingDispatcher() *recordingDispatcher {
	return &recordingDispatcher{reconfigs: make(map[ids.PipelineId][]engine.ReconfigMessage)}
}

func (d *recordingDispatcher) DispatchBuffer(successors []*engine.ExecutablePipeline, _ buffer.TupleBuffer) {
	d.buffers += len(successors)
}

func (d *recordingDispatcher) DispatchReconfig(pipeline *engine.ExecutablePipeline, msg engine.ReconfigMessage) {
	d.reconfigs[pipeline.Id] = append(d.reconfigs[pipeline.Id], msg)
}

func newTestBufferManager(t *testing.T) *buffer.Manager {
	t.Helper()

	bm, err := buffer.NewManager(buffer.Config{BufferSize: 64, NumberOfBuffers: 4})
	require.NoError(t, err)

	return bm
}

func TestPipelineSetupTransitionsToRunning(t *testing.T) {
	t.Parallel()

	bm := newTestBufferManager(t)
	dispatcher := newRecordingDispatcher()
	ctx := engine.NewPipelineExecutionContext(1, 1, bm, dispatcher)
	stage := &noopStage{}
	p := engine.NewExecutablePipeline(1, stage, ctx)

	assert.Equal(t, engine.PipelineCreated, p.Status())
	require.NoError(t, p.Setup())
	assert.Equal(t, engine.PipelineRunning, p.Status())
	assert.Equal(t, 1, stage.setupCalls)
}

func TestSetupStartsEveryRegisteredOperatorHandler(t *testing.T) {
	t.Parallel()

	bm := newTestBufferManager(t)
	dispatcher := newRecordingDispatcher()
	ctx := engine.NewPipelineExecutionContext(1, 1, bm, dispatcher)

	handler := &countingHandler{}
	ctx.RegisterOperatorHandler(1, handler)

	p := engine.NewExecutablePipeline(1, &noopStage{}, ctx)
	require.NoError(t, p.Setup())

	assert.Equal(t, 1, handler.startCalls)
}

func TestHardEndOfStreamStopsHandlersWithHardTermination(t *testing.T) {
	t.Parallel()

	bm := newTestBufferManager(t)
	dispatcher := newRecordingDispatcher()
	ctx := engine.NewPipelineExecutionContext(1, 1, bm, dispatcher)

	handler := &terminationRecordingHandler{}
	ctx.RegisterOperatorHandler(1, handler)

	p := engine.NewExecutablePipeline(1, &noopStage{}, ctx)
	p.IncrementProducerCount()
	require.NoError(t, p.Setup())

	purger := &purgeRecorder{}
	require.NoError(t, p.Reconfigure(engine.ReconfigMessage{Kind: engine.HardEndOfStream, Termination: engine.Hard}, purger))
	require.NoError(t, p.Reconfigure(engine.ReconfigMessage{Kind: engine.Destroy}, purger))

	require.Len(t, handler.terminations, 1)
	assert.Equal(t, engine.Hard, handler.terminations[0])
}

type terminationRecordingHandler struct {
	terminations []engine.TerminationType
}

func (h *terminationRecordingHandler) Start(*engine.PipelineExecutionContext) error { return nil }

func (h *terminationRecordingHandler) Stop(t engine.TerminationType, _ *engine.PipelineExecutionContext) error {
	h.terminations = append(h.terminations, t)

	return nil
}

func TestStartPropagatesAndIncrementsSuccessorProducerCount(t *testing.T) {
	t.Parallel()

	bm := newTestBufferManager(t)
	dispatcher := newRecordingDispatcher()

	upCtx := engine.NewPipelineExecutionContext(1, 1, bm, dispatcher)
	downCtx := engine.NewPipelineExecutionContext(1, 2, bm, dispatcher)

	up := engine.NewExecutablePipeline(1, &noopStage{}, upCtx)
	down := engine.NewExecutablePipeline(2, &noopStage{}, downCtx)
	up.SetSuccessors([]*engine.ExecutablePipeline{down})

	require.NoError(t, up.Reconfigure(engine.ReconfigMessage{Kind: engine.Start}, nil))

	assert.Equal(t, int32(1), down.ProducerCount())
	assert.Equal(t, engine.PipelineRunning, up.Status())
	require.Len(t, dispatcher.reconfigs[down.Id], 1)
	assert.Equal(t, engine.Start, dispatcher.reconfigs[down.Id][0].Kind)
}

// TestProducerCountGatesEndOfStreamPropagation reproduces spec.md §8
// scenario 6: a pipeline only forwards end-of-stream once every upstream
// producer it was told about has reported its own end of stream.
func TestProducerCountGatesEndOfStreamPropagation(t *testing.T) {
	t.Parallel()

	bm := newTestBufferManager(t)
	dispatcher := newRecordingDispatcher()

	ctx := engine.NewPipelineExecutionContext(1, 1, bm, dispatcher)
	downCtx := engine.NewPipelineExecutionContext(1, 2, bm, dispatcher)

	p := engine.NewExecutablePipeline(1, &noopStage{}, ctx)
	down := engine.NewExecutablePipeline(2, &noopStage{}, downCtx)
	p.SetSuccessors([]*engine.ExecutablePipeline{down})
	require.NoError(t, p.Setup())

	// Two upstream producers feed p (e.g. two sources).
	p.IncrementProducerCount()
	p.IncrementProducerCount()

	require.NoError(t, p.Reconfigure(engine.ReconfigMessage{Kind: engine.SoftEndOfStream}, nil))
	assert.Empty(t, dispatcher.reconfigs[down.Id], "must not propagate until every producer has reported")
	assert.Equal(t, engine.PipelineRunning, p.Status())

	require.NoError(t, p.Reconfigure(engine.ReconfigMessage{Kind: engine.SoftEndOfStream}, nil))
	assert.Equal(t, engine.PipelineStopped, p.Status())
	require.Len(t, dispatcher.reconfigs[down.Id], 1)
	assert.Equal(t, engine.SoftEndOfStream, dispatcher.reconfigs[down.Id][0].Kind)
}

type purgeRecorder struct {
	purged []ids.PipelineId
}

func (pr *purgeRecorder) PurgeQueue(p *engine.ExecutablePipeline) {
	pr.purged = append(pr.purged, p.Id)
}

func TestHardEndOfStreamPurgesQueueBeforeDecrementing(t *testing.T) {
	t.Parallel()

	bm := newTestBufferManager(t)
	dispatcher := newRecordingDispatcher()
	ctx := engine.NewPipelineExecutionContext(1, 1, bm, dispatcher)
	p := engine.NewExecutablePipeline(1, &noopStage{}, ctx)
	p.IncrementProducerCount()

	purger := &purgeRecorder{}
	require.NoError(t, p.Reconfigure(engine.ReconfigMessage{Kind: engine.HardEndOfStream}, purger))

	require.Len(t, purger.purged, 1)
	assert.Equal(t, p.Id, purger.purged[0])
	assert.Equal(t, engine.PipelineStopped, p.Status())
}

func TestDestroyStopsStageAndHandlersExactlyOnce(t *testing.T) {
	t.Parallel()

	bm := newTestBufferManager(t)
	dispatcher := newRecordingDispatcher()
	ctx := engine.NewPipelineExecutionContext(1, 1, bm, dispatcher)
	stage := &noopStage{}
	p := engine.NewExecutablePipeline(1, stage, ctx)

	handler := &countingHandler{}
	ctx.RegisterOperatorHandler(1, handler)

	require.NoError(t, p.Reconfigure(engine.ReconfigMessage{Kind: engine.Destroy}, nil))
	require.NoError(t, p.Reconfigure(engine.ReconfigMessage{Kind: engine.Destroy}, nil))

	assert.Equal(t, 1, stage.stopCalls, "Stop must be idempotent")
	assert.Equal(t, 1, handler.stopCalls)
}

type countingHandler struct {
	startCalls, stopCalls int
}

func (h *countingHandler) Start(*engine.PipelineExecutionContext) error {
	h.startCalls++

	return nil
}

func (h *countingHandler) Stop(engine.TerminationType, *engine.PipelineExecutionContext) error {
	h.stopCalls++

	return nil
}

func TestExecuteFailureTransitionsToFailed(t *testing.T) {
	t.Parallel()

	bm := newTestBufferManager(t)
	dispatcher := newRecordingDispatcher()
	ctx := engine.NewPipelineExecutionContext(1, 1, bm, dispatcher)
	stage := &noopStage{execResult: engine.ExecError, execErr: assertErrSentinel}
	p := engine.NewExecutablePipeline(1, stage, ctx)

	buf, err := bm.GetUnpooledBuffer(8)
	require.NoError(t, err)

	result, execErr := p.Execute(buf, engine.NewWorkerContext(1, bm, 2, 1))
	require.Error(t, execErr)
	assert.Equal(t, engine.ExecError, result)
	assert.Equal(t, engine.PipelineFailed, p.Status())
}

var assertErrSentinel = assertError("stage failed")

type assertError string

func (e assertError) Error() string { return string(e) }
