package operators_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nebulastream/nes/pkg/buffer"
	"github.com/nebulastream/nes/pkg/engine"
	"github.com/nebulastream/nes/pkg/ids"
	"github.com/nebulastream/nes/pkg/operators"
)

type recordingSink struct {
	setupCalled    int
	shutdownCalled int
	written        []buffer.TupleBuffer
	writtenBy      []ids.WorkerId
}

func (s *recordingSink) Setup() error {
	s.setupCalled++

	return nil
}

func (s *recordingSink) WriteData(buf buffer.TupleBuffer, worker ids.WorkerId) error {
	s.written = append(s.written, buf)
	s.writtenBy = append(s.writtenBy, worker)

	return nil
}

func (s *recordingSink) Shutdown() error {
	s.shutdownCalled++

	return nil
}

// TestSinkStageForwardsEveryBufferToTheSink exercises the terminal-pipeline
// wiring spec.md §2 describes ("terminal pipelines push into sinks"): the
// stage's Setup reaches the sink's Setup exactly once, and every Execute
// call is handed straight to WriteData tagged with the executing worker.
func TestSinkStageForwardsEveryBufferToTheSink(t *testing.T) {
	t.Parallel()

	bm, err := buffer.NewManager(buffer.Config{BufferSize: 64, NumberOfBuffers: 4})
	require.NoError(t, err)

	sink := &recordingSink{}
	stage := &operators.SinkStage{Sink: sink}

	ctx := engine.NewPipelineExecutionContext(1, 1, bm, nil)
	require.NoError(t, stage.Setup(ctx))
	assert.Equal(t, 1, sink.setupCalled)

	worker := engine.NewWorkerContext(7, bm, 2, 1)

	buf, err := bm.GetBufferBlocking(t.Context())
	require.NoError(t, err)

	result, err := stage.Execute(buf, worker, ctx)
	require.NoError(t, err)
	assert.Equal(t, engine.Ok, result)
	require.Len(t, sink.written, 1)
	assert.Equal(t, ids.WorkerId(7), sink.writtenBy[0])

	require.NoError(t, stage.Stop(ctx))
	assert.Zero(t, sink.shutdownCalled, "stage.Stop never shuts the sink down itself; QueryManager does")

	require.NoError(t, buf.Release())
}
