package engine_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/nebulastream/nes/pkg/buffer"
	"github.com/nebulastream/nes/pkg/engine"
	"github.com/nebulastream/nes/pkg/ids"
)

func TestQueryPlanLifecycleTransitions(t *testing.T) {
	t.Parallel()

	qp := engine.NewExecutableQueryPlan(1, nil, nil, []engine.DataSink{fakeSink{}, fakeSink{}})

	assert.Equal(t, engine.QueryCreated, qp.Status())
	qp.MarkDeployed()
	assert.Equal(t, engine.QueryDeployed, qp.Status())
	qp.MarkRunning()
	assert.Equal(t, engine.QueryRunning, qp.Status())

	qp.SinkFinished()
	assert.Equal(t, engine.QueryRunning, qp.Status(), "not finished until every sink reports")

	qp.SinkFinished()
	assert.Equal(t, engine.QueryFinished, qp.Status())
}

func TestTerminalStatusAbsorbsFurtherTransitions(t *testing.T) {
	t.Parallel()

	qp := engine.NewExecutableQueryPlan(1, nil, nil, nil)
	qp.MarkErrorState()
	assert.Equal(t, engine.QueryErrorState, qp.Status())

	qp.MarkRunning()
	assert.Equal(t, engine.QueryErrorState, qp.Status(), "terminal states are absorbing")
}

func TestPipelineById(t *testing.T) {
	t.Parallel()

	bm := newTestBufferManager(t)
	dispatcher := newRecordingDispatcher()
	ctx := engine.NewPipelineExecutionContext(1, 5, bm, dispatcher)
	p := engine.NewExecutablePipeline(5, &noopStage{}, ctx)
	qp := engine.NewExecutableQueryPlan(1, nil, []*engine.ExecutablePipeline{p}, nil)

	found, ok := qp.PipelineById(5)
	assert.True(t, ok)
	assert.Same(t, p, found)

	_, ok = qp.PipelineById(99)
	assert.False(t, ok)
}

type fakeSink struct{}

func (fakeSink) Setup() error { return nil }

func (fakeSink) WriteData(buffer.TupleBuffer, ids.WorkerId) error { return nil }

func (fakeSink) Shutdown() error { return nil }
