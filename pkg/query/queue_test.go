package query

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPipelineQueueSchedulesOnceWhileDraining(t *testing.T) {
	t.Parallel()

	runnable := make(chan *pipelineQueue, 4)
	q := newPipelineQueue(nil, runnable)

	q.enqueue(task{})
	q.enqueue(task{})
	q.enqueue(task{})

	require.Len(t, runnable, 1, "a queue already scheduled must not be enqueued a second time")

	<-runnable

	_, ok := q.pop()
	require.True(t, ok)

	q.reschedule()
	require.Len(t, runnable, 1, "two more tasks are still pending, so reschedule must re-enter runnable")
}

func TestPipelineQueuePurgeDiscardsBufferedTasks(t *testing.T) {
	t.Parallel()

	runnable := make(chan *pipelineQueue, 4)
	q := newPipelineQueue(nil, runnable)

	q.enqueue(task{})
	q.enqueue(task{})
	<-runnable

	q.purge()

	_, ok := q.pop()
	assert.False(t, ok, "purge must discard every buffered task")
}
