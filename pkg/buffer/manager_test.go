package buffer_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nebulastream/nes/pkg/buffer"
)

func newTestManager(t *testing.T, size, count int) *buffer.Manager {
	t.Helper()

	m, err := buffer.NewManager(buffer.Config{BufferSize: size, NumberOfBuffers: count})
	require.NoError(t, err)

	return m
}

func TestGetBufferBlockingAndRelease(t *testing.T) {
	t.Parallel()

	m := newTestManager(t, 64, 2)
	require.Equal(t, 2, m.FreeCount())

	buf, err := m.GetBufferBlocking(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, m.FreeCount())

	require.NoError(t, buf.Release())
	assert.Equal(t, 2, m.FreeCount())
}

func TestDoubleReleaseIsFatal(t *testing.T) {
	t.Parallel()

	m := newTestManager(t, 64, 1)

	buf, err := m.GetBufferBlocking(context.Background())
	require.NoError(t, err)
	require.NoError(t, buf.Release())

	err = buf.Release()
	require.Error(t, err)
}

func TestGetBufferTimeoutExpires(t *testing.T) {
	t.Parallel()

	m := newTestManager(t, 64, 1)

	held, err := m.GetBufferBlocking(context.Background())
	require.NoError(t, err)

	_, ok := m.GetBufferTimeout(20 * time.Millisecond)
	assert.False(t, ok)

	require.NoError(t, held.Release())
}

// TestBufferPoolPressureUnblocksWaiterOnRelease mirrors spec.md §8 scenario
// 5: pool size 2, 3 concurrent waiters; no waiter proceeds while both pages
// are held, and releasing one page lets a waiter through. The order in which
// waiters are served is not checked.
func TestBufferPoolPressureUnblocksWaiterOnRelease(t *testing.T) {
	t.Parallel()

	m := newTestManager(t, 64, 2)

	first, err := m.GetBufferBlocking(context.Background())
	require.NoError(t, err)
	second, err := m.GetBufferBlocking(context.Background())
	require.NoError(t, err)

	unblocked := make(chan struct{}, 3)

	var wg sync.WaitGroup
	for range 3 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			buf, acquireErr := m.GetBufferBlocking(context.Background())
			if acquireErr != nil {
				return
			}

			unblocked <- struct{}{}
			_ = buf.Release()
		}()
	}

	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, unblocked)

	require.NoError(t, first.Release())

	select {
	case <-unblocked:
	case <-time.After(time.Second):
		t.Fatal("no waiter unblocked after release")
	}

	require.NoError(t, second.Release())
	wg.Wait()
	assert.Equal(t, 2, m.FreeCount())
}

func TestChildAttachAndLoad(t *testing.T) {
	t.Parallel()

	m := newTestManager(t, 64, 1)

	parent, err := m.GetBufferBlocking(context.Background())
	require.NoError(t, err)

	child, err := m.GetUnpooledBuffer(128)
	require.NoError(t, err)

	idx, err := buffer.AttachChild(parent, child)
	require.NoError(t, err)
	assert.Equal(t, uint32(0), idx)
	assert.Equal(t, 1, parent.ChildCount())

	loaded, err := buffer.LoadChild(parent, idx)
	require.NoError(t, err)
	assert.Equal(t, child.Bytes(), loaded.Bytes())
	require.NoError(t, loaded.Release())

	_, err = buffer.LoadChild(parent, 7)
	require.Error(t, err)

	// Releasing the parent releases the attached child transitively, and
	// the page returns to the free list.
	require.NoError(t, parent.Release())
	assert.Equal(t, 1, m.FreeCount())
}

func TestLocalPoolFallsThroughToGlobal(t *testing.T) {
	t.Parallel()

	m := newTestManager(t, 64, 2)
	lp := buffer.NewLocalPool(m, 1)

	buf1, err := lp.GetBufferBlocking(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, m.FreeCount())

	require.NoError(t, buf1.Release())
	// Released into local stock, not the global free list.
	assert.Equal(t, 1, m.FreeCount())

	buf2, err := lp.GetBufferBlocking(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, m.FreeCount())
	require.NoError(t, buf2.Release())
}

func TestUnpooledBufferRejectsNonPositiveSize(t *testing.T) {
	t.Parallel()

	m := newTestManager(t, 64, 1)

	_, err := m.GetUnpooledBuffer(0)
	require.Error(t, err)
}

func TestRetainKeepsBufferAliveUntilAllHandlesReleased(t *testing.T) {
	t.Parallel()

	m := newTestManager(t, 64, 1)

	buf, err := m.GetBufferBlocking(context.Background())
	require.NoError(t, err)

	other := buf.Retain()
	assert.Equal(t, 0, m.FreeCount())

	require.NoError(t, buf.Release())
	assert.Equal(t, 0, m.FreeCount(), "buffer still referenced by retained handle")

	require.NoError(t, other.Release())
	assert.Equal(t, 1, m.FreeCount())
}
