package watermark_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nebulastream/nes/pkg/engineerr"
	"github.com/nebulastream/nes/pkg/ids"
	"github.com/nebulastream/nes/pkg/watermark"
)

func TestProcessorAdvancesOnlyWhenContiguous(t *testing.T) {
	t.Parallel()

	p := watermark.NewProcessor()

	wm, err := p.Update(1, 2)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), wm, "seq 1 buffered out of order, seq 0 still missing")

	wm, err = p.Update(0, 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), wm, "seq 0 arriving closes the gap, advancing through seq 1")
}

func TestProcessorDuplicateUpdateIsIdempotent(t *testing.T) {
	t.Parallel()

	p := watermark.NewProcessor()

	_, err := p.Update(0, 5)
	require.NoError(t, err)

	wm, err := p.Update(0, 5)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), wm)
}

func TestProcessorConflictingDuplicateIsFatal(t *testing.T) {
	t.Parallel()

	p := watermark.NewProcessor()

	_, err := p.Update(0, 5)
	require.NoError(t, err)

	_, err = p.Update(0, 6)
	require.Error(t, err)
	assert.True(t, engineerr.Is(err, engineerr.KindInvariantViolation))
}

func TestMultiOriginProcessorIsMinAcrossOrigins(t *testing.T) {
	t.Parallel()

	m := watermark.NewMultiOriginProcessor()

	wm, err := m.UpdateWatermark(ids.OriginId(0), 0, 20)
	require.NoError(t, err)
	assert.Equal(t, uint64(20), wm, "only origin A reported so far")

	wm, err = m.UpdateWatermark(ids.OriginId(1), 0, 15)
	require.NoError(t, err)
	assert.Equal(t, uint64(15), wm, "origin B lags behind, global watermark is min")

	wm, err = m.UpdateWatermark(ids.OriginId(1), 1, 25)
	require.NoError(t, err)
	assert.Equal(t, uint64(20), wm, "origin B catches up, origin A's 20 is now the min")

	assert.Equal(t, uint64(20), m.GetCurrentWatermark())
}

func TestMultiOriginProcessorConvergesUnderConcurrentUpdates(t *testing.T) {
	t.Parallel()

	m := watermark.NewMultiOriginProcessor()

	const origins = 4
	const updatesPerOrigin = 200

	var wg sync.WaitGroup

	for o := range origins {
		wg.Add(1)

		go func(origin ids.OriginId) {
			defer wg.Done()

			for s := range ids.SequenceNumber(updatesPerOrigin) {
				_, err := m.UpdateWatermark(origin, s, uint64(s))
				assert.NoError(t, err)
			}
		}(ids.OriginId(o)) //nolint:gosec
	}

	wg.Wait()

	assert.Equal(t, uint64(updatesPerOrigin-1), m.GetCurrentWatermark())
}

func TestOriginWatermarkReportsUnknownOrigin(t *testing.T) {
	t.Parallel()

	m := watermark.NewMultiOriginProcessor()

	_, ok := m.OriginWatermark(ids.OriginId(42))
	assert.False(t, ok)

	_, err := m.UpdateWatermark(ids.OriginId(42), 0, 7)
	require.NoError(t, err)

	wm, ok := m.OriginWatermark(ids.OriginId(42))
	assert.True(t, ok)
	assert.Equal(t, uint64(7), wm)
}
