package memprovider_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nebulastream/nes/pkg/buffer"
	"github.com/nebulastream/nes/pkg/memprovider"
	"github.com/nebulastream/nes/pkg/schema"
)

func testSchema(layout schema.Layout) *schema.Schema {
	return schema.New(layout,
		schema.Field{Name: "ts", Type: schema.UInt64},
		schema.Field{Name: "k", Type: schema.Int64},
		schema.Field{Name: "v", Type: schema.Int64},
		schema.Field{Name: "payload", Type: schema.VarSized},
	)
}

func TestRoundTripFixedFields(t *testing.T) {
	t.Parallel()

	for _, layout := range []schema.Layout{schema.Row, schema.Columnar} {
		s := testSchema(layout)
		provider := memprovider.New(s)

		bm, err := buffer.NewManager(buffer.Config{BufferSize: 4096, NumberOfBuffers: 1})
		require.NoError(t, err)

		buf, err := bm.GetBufferBlocking(context.Background())
		require.NoError(t, err)

		require.NoError(t, provider.Write(bm, buf, 0, 0, memprovider.UInt64Value(42)))
		require.NoError(t, provider.Write(bm, buf, 0, 1, memprovider.Int64Value(-7)))
		require.NoError(t, provider.Write(bm, buf, 0, 2, memprovider.Int64Value(100)))

		got, err := provider.Read(buf, 0, 0)
		require.NoError(t, err)
		assert.Equal(t, uint64(42), got.UInt64())

		got, err = provider.Read(buf, 0, 1)
		require.NoError(t, err)
		assert.Equal(t, int64(-7), got.Int64())

		require.NoError(t, buf.Release())
	}
}

func TestRoundTripVarSizedField(t *testing.T) {
	t.Parallel()

	s := testSchema(schema.Row)
	provider := memprovider.New(s)

	bm, err := buffer.NewManager(buffer.Config{BufferSize: 4096, NumberOfBuffers: 1})
	require.NoError(t, err)

	buf, err := bm.GetBufferBlocking(context.Background())
	require.NoError(t, err)

	payload := []byte("hello variable-sized world")
	require.NoError(t, provider.Write(bm, buf, 0, 3, memprovider.BytesValue(payload)))

	got, err := provider.Read(buf, 0, 3)
	require.NoError(t, err)
	assert.Equal(t, payload, got.Bytes())

	require.NoError(t, buf.Release())
}

func TestColumnarLayoutSeparatesFieldArrays(t *testing.T) {
	t.Parallel()

	s := schema.New(schema.Columnar,
		schema.Field{Name: "a", Type: schema.Int64},
		schema.Field{Name: "b", Type: schema.Int8},
	)
	provider := memprovider.New(s)

	bm, err := buffer.NewManager(buffer.Config{BufferSize: 4096, NumberOfBuffers: 1})
	require.NoError(t, err)

	buf, err := bm.GetBufferBlocking(context.Background())
	require.NoError(t, err)

	capacity := provider.Capacity(buf)
	require.Positive(t, capacity)

	for i := range 3 {
		require.NoError(t, provider.Write(bm, buf, i, 0, memprovider.Int64Value(int64(i*10))))
		require.NoError(t, provider.Write(bm, buf, i, 1, memprovider.Int8Value(int8(i))))
	}

	for i := range 3 {
		a, err := provider.Read(buf, i, 0)
		require.NoError(t, err)
		assert.Equal(t, int64(i*10), a.Int64())

		b, err := provider.Read(buf, i, 1)
		require.NoError(t, err)
		assert.Equal(t, int8(i), b.Int8())
	}

	require.NoError(t, buf.Release())
}
