// Package window implements the windowing subsystem: slice assignment,
// keyed/non-keyed slice stores with per-worker pre-aggregation, and
// watermark-driven slice merging/triggering (spec.md §4.3-§4.6).
package window

import (
	"encoding/binary"
	"math"

	"github.com/nebulastream/nes/pkg/engineerr"
	"github.com/nebulastream/nes/pkg/memprovider"
	"github.com/nebulastream/nes/pkg/schema"
)

// Function is the closed enum of aggregation functions (spec.md §9
// REDESIGN FLAGS: a small closed enum with per-variant lift/combine/lower,
// replacing the source's type-erased aggregation dispatch).
type Function int

const (
	Sum Function = iota
	Count
	Min
	Max
	Avg
)

// StateSize is the fixed byte width of one aggregation's accumulator state:
// an 8-byte float64 accumulator followed by an 8-byte uint64 count, used by
// Avg and by Count (the accumulator is unused by Count).
const StateSize = 16

func decodeState(state []byte) (acc float64, count uint64) {
	acc = math.Float64frombits(binary.LittleEndian.Uint64(state[0:8]))
	count = binary.LittleEndian.Uint64(state[8:16])

	return acc, count
}

func encodeState(state []byte, acc float64, count uint64) {
	binary.LittleEndian.PutUint64(state[0:8], math.Float64bits(acc))
	binary.LittleEndian.PutUint64(state[8:16], count)
}

func valueAsFloat64(v memprovider.Value) float64 {
	switch v.Type {
	case schema.Float32, schema.Float64:
		return v.Float64()
	case schema.Int8, schema.Int16, schema.Int32, schema.Int64:
		return float64(v.Int64())
	case schema.UInt8, schema.UInt16, schema.UInt32, schema.UInt64:
		return float64(v.UInt64())
	default:
		panic("window: aggregation function applied to non-numeric field")
	}
}

func floatAsValue(f float64, outType schema.FieldType) memprovider.Value {
	switch outType {
	case schema.Float32:
		return memprovider.Float32Value(float32(f))
	case schema.Float64:
		return memprovider.Float64Value(f)
	case schema.Int8:
		return memprovider.Int8Value(int8(f))
	case schema.Int16:
		return memprovider.Int16Value(int16(f))
	case schema.Int32:
		return memprovider.Int32Value(int32(f))
	case schema.Int64:
		return memprovider.Int64Value(int64(f))
	case schema.UInt8:
		return memprovider.UInt8Value(uint8(f))
	case schema.UInt16:
		return memprovider.UInt16Value(uint16(f))
	case schema.UInt32:
		return memprovider.UInt32Value(uint32(f))
	case schema.UInt64:
		return memprovider.UInt64Value(uint64(f))
	default:
		panic("window: aggregation output type is not numeric")
	}
}

// Lift initializes a fresh StateSize-byte accumulator in state from the
// first contributing value.
func Lift(fn Function, state []byte, v memprovider.Value) error {
	switch fn {
	case Sum:
		encodeState(state, valueAsFloat64(v), 0)
	case Count:
		encodeState(state, 0, 1)
	case Min, Max:
		encodeState(state, valueAsFloat64(v), 0)
	case Avg:
		encodeState(state, valueAsFloat64(v), 1)
	default:
		return engineerr.Wrap(engineerr.KindUserStageError, "unsupported aggregation function", engineerr.ErrNotImplemented)
	}

	return nil
}

// Combine folds one more value into an already-initialized state in place.
func Combine(fn Function, state []byte, v memprovider.Value) error {
	acc, count := decodeState(state)

	switch fn {
	case Sum:
		encodeState(state, acc+valueAsFloat64(v), count)
	case Count:
		encodeState(state, acc, count+1)
	case Min:
		if f := valueAsFloat64(v); f < acc {
			acc = f
		}

		encodeState(state, acc, count)
	case Max:
		if f := valueAsFloat64(v); f > acc {
			acc = f
		}

		encodeState(state, acc, count)
	case Avg:
		encodeState(state, acc+valueAsFloat64(v), count+1)
	default:
		return engineerr.Wrap(engineerr.KindUserStageError, "unsupported aggregation function", engineerr.ErrNotImplemented)
	}

	return nil
}

// Merge folds src's state into dst in place, used when combining two
// partial slice states during pre-aggregation merging (spec.md §4.6). Both
// states must have been produced by the same Function.
func Merge(fn Function, dst, src []byte) error {
	dAcc, dCount := decodeState(dst)
	sAcc, sCount := decodeState(src)

	switch fn {
	case Sum, Count, Avg:
		encodeState(dst, dAcc+sAcc, dCount+sCount)
	case Min:
		if sAcc < dAcc {
			dAcc = sAcc
		}

		encodeState(dst, dAcc, dCount+sCount)
	case Max:
		if sAcc > dAcc {
			dAcc = sAcc
		}

		encodeState(dst, dAcc, dCount+sCount)
	default:
		return engineerr.Wrap(engineerr.KindUserStageError, "unsupported aggregation function", engineerr.ErrNotImplemented)
	}

	return nil
}

// Lower reads the final result out of state as a memprovider.Value typed
// outType, for Count always yielding the running count regardless of
// outType's sign/width.
func Lower(fn Function, state []byte, outType schema.FieldType) memprovider.Value {
	acc, count := decodeState(state)

	switch fn {
	case Sum, Min, Max:
		return floatAsValue(acc, outType)
	case Count:
		return floatAsValue(float64(count), outType)
	case Avg:
		if count == 0 {
			return floatAsValue(0, outType)
		}

		return floatAsValue(acc/float64(count), outType)
	default:
		return floatAsValue(0, outType)
	}
}
