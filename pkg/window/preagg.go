package window

import (
	"github.com/nebulastream/nes/pkg/buffer"
	"github.com/nebulastream/nes/pkg/hashmap"
	"github.com/nebulastream/nes/pkg/memprovider"
)

// KeyExtractor concatenates the grouping-key field bytes of one record into
// a single byte slice used as the ChainedHashMap key (spec.md §4.4: "key
// bytes are the grouping fields' concatenation").
type KeyExtractor func(provider memprovider.Provider, buf buffer.TupleBuffer, tupleIndex int) ([]byte, error)

// PreAggregation is the per-worker pre-aggregation operator of spec.md
// §4.4: for each input record it reads the event-time field, locates or
// creates the owning slice, locates or creates the grouping key's entry (if
// keyed), and folds the record's value field into that entry's aggregation
// state in place.
type PreAggregation struct {
	Store      *Store
	Provider   memprovider.Provider
	TsField    int
	ValueField int
	Function   Function
	KeyFn      KeyExtractor // nil for non-keyed stores
}

// Process folds every record of buf into the operator's Store. It returns
// the count of late records dropped (spec.md §7 KindLateRecord is not
// fatal) alongside the first fatal error encountered, if any.
func (p *PreAggregation) Process(buf buffer.TupleBuffer) (lateCount int, err error) {
	n := int(buf.NumberOfTuples()) //nolint:gosec

	for i := range n {
		tsVal, readErr := p.Provider.Read(buf, i, p.TsField)
		if readErr != nil {
			return lateCount, readErr
		}

		valVal, readErr := p.Provider.Read(buf, i, p.ValueField)
		if readErr != nil {
			return lateCount, readErr
		}

		slice, sliceErr := p.Store.FindOrCreateSliceByTs(tsVal.UInt64())
		if sliceErr != nil {
			lateCount++

			continue
		}

		if p.Store.Keyed {
			keyBytes, keyErr := p.KeyFn(p.Provider, buf, i)
			if keyErr != nil {
				return lateCount, keyErr
			}

			if err := slice.FoldKeyed(p.Function, keyBytes, hashmap.Hash(keyBytes), valVal); err != nil {
				return lateCount, err
			}
		} else if err := slice.FoldNonKeyed(p.Function, valVal); err != nil {
			return lateCount, err
		}
	}

	return lateCount, nil
}
