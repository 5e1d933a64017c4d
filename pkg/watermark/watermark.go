// Package watermark tracks, per origin, the highest event-time timestamp
// below which no further records will arrive on that origin's stream
// (spec.md §4.2), and derives a global watermark as the minimum across all
// participating origins.
//
// Grounded on codefang's internal/cache.HashSet: a small sync.RWMutex-
// guarded map with read-mostly access from many goroutines. See DESIGN.md.
package watermark

import (
	"fmt"
	"sync"

	"github.com/nebulastream/nes/pkg/engineerr"
	"github.com/nebulastream/nes/pkg/ids"
)

// pendingLimit bounds the out-of-order update buffer per origin. Sequence
// numbers arrive from a single origin's source thread and gaps are expected
// to close quickly; a pathologically large gap is an invariant violation
// rather than unbounded memory growth.
const pendingLimit = 4096

// Processor tracks a single origin's contiguous watermark across
// out-of-order sequence-numbered updates (spec.md §4.2).
//
// update(sequenceNumber, watermark) inserts the update into a small
// out-of-order buffer, then advances the contiguous watermark while the
// next expected sequence number is present. Not safe for concurrent use by
// itself; MultiOriginProcessor serializes access to each origin's
// Processor.
type Processor struct {
	nextSeq   ids.SequenceNumber
	watermark uint64
	pending   map[ids.SequenceNumber]uint64
	applied   map[ids.SequenceNumber]uint64
}

// NewProcessor creates a Processor whose first expected sequence number is
// ids.FirstSequenceNumber and whose initial watermark is 0.
func NewProcessor() *Processor {
	return &Processor{
		nextSeq: ids.FirstSequenceNumber,
		pending: make(map[ids.SequenceNumber]uint64),
		applied: make(map[ids.SequenceNumber]uint64),
	}
}

// Update records a (sequenceNumber, watermarkTs) pair and advances the
// contiguous watermark as far as buffered updates allow. Duplicate updates
// for a sequence number already applied are idempotent if watermarkTs
// matches the previously recorded value, and a fatal engineerr otherwise
// (spec.md §4.2, §7).
func (p *Processor) Update(sequenceNumber ids.SequenceNumber, watermarkTs uint64) (uint64, error) {
	if sequenceNumber < p.nextSeq {
		// Already folded into the contiguous watermark; must agree.
		if existing, ok := p.applied[sequenceNumber]; ok && existing != watermarkTs {
			return 0, engineerr.New(engineerr.KindInvariantViolation,
				fmt.Sprintf("sequence number %d already applied with watermark %d, got differing %d", sequenceNumber, existing, watermarkTs))
		}

		return p.watermark, nil
	}

	if existing, ok := p.pending[sequenceNumber]; ok {
		if existing != watermarkTs {
			return 0, engineerr.New(engineerr.KindInvariantViolation,
				fmt.Sprintf("sequence number %d seen with differing watermark %d != %d", sequenceNumber, existing, watermarkTs))
		}

		return p.watermark, nil
	}

	if len(p.pending) >= pendingLimit {
		return 0, engineerr.New(engineerr.KindInvariantViolation,
			fmt.Sprintf("out-of-order buffer exceeded %d pending sequence numbers", pendingLimit))
	}

	p.pending[sequenceNumber] = watermarkTs

	for {
		ts, ok := p.pending[p.nextSeq]
		if !ok {
			break
		}

		delete(p.pending, p.nextSeq)

		p.applied[p.nextSeq] = ts

		if ts > p.watermark {
			p.watermark = ts
		}

		p.nextSeq = p.nextSeq.Next()
	}

	return p.watermark, nil
}

// Watermark returns the current contiguous watermark.
func (p *Processor) Watermark() uint64 { return p.watermark }

// MultiOriginProcessor computes a global watermark as the minimum of each
// participating origin's contiguous watermark (spec.md §4.2, §6). Safe for
// concurrent use: UpdateWatermark may be called concurrently by different
// producer threads, one per origin.
type MultiOriginProcessor struct {
	mu      sync.RWMutex
	origins map[ids.OriginId]*Processor
}

// NewMultiOriginProcessor creates an empty MultiOriginProcessor. Origins are
// registered lazily on first update.
func NewMultiOriginProcessor() *MultiOriginProcessor {
	return &MultiOriginProcessor{
		origins: make(map[ids.OriginId]*Processor),
	}
}

// UpdateWatermark applies an update for origin/sequenceNumber/watermarkTs
// and returns the new global watermark: the minimum contiguous watermark
// across all origins that have ever reported (spec.md §4.2).
func (m *MultiOriginProcessor) UpdateWatermark(origin ids.OriginId, sequenceNumber ids.SequenceNumber, watermarkTs uint64) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.origins[origin]
	if !ok {
		p = NewProcessor()
		m.origins[origin] = p
	}

	if _, err := p.Update(sequenceNumber, watermarkTs); err != nil {
		return 0, err
	}

	return m.minLocked(), nil
}

// GetCurrentWatermark returns a const, thread-safe snapshot of the global
// watermark (spec.md §4.2) without mutating any origin's state. Returns 0
// if no origin has reported yet.
func (m *MultiOriginProcessor) GetCurrentWatermark() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.minLocked()
}

// OriginWatermark returns the contiguous watermark for a single origin and
// whether that origin has reported at all.
func (m *MultiOriginProcessor) OriginWatermark(origin ids.OriginId) (uint64, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.origins[origin]
	if !ok {
		return 0, false
	}

	return p.Watermark(), true
}

func (m *MultiOriginProcessor) minLocked() uint64 {
	if len(m.origins) == 0 {
		return 0
	}

	min := ^uint64(0)

	for _, p := range m.origins {
		if p.watermark < min {
			min = p.watermark
		}
	}

	return min
}
