package operators

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/nebulastream/nes/pkg/buffer"
	"github.com/nebulastream/nes/pkg/engine"
	"github.com/nebulastream/nes/pkg/engineerr"
	"github.com/nebulastream/nes/pkg/ids"
	"github.com/nebulastream/nes/pkg/join"
	"github.com/nebulastream/nes/pkg/memprovider"
	"github.com/nebulastream/nes/pkg/watermark"
	"github.com/nebulastream/nes/pkg/window"
)

// JoinConfig describes one windowed stream join (spec.md §4.7): the build
// sides' schemas and origins, the join algorithm, the slice assigner
// shared by both sides, and the output row layout.
type JoinConfig struct {
	Kind     join.Kind
	Assigner window.Assigner

	LeftInput, RightInput   memprovider.Provider
	LeftOrigin, RightOrigin ids.OriginId

	Output           memprovider.Provider
	OutputOrigin     ids.OriginId
	OutputStartField int
	OutputEndField   int
	// OutputLeftFields[i] is the Output field index that LeftInput field i
	// is copied into; OutputRightFields is the same for RightInput.
	OutputLeftFields  []int
	OutputRightFields []int
}

// joinWindow tracks per-origin completion of one join window, mirroring
// pkg/window.Window's completion mask but local to this package because
// pkg/join.Handler has no StagingArea equivalent of its own.
type joinWindow struct {
	start, end uint64
	completion map[ids.OriginId]struct{}
}

func (w *joinWindow) complete(participating map[ids.OriginId]struct{}) bool {
	for o := range participating {
		if _, ok := w.completion[o]; !ok {
			return false
		}
	}

	return true
}

// JoinOperatorHandler is the shared, pipeline-lifetime state of one windowed
// join: the build/probe Handler, a two-origin watermark processor, and the
// per-window completion tracking that decides when a window is safe to
// probe (spec.md §4.7).
//
// Grounded on pkg/join.Handler (build/probe state) and pkg/window.StagingArea
// (completion tracking, adapted since join has no per-worker merge step:
// both build sides write directly into the shared Handler under mu); see
// DESIGN.md.
type JoinOperatorHandler struct {
	cfg JoinConfig

	mu            sync.Mutex
	handler       *join.Handler
	watermarks    *watermark.MultiOriginProcessor
	participating map[ids.OriginId]struct{}
	windows       map[uint64]*joinWindow
	finished      map[uint64]bool
}

// NewJoinOperatorHandler validates cfg and returns a handler ready to be
// registered on a PipelineExecutionContext.
func NewJoinOperatorHandler(cfg JoinConfig) (*JoinOperatorHandler, error) {
	if len(cfg.OutputLeftFields) != len(cfg.LeftInput.Schema().Fields) {
		return nil, engineerr.New(engineerr.KindConfigError, "join operator: OutputLeftFields length must match LeftInput schema")
	}

	if len(cfg.OutputRightFields) != len(cfg.RightInput.Schema().Fields) {
		return nil, engineerr.New(engineerr.KindConfigError, "join operator: OutputRightFields length must match RightInput schema")
	}

	return &JoinOperatorHandler{cfg: cfg}, nil
}

func (h *JoinOperatorHandler) Start(*engine.PipelineExecutionContext) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.handler = join.NewHandler(h.cfg.Kind, h.cfg.Assigner)
	h.watermarks = watermark.NewMultiOriginProcessor()
	h.participating = map[ids.OriginId]struct{}{h.cfg.LeftOrigin: {}, h.cfg.RightOrigin: {}}
	h.windows = make(map[uint64]*joinWindow)
	h.finished = make(map[uint64]bool)

	return nil
}

// Stop releases every buffer still retained by an un-probed build side. A
// Hard termination never gets to probe whatever windows were still open;
// their retained input buffers are released here instead of leaking
// (spec.md §4.10).
func (h *JoinOperatorHandler) Stop(_ engine.TerminationType, _ *engine.PipelineExecutionContext) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var firstErr error

	h.handler.EvictBefore(math.MaxUint64, func(rec join.RecordID) {
		if err := rec.Buf.Release(); err != nil && firstErr == nil {
			firstErr = err
		}
	})

	h.handler = nil
	h.watermarks = nil
	h.windows = nil
	h.finished = nil

	return firstErr
}

func (h *JoinOperatorHandler) windowAtLocked(start uint64) *joinWindow {
	w, ok := h.windows[start]
	if !ok {
		w = &joinWindow{start: start, end: start + h.cfg.Assigner.Size}
		h.windows[start] = w
	}

	return w
}

// advanceOriginLocked marks origin complete for every known window whose
// end is <= wm, and returns the windows newly complete for every
// participating origin, in non-decreasing end order (spec.md §4.6 analogue
// applied to join windows).
func (h *JoinOperatorHandler) advanceOriginLocked(origin ids.OriginId, wm uint64) []*joinWindow {
	if _, participates := h.participating[origin]; participates {
		for _, w := range h.windows {
			if wm < w.end {
				continue
			}

			if w.completion == nil {
				w.completion = make(map[ids.OriginId]struct{})
			}

			w.completion[origin] = struct{}{}
		}
	}

	var ready []*joinWindow

	for start, w := range h.windows {
		if h.finished[start] {
			continue
		}

		if w.complete(h.participating) {
			ready = append(ready, w)
		}
	}

	sort.Slice(ready, func(i, j int) bool { return ready[i].end < ready[j].end })

	for _, w := range ready {
		h.finished[w.start] = true
	}

	return ready
}

// JoinBuildStage is the ExecutablePipelineStage compiled for one side (left
// or right) of a windowed stream join (spec.md §4.7). It inserts every
// input record into the shared JoinOperatorHandler, retaining the input
// buffer for as long as the handler's build state references one of its
// records, then advances the join's global watermark and probes/emits any
// window that newly became complete.
type JoinBuildStage struct {
	OperatorId ids.OperatorId
	Left       bool
	TsField    int
	KeyField   int
	Input      memprovider.Provider

	handler *JoinOperatorHandler
}

func (s *JoinBuildStage) Setup(ctx *engine.PipelineExecutionContext) error {
	raw, ok := ctx.GetOperatorHandler(s.OperatorId)
	if !ok {
		return engineerr.New(engineerr.KindConfigError, fmt.Sprintf("no operator handler registered for %s", s.OperatorId))
	}

	h, ok := raw.(*JoinOperatorHandler)
	if !ok {
		return engineerr.New(engineerr.KindConfigError, fmt.Sprintf("operator handler for %s is not a JoinOperatorHandler", s.OperatorId))
	}

	s.handler = h

	return nil
}

func (s *JoinBuildStage) Stop(*engine.PipelineExecutionContext) error { return nil }

func (s *JoinBuildStage) Execute(
	buf buffer.TupleBuffer, worker *engine.WorkerContext, ctx *engine.PipelineExecutionContext,
) (engine.ExecutionResult, error) {
	h := s.handler

	n := int(buf.NumberOfTuples()) //nolint:gosec
	for i := range n {
		if err := s.buildOne(h, buf, i); err != nil {
			return engine.ExecError, err
		}
	}

	origin := buf.OriginId()

	globalWM, err := h.watermarks.UpdateWatermark(origin, buf.SequenceNumber(), buf.Watermark())
	if err != nil {
		return engine.ExecError, err
	}

	// originWM is this buffer's own origin's contiguous watermark: window
	// completion is credited per origin against its own watermark, not the
	// min across origins, so a lagging sibling origin can never hold back
	// crediting one that has already passed a window's end (spec.md §4.7,
	// §8 scenario 3 analogue). globalWM still governs build-state eviction.
	originWM, _ := h.watermarks.OriginWatermark(origin)

	triggered, toRelease, err := h.advanceAndProbe(origin, globalWM, originWM)
	if err != nil {
		return engine.ExecError, err
	}

	for _, buf := range toRelease {
		if err := buf.Release(); err != nil {
			return engine.ExecError, err
		}
	}

	for _, wp := range triggered {
		if err := h.emit(wp, worker, ctx); err != nil {
			return engine.ExecError, err
		}
	}

	return engine.Ok, nil
}

func (s *JoinBuildStage) buildOne(h *JoinOperatorHandler, buf buffer.TupleBuffer, tupleIndex int) error {
	tsVal, err := s.Input.Read(buf, tupleIndex, s.TsField)
	if err != nil {
		return err
	}

	keyVal, err := s.Input.Read(buf, tupleIndex, s.KeyField)
	if err != nil {
		return err
	}

	keyBytes, err := encodeKey(keyVal)
	if err != nil {
		return engineerr.Wrap(engineerr.KindConfigError, "join operator grouping key", err)
	}

	ts := tsVal.UInt64()
	start, _ := h.cfg.Assigner.Assign(ts)
	rec := join.RecordID{Buf: buf.Retain(), Index: tupleIndex}

	h.mu.Lock()
	h.windowAtLocked(start)

	var buildErr error
	if s.Left {
		buildErr = h.handler.BuildLeft(ts, keyBytes, rec)
	} else {
		buildErr = h.handler.BuildRight(ts, keyBytes, rec)
	}

	h.mu.Unlock()

	if buildErr != nil {
		if releaseErr := rec.Buf.Release(); releaseErr != nil {
			return releaseErr
		}

		if engineerr.Is(buildErr, engineerr.KindLateRecord) {
			return nil
		}

		return buildErr
	}

	return nil
}

// windowPairs is a triggered join window's matched record pairs, captured
// under the handler's mutex so emitting it never blocks holding that lock.
type windowPairs struct {
	start, end uint64
	pairs      []join.Pair
}

func (h *JoinOperatorHandler) advanceAndProbe(origin ids.OriginId, globalWM, originWM uint64) ([]windowPairs, []buffer.TupleBuffer, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.handler.AdvanceWatermark(globalWM)

	ready := h.advanceOriginLocked(origin, originWM)
	if len(ready) == 0 {
		return nil, nil, nil
	}

	triggered := make([]windowPairs, 0, len(ready))
	for _, w := range ready {
		triggered = append(triggered, windowPairs{start: w.start, end: w.end, pairs: h.handler.Probe(w.start, w.end)})
	}

	var toRelease []buffer.TupleBuffer

	h.handler.EvictBefore(globalWM, func(rec join.RecordID) {
		toRelease = append(toRelease, rec.Buf)
	})

	return triggered, toRelease, nil
}

// emit materializes every matched pair of wp into one or more output
// buffers and dispatches them, chunked to the output schema's capacity
// (spec.md §4.7, SPEC_FULL.md §C.3 chunking).
func (h *JoinOperatorHandler) emit(wp windowPairs, worker *engine.WorkerContext, ctx *engine.PipelineExecutionContext) error {
	if len(wp.pairs) == 0 {
		return nil
	}

	capacity := ctx.Buffers.BufferSize() / h.cfg.Output.Schema().RecordSize()
	if capacity <= 0 {
		return engineerr.New(engineerr.KindConfigError, "join output schema does not fit the configured buffer size")
	}

	var chunk ids.ChunkNumber

	for offset := 0; offset < len(wp.pairs); offset += capacity {
		end := min(offset+capacity, len(wp.pairs))
		last := end == len(wp.pairs)

		buf, err := worker.LocalBuffers.GetBufferBlocking(context.Background())
		if err != nil {
			return engineerr.Wrap(engineerr.KindBufferPoolExhausted, "join operator output buffer", err)
		}

		buf.SetOriginId(h.cfg.OutputOrigin)
		buf.SetWatermark(wp.end)

		for i, pair := range wp.pairs[offset:end] {
			if err := h.writePair(ctx.Buffers, buf, i, wp, pair); err != nil {
				return err
			}
		}

		buf.SetNumberOfTuples(uint64(end - offset)) //nolint:gosec

		ctx.DispatchChunk(buf, chunk, last)
		chunk = chunk.Next()
	}

	return nil
}

func (h *JoinOperatorHandler) writePair(
	bm *buffer.Manager, out buffer.TupleBuffer, tupleIndex int, wp windowPairs, pair join.Pair,
) error {
	output := h.cfg.Output

	if err := output.Write(bm, out, tupleIndex, h.cfg.OutputStartField, memprovider.UInt64Value(wp.start)); err != nil {
		return err
	}

	if err := output.Write(bm, out, tupleIndex, h.cfg.OutputEndField, memprovider.UInt64Value(wp.end)); err != nil {
		return err
	}

	for fieldIdx, outIdx := range h.cfg.OutputLeftFields {
		if outIdx < 0 {
			continue
		}

		v, err := h.cfg.LeftInput.Read(pair.Left.Buf, pair.Left.Index, fieldIdx)
		if err != nil {
			return err
		}

		if err := output.Write(bm, out, tupleIndex, outIdx, v); err != nil {
			return err
		}
	}

	for fieldIdx, outIdx := range h.cfg.OutputRightFields {
		if outIdx < 0 {
			continue
		}

		v, err := h.cfg.RightInput.Read(pair.Right.Buf, pair.Right.Index, fieldIdx)
		if err != nil {
			return err
		}

		if err := output.Write(bm, out, tupleIndex, outIdx, v); err != nil {
			return err
		}
	}

	return nil
}
