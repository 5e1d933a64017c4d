package operators

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/nebulastream/nes/pkg/buffer"
	"github.com/nebulastream/nes/pkg/engine"
	"github.com/nebulastream/nes/pkg/engineerr"
	"github.com/nebulastream/nes/pkg/hashmap"
	"github.com/nebulastream/nes/pkg/ids"
	"github.com/nebulastream/nes/pkg/memprovider"
	"github.com/nebulastream/nes/pkg/watermark"
	"github.com/nebulastream/nes/pkg/window"
)

// WindowConfig describes one keyed or non-keyed sliding/tumbling aggregation
// operator (spec.md §4.3-§4.6). KeyField is -1 for a non-keyed aggregation.
type WindowConfig struct {
	Input      memprovider.Provider
	TsField    int
	KeyField   int
	ValueField int
	Function   window.Function
	Assigner   window.Assigner

	// AllowedLateness shifts the late-record watermark check backward
	// (SPEC_FULL.md §C.4); 0 disables it.
	AllowedLateness uint64

	// Participating is the full set of origins feeding this operator; a
	// window is only emitted once every one of them has watermarked past
	// its end (spec.md §4.6).
	Participating []ids.OriginId

	// Output is the schema/layout of emitted rows: start, end, an optional
	// key field, then the aggregated value.
	Output           memprovider.Provider
	OutputOrigin     ids.OriginId
	OutputStartField int
	OutputEndField   int
	OutputKeyField   int // -1 for a non-keyed aggregation
	OutputValueField int
}

// WindowOperatorHandler is the shared, pipeline-lifetime state of one
// windowed aggregation: the global merged slice Store, the StagingArea that
// tracks per-window per-origin completion, and the MultiOriginProcessor
// deriving the operator's global watermark (spec.md §4.6, §9 "a fixed
// vocabulary of operator behaviors").
//
// Grounded on pkg/window's Store/StagingArea and pkg/watermark's
// MultiOriginProcessor; see DESIGN.md.
type WindowOperatorHandler struct {
	cfg WindowConfig

	mu         sync.Mutex
	global     *window.Store
	staging    *window.StagingArea
	watermarks *watermark.MultiOriginProcessor
}

// NewWindowOperatorHandler validates cfg and returns a handler ready to be
// registered on a PipelineExecutionContext. Validation failures are
// KindConfigError, detected at plan-setup time rather than per-record
// (spec.md §7).
func NewWindowOperatorHandler(cfg WindowConfig) (*WindowOperatorHandler, error) {
	switch cfg.Function {
	case window.Sum, window.Count, window.Min, window.Max, window.Avg:
	default:
		return nil, engineerr.Wrap(engineerr.KindConfigError, "unsupported aggregation function", engineerr.ErrNotImplemented)
	}

	if cfg.KeyField >= 0 {
		if _, err := encodeKey(memprovider.Value{Type: cfg.Input.Schema().Fields[cfg.KeyField].Type}); err != nil {
			return nil, engineerr.Wrap(engineerr.KindConfigError, "window operator grouping key", err)
		}
	}

	return &WindowOperatorHandler{cfg: cfg}, nil
}

// Start implements engine.OperatorHandler: it allocates the global Store,
// StagingArea and watermark processor for this pipeline run.
func (h *WindowOperatorHandler) Start(*engine.PipelineExecutionContext) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	keyed := h.cfg.KeyField >= 0

	h.global = window.NewStore(h.cfg.Assigner, keyed)
	h.global.AllowedLateness = h.cfg.AllowedLateness
	h.staging = window.NewStagingArea(h.global, h.cfg.Function, h.cfg.Participating)
	h.watermarks = watermark.NewMultiOriginProcessor()

	return nil
}

// Stop implements engine.OperatorHandler, releasing the accumulated
// aggregation state. Outstanding but never-triggered windows (a
// termination before their watermark arrived) are dropped, matching
// spec.md §4.10: a Hard termination discards whatever has not yet been
// emitted.
func (h *WindowOperatorHandler) Stop(engine.TerminationType, *engine.PipelineExecutionContext) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.global = nil
	h.staging = nil
	h.watermarks = nil

	return nil
}

func (h *WindowOperatorHandler) keyFn(provider memprovider.Provider, buf buffer.TupleBuffer, tupleIndex int) ([]byte, error) {
	v, err := provider.Read(buf, tupleIndex, h.cfg.KeyField)
	if err != nil {
		return nil, err
	}

	return encodeKey(v)
}

// WindowStage is the ExecutablePipelineStage compiled for a windowed
// aggregation operator (spec.md §4.4-§4.6). Each worker pre-aggregates into
// its own local Store (via WorkerContext.Scratch); once the global
// watermark passes a local slice's End, it is finalized and merged into the
// shared WindowOperatorHandler under its mutex, and any window that
// completes as a result is lowered and dispatched downstream.
type WindowStage struct {
	OperatorId ids.OperatorId

	handler *WindowOperatorHandler
}

func (s *WindowStage) Setup(ctx *engine.PipelineExecutionContext) error {
	raw, ok := ctx.GetOperatorHandler(s.OperatorId)
	if !ok {
		return engineerr.New(engineerr.KindConfigError, fmt.Sprintf("no operator handler registered for %s", s.OperatorId))
	}

	h, ok := raw.(*WindowOperatorHandler)
	if !ok {
		return engineerr.New(engineerr.KindConfigError, fmt.Sprintf("operator handler for %s is not a WindowOperatorHandler", s.OperatorId))
	}

	s.handler = h

	return nil
}

func (s *WindowStage) Stop(*engine.PipelineExecutionContext) error { return nil }

// Execute folds buf's records into the calling worker's local slice Store,
// advances the operator's global watermark, merges any slice the watermark
// has finalized into the shared Store, and emits every window that becomes
// complete as a result (spec.md §4.4-§4.6).
func (s *WindowStage) Execute(
	buf buffer.TupleBuffer, worker *engine.WorkerContext, ctx *engine.PipelineExecutionContext,
) (engine.ExecutionResult, error) {
	h := s.handler
	keyed := h.cfg.KeyField >= 0

	local := worker.Scratch(s.OperatorId, func() any {
		st := window.NewStore(h.cfg.Assigner, keyed)
		st.AllowedLateness = h.cfg.AllowedLateness

		return st
	}).(*window.Store) //nolint:forcetypeassert // this worker's scratch entry is only ever populated by this stage's own factory

	pre := window.PreAggregation{
		Store:      local,
		Provider:   h.cfg.Input,
		TsField:    h.cfg.TsField,
		ValueField: h.cfg.ValueField,
		Function:   h.cfg.Function,
	}
	if keyed {
		pre.KeyFn = h.keyFn
	}

	if _, err := pre.Process(buf); err != nil {
		return engine.ExecError, err
	}

	globalWM, err := h.watermarks.UpdateWatermark(buf.OriginId(), buf.SequenceNumber(), buf.Watermark())
	if err != nil {
		return engine.ExecError, err
	}

	// originWM is this buffer's own origin's contiguous watermark, used to
	// credit window completion for that origin specifically (spec.md §4.6
	// "every participating origin has watermark >= end"); globalWM (the min
	// across all origins) only governs local slice eviction, since no
	// origin can still produce a record older than it.
	originWM, _ := h.watermarks.OriginWatermark(buf.OriginId())

	local.AdvanceWatermark(globalWM)
	finalized := local.EvictBefore(globalWM)

	rows, err := h.mergeAndCollect(finalized, buf.OriginId(), globalWM, originWM)
	if err != nil {
		return engine.ExecError, err
	}

	for _, w := range rows {
		if err := h.emit(w, worker, ctx); err != nil {
			return engine.ExecError, err
		}
	}

	return engine.Ok, nil
}

// triggeredWindow pairs a completed window with a stable-ordered snapshot of
// its aggregated rows, copied out while the handler's mutex was held so the
// subsequent buffer dispatch never blocks holding it (spec.md §4.6 "the
// staging-area mutex is only held across pure in-memory moves").
type triggeredWindow struct {
	start, end uint64
	rows       []outputRow
}

type outputRow struct {
	key   []byte // nil for a non-keyed aggregation
	state []byte
}

func (h *WindowOperatorHandler) mergeAndCollect(
	finalized []*window.Slice, origin ids.OriginId, globalWM, originWM uint64,
) ([]triggeredWindow, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, sl := range finalized {
		if err := h.staging.MergeWorkerSlice(sl); err != nil {
			return nil, err
		}
	}

	h.global.AdvanceWatermark(globalWM)

	ready := h.staging.AdvanceOrigin(origin, originWM)
	if len(ready) == 0 {
		return nil, nil
	}

	out := make([]triggeredWindow, 0, len(ready))

	for _, w := range ready {
		rows, err := h.collectLocked(w)
		if err != nil {
			return nil, err
		}

		out = append(out, triggeredWindow{start: w.Start, end: w.End, rows: rows})
	}

	h.staging.EvictCompleted()

	return out, nil
}

func (h *WindowOperatorHandler) collectLocked(w *window.Window) ([]outputRow, error) {
	slices := h.global.SlicesIn(w.Start, w.End)

	if h.cfg.KeyField < 0 {
		return collectNonKeyed(h.cfg.Function, slices)
	}

	return collectKeyed(h.cfg.Function, slices)
}

func collectNonKeyed(fn window.Function, slices []*window.Slice) ([]outputRow, error) {
	if len(slices) == 0 {
		return nil, nil
	}

	state := append([]byte(nil), slices[0].NonKeyed...)

	for _, sl := range slices[1:] {
		if err := window.Merge(fn, state, sl.NonKeyed); err != nil {
			return nil, err
		}
	}

	return []outputRow{{state: state}}, nil
}

func collectKeyed(fn window.Function, slices []*window.Slice) ([]outputRow, error) {
	merged := make(map[string][]byte)
	order := make([]string, 0, 8)

	var foldErr error

	for _, sl := range slices {
		sl.Keyed.Range(func(h2 hashmap.Handle) {
			if foldErr != nil {
				return
			}

			k := string(h2.Key())

			if existing, ok := merged[k]; ok {
				foldErr = window.Merge(fn, existing, h2.Value())

				return
			}

			state := append([]byte(nil), h2.Value()...)
			merged[k] = state
			order = append(order, k)
		})

		if foldErr != nil {
			return nil, foldErr
		}
	}

	sort.Strings(order)

	rows := make([]outputRow, 0, len(order))
	for _, k := range order {
		rows = append(rows, outputRow{key: []byte(k), state: merged[k]})
	}

	return rows, nil
}

// emit lowers rows into one or more output buffers sized to the output
// schema's capacity and dispatches them as chunks of the same logical
// window (spec.md §4.6 step 2, SPEC_FULL.md §C.3 chunking).
func (h *WindowOperatorHandler) emit(w triggeredWindow, worker *engine.WorkerContext, ctx *engine.PipelineExecutionContext) error {
	if len(w.rows) == 0 {
		return nil
	}

	capacity := ctx.Buffers.BufferSize() / h.cfg.Output.Schema().RecordSize()
	if capacity <= 0 {
		return engineerr.New(engineerr.KindConfigError, "window output schema does not fit the configured buffer size")
	}

	var chunk ids.ChunkNumber

	for offset := 0; offset < len(w.rows); offset += capacity {
		end := min(offset+capacity, len(w.rows))
		last := end == len(w.rows)

		buf, err := worker.LocalBuffers.GetBufferBlocking(context.Background())
		if err != nil {
			return engineerr.Wrap(engineerr.KindBufferPoolExhausted, "window operator output buffer", err)
		}

		buf.SetOriginId(h.cfg.OutputOrigin)
		buf.SetWatermark(w.end)

		for i, row := range w.rows[offset:end] {
			if err := h.writeRow(ctx.Buffers, buf, i, w, row); err != nil {
				return err
			}
		}

		buf.SetNumberOfTuples(uint64(end - offset)) //nolint:gosec

		ctx.DispatchChunk(buf, chunk, last)
		chunk = chunk.Next()
	}

	return nil
}

func (h *WindowOperatorHandler) writeRow(
	bm *buffer.Manager, buf buffer.TupleBuffer, tupleIndex int, w triggeredWindow, row outputRow,
) error {
	out := h.cfg.Output

	if err := out.Write(bm, buf, tupleIndex, h.cfg.OutputStartField, memprovider.UInt64Value(w.start)); err != nil {
		return err
	}

	if err := out.Write(bm, buf, tupleIndex, h.cfg.OutputEndField, memprovider.UInt64Value(w.end)); err != nil {
		return err
	}

	if row.key != nil {
		keyType := out.Schema().Fields[h.cfg.OutputKeyField].Type

		keyVal, err := decodeKey(row.key, keyType)
		if err != nil {
			return err
		}

		if err := out.Write(bm, buf, tupleIndex, h.cfg.OutputKeyField, keyVal); err != nil {
			return err
		}
	}

	valueType := out.Schema().Fields[h.cfg.OutputValueField].Type
	valueVal := window.Lower(h.cfg.Function, row.state, valueType)

	return out.Write(bm, buf, tupleIndex, h.cfg.OutputValueField, valueVal)
}
