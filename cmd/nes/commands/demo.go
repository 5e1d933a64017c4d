// Package commands implements the nes CLI's command handlers: a demo
// tumbling-sum query (spec.md §8 scenario 1) wired end to end through
// pkg/buffer, pkg/operators and pkg/query, plus status and version
// reporting.
//
// Grounded on codefang's cmd/codefang/commands package shape; see
// DESIGN.md.
package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/nebulastream/nes/internal/config"
	"github.com/nebulastream/nes/pkg/buffer"
	"github.com/nebulastream/nes/pkg/engine"
	"github.com/nebulastream/nes/pkg/ids"
	"github.com/nebulastream/nes/pkg/memprovider"
	"github.com/nebulastream/nes/pkg/operators"
	"github.com/nebulastream/nes/pkg/query"
	"github.com/nebulastream/nes/pkg/schema"
	"github.com/nebulastream/nes/pkg/window"
)

// demoOrigin is the single source origin the demo query reads from.
const demoOrigin = ids.OriginId(1)

// demoRow is one input tuple of spec.md §8 scenario 1 ("Tumbling sum,
// single source, ordered input"), paired with the watermark the source
// reports alongside it.
type demoRow struct {
	ts        uint64
	k         int64
	v         int64
	watermark uint64
}

// demoInput reproduces the scenario 1 input and watermark sequence
// verbatim: (1,0,1),(2,0,2),(3,1,5),(11,0,4) with watermarks 1,2,3,11. A
// trailing empty, watermark-only buffer at 20 flushes the second window
// ([10,20)) the same way TestWindowStageTumblingSumGroupByKey's buf3 does,
// since nothing downstream of ts=11 ever raises the watermark that far on
// its own.
var demoInput = []demoRow{
	{ts: 1, k: 0, v: 1, watermark: 1},
	{ts: 2, k: 0, v: 2, watermark: 2},
	{ts: 3, k: 1, v: 5, watermark: 3},
	{ts: 11, k: 0, v: 4, watermark: 11},
}

const demoFlushWatermark = 20

func demoInputSchema() *schema.Schema {
	return schema.New(schema.Row,
		schema.Field{Name: "ts", Type: schema.UInt64},
		schema.Field{Name: "k", Type: schema.Int64},
		schema.Field{Name: "v", Type: schema.Int64},
	)
}

func demoOutputSchema() *schema.Schema {
	return schema.New(schema.Row,
		schema.Field{Name: "start", Type: schema.UInt64},
		schema.Field{Name: "end", Type: schema.UInt64},
		schema.Field{Name: "k", Type: schema.Int64},
		schema.Field{Name: "sum", Type: schema.Int64},
	)
}

// demoSource replays demoInput on its own goroutine, tagging every buffer
// with the contiguous per-origin sequence number spec.md §6 requires the
// source itself to assign.
type demoSource struct {
	qm     *query.QueryManager
	target *engine.ExecutablePipeline
	bm     *buffer.Manager
	input  memprovider.Provider
}

func (s *demoSource) OriginId() ids.OriginId { return demoOrigin }

func (s *demoSource) Start() error {
	seq := ids.FirstSequenceNumber

	for _, row := range demoInput {
		buf, err := s.bm.GetBufferBlocking(context.Background())
		if err != nil {
			return fmt.Errorf("demo source: acquire buffer: %w", err)
		}

		if err := s.input.Write(s.bm, buf, 0, 0, memprovider.UInt64Value(row.ts)); err != nil {
			return err
		}

		if err := s.input.Write(s.bm, buf, 0, 1, memprovider.Int64Value(row.k)); err != nil {
			return err
		}

		if err := s.input.Write(s.bm, buf, 0, 2, memprovider.Int64Value(row.v)); err != nil {
			return err
		}

		buf.SetNumberOfTuples(1)
		buf.SetOriginId(demoOrigin)
		buf.SetSequenceNumber(seq)
		buf.SetWatermark(row.watermark)
		seq = seq.Next()

		s.qm.SubmitBuffer(s.target, buf)
	}

	flush, err := s.bm.GetBufferBlocking(context.Background())
	if err != nil {
		return fmt.Errorf("demo source: acquire flush buffer: %w", err)
	}

	flush.SetOriginId(demoOrigin)
	flush.SetSequenceNumber(seq)
	flush.SetWatermark(demoFlushWatermark)
	s.qm.SubmitBuffer(s.target, flush)

	s.qm.DispatchReconfig(s.target, engine.ReconfigMessage{Kind: engine.SoftEndOfStream})

	return nil
}

func (*demoSource) Stop(engine.TerminationType) error { return nil }

// demoRowOut is one emitted aggregation result, decoded from the sink's
// captured output buffers for display by the run/status commands.
type demoRowOut struct {
	start, end uint64
	k, sum     int64
}

// demoSink captures every written buffer's rows. WriteData must tolerate
// concurrent calls from any worker thread (spec.md §6); all state is
// behind its own channel-free, caller-synchronized access since at most one
// terminal pipeline worker writes to it at a time in this single-query demo.
type demoSink struct {
	output memprovider.Provider
	rows   []demoRowOut
}

func (s *demoSink) Setup() error { return nil }

func (s *demoSink) WriteData(buf buffer.TupleBuffer, _ ids.WorkerId) error {
	for i := range int(buf.NumberOfTuples()) { //nolint:gosec // demo capacity is tiny
		start, err := s.output.Read(buf, i, 0)
		if err != nil {
			return err
		}

		end, err := s.output.Read(buf, i, 1)
		if err != nil {
			return err
		}

		k, err := s.output.Read(buf, i, 2)
		if err != nil {
			return err
		}

		sum, err := s.output.Read(buf, i, 3)
		if err != nil {
			return err
		}

		s.rows = append(s.rows, demoRowOut{start: start.UInt64(), end: end.UInt64(), k: k.Int64(), sum: sum.Int64()})
	}

	return buf.Release()
}

func (*demoSink) Shutdown() error { return nil }

// demoEngine bundles everything buildDemo wires together so run/status can
// deploy, start, wait, and inspect the result without repeating the wiring.
type demoEngine struct {
	qm   *query.QueryManager
	plan *engine.ExecutableQueryPlan
	sink *demoSink
}

// buildDemo wires the scenario 1 tumbling-sum query end to end: a
// demoSource feeding a WindowStage pipeline whose output dispatches into a
// SinkStage pipeline backed by a demoSink (spec.md §2 data flow, §4.3-§4.6).
func buildDemo(cfg *config.Config, listener query.StatusListener) (*demoEngine, error) {
	bm, err := buffer.NewManager(buffer.Config{
		BufferSize:      cfg.Engine.BufferSize,
		NumberOfBuffers: cfg.Engine.NumberOfBuffers,
	})
	if err != nil {
		return nil, fmt.Errorf("build buffer manager: %w", err)
	}

	qm := query.NewQueryManager(query.Config{
		Workers:                 cfg.Engine.Workers,
		Buffers:                 bm,
		WorkerLocalPoolCapacity: cfg.Engine.WorkerLocalPoolCapacity,
		Listener:                listener,
	})
	qm.Start()

	input := memprovider.New(demoInputSchema())
	output := memprovider.New(demoOutputSchema())

	windowCfg := operators.WindowConfig{
		Input:            input,
		TsField:          0,
		KeyField:         1,
		ValueField:       2,
		Function:         window.Sum,
		Assigner:         window.Assigner{Size: 10, Slide: 10},
		Participating:    []ids.OriginId{demoOrigin},
		Output:           output,
		OutputOrigin:     ids.OriginId(100),
		OutputStartField: 0,
		OutputEndField:   1,
		OutputKeyField:   2,
		OutputValueField: 3,
	}

	handler, err := operators.NewWindowOperatorHandler(windowCfg)
	if err != nil {
		return nil, fmt.Errorf("build window operator handler: %w", err)
	}

	const windowOperatorID = ids.OperatorId(1)

	windowCtx := engine.NewPipelineExecutionContext(1, 1, bm, qm)
	windowCtx.RegisterOperatorHandler(windowOperatorID, handler)
	windowPipeline := engine.NewExecutablePipeline(1, &operators.WindowStage{OperatorId: windowOperatorID}, windowCtx)

	sink := &demoSink{output: output}
	sinkCtx := engine.NewPipelineExecutionContext(1, 2, bm, qm)
	sinkPipeline := engine.NewExecutablePipeline(2, &operators.SinkStage{Sink: sink}, sinkCtx)

	windowPipeline.SetSuccessors([]*engine.ExecutablePipeline{sinkPipeline})

	plan := engine.NewExecutableQueryPlan(1,
		nil,
		[]*engine.ExecutablePipeline{windowPipeline, sinkPipeline},
		[]engine.DataSink{sink},
	)

	source := &demoSource{qm: qm, target: windowPipeline, bm: bm, input: input}
	plan.Sources = []engine.DataSource{source}

	if err := qm.Deploy(plan, map[ids.OriginId]*engine.ExecutablePipeline{demoOrigin: windowPipeline}); err != nil {
		return nil, fmt.Errorf("deploy demo plan: %w", err)
	}

	return &demoEngine{qm: qm, plan: plan, sink: sink}, nil
}

// runToCompletion starts the demo query and blocks until the plan reaches a
// terminal status or timeout elapses.
func (d *demoEngine) runToCompletion(timeout time.Duration) error {
	if err := d.qm.StartQuery(d.plan.QueryId); err != nil {
		return fmt.Errorf("start demo query: %w", err)
	}

	deadline := time.Now().Add(timeout)
	for !d.plan.Status().Terminal() {
		if time.Now().After(deadline) {
			return fmt.Errorf("demo query did not reach a terminal status within %s: last status %s", timeout, d.plan.Status())
		}

		time.Sleep(time.Millisecond)
	}

	return d.qm.Shutdown()
}
