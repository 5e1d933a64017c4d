package commands

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/nebulastream/nes/internal/config"
	"github.com/nebulastream/nes/internal/telemetry"
	"github.com/nebulastream/nes/pkg/query"
)

// NewRunCommand runs the demo tumbling-sum query to completion and prints
// the final aggregation results as a table.
func NewRunCommand() *cobra.Command {
	var configPath string
	var timeout time.Duration

	cobraCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the demo streaming query to completion",
		RunE: func(_ *cobra.Command, _ []string) error {
			return runDemo(configPath, timeout)
		},
	}

	cobraCmd.Flags().StringVar(&configPath, "config", "", "Path to engine config file (optional)")
	cobraCmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "Maximum time to wait for the query to finish")

	return cobraCmd
}

func runDemo(configPath string, timeout time.Duration) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	providers, err := telemetry.Init(cfg.Telemetry.ToTelemetryConfig())
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() { _ = providers.Shutdown(context.Background()) }()

	engine, err := buildDemo(cfg, query.NoopListener{})
	if err != nil {
		return fmt.Errorf("build demo query: %w", err)
	}

	if err := engine.runToCompletion(timeout); err != nil {
		return err
	}

	printDemoResults(os.Stdout, engine.sink.rows)

	return nil
}

func printDemoResults(w io.Writer, rows []demoRowOut) {
	tbl := table.NewWriter()
	tbl.SetOutputMirror(w)
	tbl.SetStyle(table.StyleLight)
	tbl.AppendHeader(table.Row{"start", "end", "key", "sum"})

	for _, r := range rows {
		tbl.AppendRow(table.Row{r.start, r.end, r.k, r.sum})
	}

	tbl.AppendFooter(table.Row{"", "", "rows", len(rows)})
	tbl.Render()
}
