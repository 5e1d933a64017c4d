package commands

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/nebulastream/nes/internal/config"
	"github.com/nebulastream/nes/internal/telemetry"
	"github.com/nebulastream/nes/pkg/engine"
	"github.com/nebulastream/nes/pkg/ids"
)

// statusLineListener prints one colored line per query status transition,
// unlike "run" which stays quiet until the final result. Colors follow
// whether the transition is progressing, terminal-success or terminal-error.
type statusLineListener struct{}

func (statusLineListener) OnQueryStatusChange(id ids.QueryId, status engine.QueryStatus, reason string) {
	line := fmt.Sprintf("query %s -> %s", id, status)
	if reason != "" {
		line += fmt.Sprintf(" (%s)", reason)
	}

	switch status {
	case engine.QueryFinished:
		color.New(color.FgGreen).Fprintln(os.Stdout, line)
	case engine.QueryErrorState, engine.QueryStopped:
		color.New(color.FgRed).Fprintln(os.Stdout, line)
	default:
		color.New(color.FgCyan).Fprintln(os.Stdout, line)
	}
}

// NewStatusCommand runs the demo query while printing every status
// transition live, instead of only the final result "run" shows.
func NewStatusCommand() *cobra.Command {
	var configPath string
	var timeout time.Duration

	cobraCmd := &cobra.Command{
		Use:   "status",
		Short: "Run the demo query, printing live status transitions",
		RunE: func(_ *cobra.Command, _ []string) error {
			return runDemoWithStatus(configPath, timeout)
		},
	}

	cobraCmd.Flags().StringVar(&configPath, "config", "", "Path to engine config file (optional)")
	cobraCmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "Maximum time to wait for the query to finish")

	return cobraCmd
}

func runDemoWithStatus(configPath string, timeout time.Duration) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	providers, err := telemetry.Init(cfg.Telemetry.ToTelemetryConfig())
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() { _ = providers.Shutdown(context.Background()) }()

	demoEngine, err := buildDemo(cfg, statusLineListener{})
	if err != nil {
		return fmt.Errorf("build demo query: %w", err)
	}

	return demoEngine.runToCompletion(timeout)
}
