package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/nebulastream/nes/pkg/version"
)

// NewVersionCommand reports the engine binary's build version.
func NewVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Fprintf(os.Stdout, "nes %s (commit: %s, built: %s)\n", version.Version, version.Commit, version.Date)
		},
	}
}
