package telemetry

import (
	"log/slog"
	"strconv"
	"strings"
)

// Config parameterizes Init (spec.md ambient stack: the engine is always
// observable, independent of which features a deployment exercises).
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string

	// OTLPEndpoint, when set, enables OTLP export of both traces and
	// metrics (in addition to the always-on local Prometheus exporter).
	// Empty disables tracing export entirely (a noop tracer is installed).
	OTLPEndpoint string
	OTLPInsecure bool
	OTLPHeaders  map[string]string
	SampleRatio  float64

	LogJSON  bool
	LogLevel slog.Level

	ShutdownTimeoutSec int
}

const defaultShutdownTimeoutSec = 5

func (c Config) withDefaults() Config {
	if c.ServiceName == "" {
		c.ServiceName = "nebulastream"
	}

	if c.ShutdownTimeoutSec <= 0 {
		c.ShutdownTimeoutSec = defaultShutdownTimeoutSec
	}

	return c
}

// ParseOTLPHeaders parses an OTLP headers string in "key=value,key=value"
// format, as accepted by the OTEL_EXPORTER_OTLP_HEADERS convention. Returns
// nil for empty or invalid input.
func ParseOTLPHeaders(raw string) map[string]string {
	if raw == "" {
		return nil
	}

	result := make(map[string]string)

	for pair := range strings.SplitSeq(raw, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok {
			continue
		}

		result[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}

	if len(result) == 0 {
		return nil
	}

	return result
}

func parseRatio(s string) float64 {
	if s == "" {
		return 1.0
	}

	ratio, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 1.0
	}

	return ratio
}
