package query

import (
	"log/slog"

	"github.com/nebulastream/nes/pkg/buffer"
)

// Config parameterizes one QueryManager instance (spec.md §5).
type Config struct {
	// Workers is the fixed size of the worker pool shared by every deployed
	// query (spec.md §5 "a fixed pool of worker threads pulls runnable
	// pipelines").
	Workers int

	// Buffers is the global BufferManager handed to every WorkerContext.
	Buffers *buffer.Manager

	// WorkerLocalPoolCapacity sizes each worker's thread-local buffer
	// sub-pool (spec.md §4.1).
	WorkerLocalPoolCapacity int

	// Listener receives query status transitions. Defaults to NoopListener.
	Listener StatusListener

	// Logger receives structured diagnostics. Defaults to slog.Default().
	Logger *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 1
	}

	if c.WorkerLocalPoolCapacity <= 0 {
		c.WorkerLocalPoolCapacity = 4
	}

	if c.Listener == nil {
		c.Listener = NoopListener{}
	}

	if c.Logger == nil {
		c.Logger = slog.Default()
	}

	return c
}
