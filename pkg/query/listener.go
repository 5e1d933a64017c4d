package query

import (
	"github.com/nebulastream/nes/pkg/engine"
	"github.com/nebulastream/nes/pkg/ids"
)

// StatusListener is notified on every query status transition (SPEC_FULL.md
// §C.1 supplemented feature: the core publishes status changes instead of
// requiring callers to poll ExecutableQueryPlan.Status). Implementations
// must not block; OnQueryStatusChange is called from a worker goroutine.
type StatusListener interface {
	OnQueryStatusChange(id ids.QueryId, status engine.QueryStatus, reason string)
}

// NoopListener discards every notification. Used when a QueryManager is
// constructed without an explicit listener.
type NoopListener struct{}

func (NoopListener) OnQueryStatusChange(ids.QueryId, engine.QueryStatus, string) {}
