package query

import (
	"github.com/nebulastream/nes/pkg/buffer"
	"github.com/nebulastream/nes/pkg/engine"
)

// task is one unit of work routed through a pipeline's queue: either a data
// buffer to Execute or a reconfiguration message, never both (spec.md §4.10
// "reconfiguration messages travel through the same queues as data, so they
// are observed in order relative to it").
type task struct {
	buf      buffer.TupleBuffer
	reconfig *engine.ReconfigMessage
}

func dataTask(buf buffer.TupleBuffer) task { return task{buf: buf} }

func reconfigTask(msg engine.ReconfigMessage) task { return task{reconfig: &msg} }
