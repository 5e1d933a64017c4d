// Package ids defines the strongly typed identifiers threaded through the
// engine. Each is a thin wrapper over uint64; none support arithmetic except
// SequenceNumber and ChunkNumber, which support +1.
package ids

import "fmt"

// QueryId identifies one deployed query.
type QueryId uint64

func (id QueryId) String() string { return fmt.Sprintf("query#%d", uint64(id)) }

// OriginId identifies the logical source of a record stream.
type OriginId uint64

func (id OriginId) String() string { return fmt.Sprintf("origin#%d", uint64(id)) }

// WorkerId identifies a worker thread within the engine's pool.
type WorkerId uint64

func (id WorkerId) String() string { return fmt.Sprintf("worker#%d", uint64(id)) }

// OperatorId identifies an operator handler within a pipeline.
type OperatorId uint64

func (id OperatorId) String() string { return fmt.Sprintf("operator#%d", uint64(id)) }

// PipelineId identifies one ExecutablePipeline within a query plan.
type PipelineId uint64

func (id PipelineId) String() string { return fmt.Sprintf("pipeline#%d", uint64(id)) }

// SequenceNumber is a per-origin contiguous counter attached to every buffer
// emitted from that origin. It and ChunkNumber are the only identifier types
// that support increment.
type SequenceNumber uint64

// Next returns the following sequence number.
func (s SequenceNumber) Next() SequenceNumber { return s + 1 }

func (s SequenceNumber) String() string { return fmt.Sprintf("seq#%d", uint64(s)) }

// ChunkNumber sub-identifies buffers produced when one upstream buffer
// fans out into multiple downstream buffers.
type ChunkNumber uint64

// Next returns the following chunk number.
func (c ChunkNumber) Next() ChunkNumber { return c + 1 }

func (c ChunkNumber) String() string { return fmt.Sprintf("chunk#%d", uint64(c)) }

// InvalidOriginId is the zero value sentinel for an unset OriginId.
const InvalidOriginId OriginId = 0

// FirstSequenceNumber is the sequence number every origin must begin at.
const FirstSequenceNumber SequenceNumber = 0
