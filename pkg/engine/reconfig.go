package engine

// ReconfigKind is the closed set of in-band control messages that travel
// through the same task queues as data buffers, so they are observed in
// the correct order relative to it (spec.md §4.10).
type ReconfigKind int

const (
	// Start propagates downstream and triggers Setup on pipelines that
	// have not yet been set up.
	Start ReconfigKind = iota
	// SoftEndOfStream lets the pipeline's queue drain before decrementing
	// the producer count on its successors.
	SoftEndOfStream
	// HardEndOfStream discards any buffered tasks for this pipeline before
	// decrementing the producer count on its successors.
	HardEndOfStream
	// Destroy releases operator state; delivered only after every
	// downstream pipeline has observed termination.
	Destroy
)

func (k ReconfigKind) String() string {
	switch k {
	case Start:
		return "Start"
	case SoftEndOfStream:
		return "SoftEndOfStream"
	case HardEndOfStream:
		return "HardEndOfStream"
	case Destroy:
		return "Destroy"
	default:
		return "Unknown"
	}
}

// ReconfigMessage is one in-band control record (spec.md §4.10,
// SPEC_FULL.md §C.2). Termination is only meaningful for the two
// end-of-stream kinds' interaction with OperatorHandler.Stop.
type ReconfigMessage struct {
	Kind        ReconfigKind
	Termination TerminationType
}
