package pipeline

import "time"

type EventKind string

const (
	EventStarted         EventKind = "pipeline.started"
	EventStopped         EventKind = "pipeline.stopped"
	EventInferenceFailed EventKind = "inference.failed"
	EventSegment         EventKind = "segment.emitted"
)

// Event describes a lifecycle change or the outcome of a pass. Segment is
// set for EventSegment, Err for EventInferenceFailed.
type Event struct {
	Kind    EventKind
	RunID   string
	At      time.Time
	Segment Segment
	Latency time.Duration
	Err     error
}
