// Package event implements the Event Emitter (spec C9, §4.9): it flattens
// events from the parser, dispatcher, metadata engine, and context-feed
// manager into one totally ordered stream with monotonic sequence numbers,
// delivered to the consumer over a bounded channel so a slow consumer
// back-pressures the whole pipeline (§5).
package event

import (
	"sync"
	"sync/atomic"
)

// Type enumerates the Segment Event kinds from spec §3.
type Type string

const (
	TypeThoughtChunk       Type = "thought_chunk"
	TypeResponseChunk      Type = "response_chunk"
	TypeActionStart        Type = "action_start"
	TypeActionComplete     Type = "action_complete"
	TypeActionCancelled    Type = "action_cancelled"
	TypeContextFeedUpdate  Type = "context_feed_update"
	TypeMetadataUpdate     Type = "metadata_update"
	TypeSoftError          Type = "soft_error"
	TypeIterationBoundary  Type = "iteration_boundary"
	TypeIterationFatal     Type = "iteration_fatal"
	TypeSessionEnd         Type = "session_end"
)

// Event is one frame of the output stream (spec §6: seq, type, payload).
type Event struct {
	Seq     int64 `json:"seq"`
	Type    Type  `json:"type"`
	Payload any   `json:"payload"`
}

// Payload shapes. These are kept as concrete structs (rather than bare
// maps) so producers can't accidentally emit inconsistent shapes per type.

type ThoughtChunkPayload struct {
	Text string `json:"text"`
}

type ResponseChunkPayload struct {
	Text  string `json:"text"`
	Final bool   `json:"final"`
}

type ActionStartPayload struct {
	ActionID  string `json:"action_id"`
	Kind      string `json:"kind"`
	Mode      string `json:"mode"`
	Name      string `json:"name"`
}

type ActionCompletePayload struct {
	ActionID string `json:"action_id"`
	Status   string `json:"status"`
	Value    any    `json:"value,omitempty"`
	Error    string `json:"error,omitempty"`
}

type ActionCancelledPayload struct {
	ActionID string `json:"action_id"`
	Reason   string `json:"reason"`
}

type ContextFeedUpdatePayload struct {
	FeedID    string `json:"feed_id"`
	Truncated bool   `json:"truncated"`
}

type MetadataUpdatePayload struct {
	Applied map[string]any `json:"applied"`
}

type SoftErrorPayload struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Detail  map[string]any `json:"detail,omitempty"`
}

type IterationBoundaryPayload struct {
	Iteration int `json:"iteration"`
}

type IterationFatalPayload struct {
	Iteration int    `json:"iteration"`
	Reason    string `json:"reason"`
}

type SessionEndPayload struct {
	Reason string `json:"reason"`
}

// Emitter assigns monotonic sequence numbers and fans events out over a
// single bounded channel. Emit blocks once the channel is full, which is
// the mechanism by which a slow consumer back-pressures the parser's reads
// from the LLM stream (§5, "Backpressure").
type Emitter struct {
	seq   atomic.Int64
	ch    chan Event
	once  sync.Once
	highW int
}

// NewEmitter creates an emitter with the given channel buffer size, which
// also doubles as the high-water mark consulted by HighWater().
func NewEmitter(bufferSize int) *Emitter {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	return &Emitter{
		ch:    make(chan Event, bufferSize),
		highW: bufferSize,
	}
}

// Events returns the consumer-facing read channel.
func (e *Emitter) Events() <-chan Event {
	return e.ch
}

// Emit assigns the next sequence number and sends the event, blocking if
// the channel is full. It returns the assigned sequence number.
func (e *Emitter) Emit(typ Type, payload any) int64 {
	seq := e.seq.Add(1)
	e.ch <- Event{Seq: seq, Type: typ, Payload: payload}
	return seq
}

// TryEmit is like Emit but never blocks; it reports whether the event was
// enqueued. Nothing in the engine calls it; producers use the blocking
// Emit.
func (e *Emitter) TryEmit(typ Type, payload any) (int64, bool) {
	seq := e.seq.Add(1)
	select {
	case e.ch <- Event{Seq: seq, Type: typ, Payload: payload}:
		return seq, true
	default:
		return seq, false
	}
}

// HighWater reports whether the channel is at/above its configured
// capacity, i.e. whether the next Emit will block. The iteration
// controller does not consult it: a full channel pauses reading further
// LLM chunks because the parser's blocking Emit waits until the consumer
// drains (§5).
func (e *Emitter) HighWater() bool {
	return len(e.ch) >= e.highW
}

// Close closes the event channel. Safe to call multiple times.
func (e *Emitter) Close() {
	e.once.Do(func() {
		close(e.ch)
	})
}
