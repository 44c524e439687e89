// Package stage defines the uniform contract every pipeline node
// implements and the latency classes that parameterize buffering.
package stage

import (
	"log/slog"
	"sync/atomic"

	"github.com/vidflow/vidflow/media"
)

// LatencyClass selects the probing and queue-depth profile of a chain.
type LatencyClass int

const (
	LatencyUltraLow LatencyClass = iota // minimal buffering, may glitch
	LatencyLow                          // balanced
	LatencyStandard                     // favors quality and stability
)

// String returns the class name used in logs and on the command line.
func (l LatencyClass) String() string {
	switch l {
	case LatencyUltraLow:
		return "ultralow"
	case LatencyLow:
		return "low"
	case LatencyStandard:
		return "standard"
	default:
		return "unknown"
	}
}

// State tracks a stage through its lifecycle.
type State int32

const (
	StateCreated State = iota
	StateInitialized
	StateRunning
	StateStopped
)

// Stage is one node of a pipeline. Initialize acquires resources and is
// the only transition allowed to fail; a failed Initialize leaves the
// stage in Created with its resources released. Start is meaningful only
// for source stages. Process never propagates an error upstream: a stage
// handles its own failures, logging and dropping the unit. Stop is
// idempotent and safe from any state, including while late Process calls
// from an upstream producer are still arriving.
type Stage interface {
	Initialize() error
	Start()
	Process(u *media.Unit)
	Stop()
	SetNext(next Stage)
	SetLatency(l LatencyClass)
	Name() string
}

// Base carries the fields shared by every stage: the successor pointer
// (wired by the pipeline after initialization, never owned by the
// stage), the latency class, lifecycle state, and a component logger.
// Embedding Base provides the default no-op Start.
type Base struct {
	name    string
	next    Stage
	latency LatencyClass
	state   atomic.Int32
	Log     *slog.Logger
}

// NewBase creates the embedded core for a stage with the given component
// name. If log is nil, slog.Default() is used.
func NewBase(name string, log *slog.Logger) Base {
	if log == nil {
		log = slog.Default()
	}
	return Base{
		name:    name,
		latency: LatencyLow,
		Log:     log.With("component", name),
	}
}

// Name returns the stage's component name.
func (b *Base) Name() string { return b.name }

// Start is a no-op; source stages override it to spawn their producer.
func (b *Base) Start() {}

// SetNext wires the downstream stage. Called by the pipeline builder
// before the source starts; the pointer is not read before then.
func (b *Base) SetNext(next Stage) { b.next = next }

// Forward hands a unit to the successor, retaining it for the duration
// of the downstream call. No-op when the stage is the end of the chain.
func (b *Base) Forward(u *media.Unit) {
	if b.next == nil {
		return
	}
	u.Retain()
	b.next.Process(u)
	u.Release()
}

// SetLatency tags the stage with a latency class. Must be called before
// Initialize; stages read it when sizing queues and probe windows.
func (b *Base) SetLatency(l LatencyClass) { b.latency = l }

// Latency returns the stage's latency class.
func (b *Base) Latency() LatencyClass { return b.latency }

// State returns the current lifecycle state.
func (b *Base) State() State { return State(b.state.Load()) }

// SetState records a lifecycle transition.
func (b *Base) SetState(s State) { b.state.Store(int32(s)) }

// CompareState transitions from one state to another atomically,
// reporting whether the swap happened. Used by source Start
// implementations so a source starts at most once.
func (b *Base) CompareState(from, to State) bool {
	return b.state.CompareAndSwap(int32(from), int32(to))
}
