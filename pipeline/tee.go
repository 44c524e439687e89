package pipeline

import (
	"log/slog"
	"sync/atomic"

	"github.com/vidflow/vidflow/media"
	"github.com/vidflow/vidflow/stage"
)

// Tee fans one unit out to an ordered list of targets by reference; no
// copying happens, so targets must be non-mutating readers. Each target
// sees the source's sequence in order, on the producer's goroutine.
type Tee struct {
	stage.Base

	targets []stage.Stage
	units   atomic.Int64
}

// NewTee creates an empty fan-out stage. If log is nil, slog.Default()
// is used.
func NewTee(log *slog.Logger) *Tee {
	return &Tee{Base: stage.NewBase("tee", log)}
}

// AddTarget appends a downstream target. Called during chain
// construction, before the source starts.
func (t *Tee) AddTarget(s stage.Stage) {
	t.targets = append(t.targets, s)
}

// Initialize is immediate: the tee holds no resources.
func (t *Tee) Initialize() error {
	if t.State() == stage.StateCreated {
		t.SetState(stage.StateInitialized)
	}
	return nil
}

// Process hands the same unit to every target in order, holding one
// reference per downstream call.
func (t *Tee) Process(u *media.Unit) {
	for _, target := range t.targets {
		u.Retain()
		target.Process(u)
		u.Release()
	}
	t.units.Add(1)
}

// Stop marks the tee stopped; targets are stopped by the chain owner.
func (t *Tee) Stop() {
	t.SetState(stage.StateStopped)
}
