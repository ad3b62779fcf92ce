package guide

import (
	"errors"

	"github.com/graphext/clippi-sub000/api/schemas"
	"github.com/graphext/clippi-sub000/internal/conditions"
	"github.com/graphext/clippi-sub000/internal/events"
	"github.com/graphext/clippi-sub000/internal/sequencer"
)

var (
	// ErrNotInitialized is returned by every operation before Init.
	ErrNotInitialized = errors.New("guide: engine not initialized")
	// ErrAlreadyInitialized is returned by a second Init.
	ErrAlreadyInitialized = errors.New("guide: engine already initialized")
	// ErrStartInProgress is returned when Guide or Ask overlaps another start.
	ErrStartInProgress = errors.New("guide: another flow is starting")
)

// Events emitted by the Engine on top of the forwarded sequencer events.
const (
	EventBlocked          events.Name = "blocked"
	EventFallback         events.Name = "fallback"
	EventManifestReloaded events.Name = "manifestReloaded"
)

// Fallback kinds.
const (
	FallbackUnknownTarget = "unknown_target"
	FallbackNoMatch       = "no_match"
)

// ReasonManifestReloaded is the abandon reason used when a reload removes the
// target of the running flow.
const ReasonManifestReloaded = "manifest_reloaded"

// BlockedEvent is emitted when a target's access conditions do not hold.
type BlockedEvent struct {
	Target *schemas.GuidanceTarget `json:"target"`
	Result conditions.Result       `json:"result"`
}

// FallbackEvent is emitted when a request cannot be mapped to a target.
type FallbackEvent struct {
	Kind  string `json:"kind"`
	Query string `json:"query"`
}

// ManifestReloadedEvent is emitted after Reload swaps the manifest.
type ManifestReloadedEvent struct {
	Targets int `json:"targets"`
}

// Snapshot is a consistent view of the engine taken on the loop.
type Snapshot struct {
	State sequencer.State     `json:"state"`
	Flow  *sequencer.FlowInfo `json:"flow,omitempty"`
	Step  *sequencer.StepInfo `json:"step,omitempty"`
}

var forwarded = []events.Name{
	sequencer.EventFlowStarted,
	sequencer.EventBeforeGuide,
	sequencer.EventStepCompleted,
	sequencer.EventFlowCompleted,
	sequencer.EventFlowAbandoned,
	sequencer.EventConfirmationNeeded,
	sequencer.EventURLChanged,
}

// EventNames lists every event an Engine emits.
func EventNames() []events.Name {
	names := make([]events.Name, 0, len(forwarded)+3)
	names = append(names, forwarded...)
	return append(names, EventBlocked, EventFallback, EventManifestReloaded)
}
