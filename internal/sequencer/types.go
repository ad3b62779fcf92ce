package sequencer

import (
	"errors"
	"time"

	"github.com/graphext/clippi-sub000/api/schemas"
	"github.com/graphext/clippi-sub000/internal/actionability"
	"github.com/graphext/clippi-sub000/internal/dom"
	"github.com/graphext/clippi-sub000/internal/events"
)

// ErrInvalidState is returned when an operation is not allowed in the
// current state.
var ErrInvalidState = errors.New("sequencer: operation not allowed in current state")

// State of the flow state machine.
type State string

const (
	Idle      State = "idle"
	Active    State = "active"
	Paused    State = "paused"
	Completed State = "completed"
	Cancelled State = "cancelled"
)

// Events emitted by the Sequencer.
const (
	EventFlowStarted        events.Name = "flowStarted"
	EventBeforeGuide        events.Name = "beforeGuide"
	EventStepCompleted      events.Name = "stepCompleted"
	EventFlowCompleted      events.Name = "flowCompleted"
	EventFlowAbandoned      events.Name = "flowAbandoned"
	EventConfirmationNeeded events.Name = "confirmationNeeded"
	EventURLChanged         events.Name = "urlChanged"
)

// FlowInfo is a snapshot of the live flow.
type FlowInfo struct {
	TargetID    string    `json:"target_id"`
	Label       string    `json:"label"`
	State       State     `json:"state"`
	CurrentStep int       `json:"current_step"`
	TotalSteps  int       `json:"total_steps"`
	StartedAt   time.Time `json:"started_at"`
}

// StepInfo is a snapshot of one step as it was last shown.
type StepInfo struct {
	TargetID    string             `json:"target_id"`
	Index       int                `json:"index"`
	Total       int                `json:"total"`
	Instruction string             `json:"instruction"`
	Action      schemas.StepAction `json:"action,omitempty"`
	Input       string             `json:"input,omitempty"`
	Selector    schemas.Selector   `json:"selector"`
	// Element is nil when the selector did not resolve.
	Element       dom.Element                `json:"-"`
	ElementLabel  string                     `json:"element,omitempty"`
	Strategy      *schemas.SelectorStrategy  `json:"strategy,omitempty"`
	Failed        []schemas.SelectorStrategy `json:"failed,omitempty"`
	Actionability actionability.Result       `json:"actionability"`
	IsFinal       bool                       `json:"is_final"`
}

// Found reports whether the step's element was resolved.
func (s StepInfo) Found() bool { return s.Element != nil }

// FlowEvent is the payload of EventFlowStarted.
type FlowEvent struct {
	Flow FlowInfo
}

// StepEvent is the payload of EventBeforeGuide, EventStepCompleted and
// EventConfirmationNeeded.
type StepEvent struct {
	Flow FlowInfo
	Step StepInfo
}

// FlowCompletedEvent is the payload of EventFlowCompleted.
type FlowCompletedEvent struct {
	Flow     FlowInfo
	Duration time.Duration
}

// FlowAbandonedEvent is the payload of EventFlowAbandoned.
type FlowAbandonedEvent struct {
	Flow   FlowInfo
	Step   StepInfo
	Reason string
}

// URLChangedEvent is the payload of EventURLChanged.
type URLChangedEvent struct {
	Flow FlowInfo
	From string
	To   string
}
