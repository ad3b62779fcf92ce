package bridge

import (
	"github.com/graphext/clippi-sub000/api/schemas"
	"github.com/graphext/clippi-sub000/internal/conditions"
	"github.com/graphext/clippi-sub000/internal/events"
	"github.com/graphext/clippi-sub000/internal/guide"
	"github.com/graphext/clippi-sub000/internal/sequencer"
)

// Frame types sent only by the bridge itself.
const (
	FrameAck   = "ack"
	FrameError = "error"
)

// Frame is one outbound websocket message. Type is the event name, or
// FrameAck / FrameError in reply to a command.
type Frame struct {
	Type       string                  `json:"type"`
	Flow       *sequencer.FlowInfo     `json:"flow,omitempty"`
	Step       *sequencer.StepInfo     `json:"step,omitempty"`
	Reason     string                  `json:"reason,omitempty"`
	DurationMS int64                   `json:"duration_ms,omitempty"`
	Target     *schemas.GuidanceTarget `json:"target,omitempty"`
	Result     *conditions.Result      `json:"result,omitempty"`
	Kind       string                  `json:"kind,omitempty"`
	Query      string                  `json:"query,omitempty"`
	From       string                  `json:"from,omitempty"`
	To         string                  `json:"to,omitempty"`
	Count      int                     `json:"count,omitempty"`
	Command    string                  `json:"command,omitempty"`
	Error      string                  `json:"error,omitempty"`
}

// Command types accepted from clients.
const (
	CmdConfirm = "confirm"
	CmdCancel  = "cancel"
	CmdPause   = "pause"
	CmdResume  = "resume"
	CmdGuide   = "guide"
	CmdAsk     = "ask"
)

// Command is one inbound websocket message.
type Command struct {
	Type   string `json:"type"`
	Target string `json:"target,omitempty"`
	Query  string `json:"query,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// broadcastEvents lists what is pushed to every client.
var broadcastEvents = guide.EventNames()

// frameFor converts an engine event payload. Unknown payloads are dropped.
func frameFor(name events.Name, payload any) (Frame, bool) {
	f := Frame{Type: string(name)}
	switch p := payload.(type) {
	case sequencer.FlowEvent:
		f.Flow = &p.Flow
	case sequencer.StepEvent:
		f.Flow, f.Step = &p.Flow, &p.Step
	case sequencer.FlowCompletedEvent:
		f.Flow = &p.Flow
		f.DurationMS = p.Duration.Milliseconds()
	case sequencer.FlowAbandonedEvent:
		f.Flow, f.Step = &p.Flow, &p.Step
		f.Reason = p.Reason
	case sequencer.URLChangedEvent:
		f.Flow = &p.Flow
		f.From, f.To = p.From, p.To
	case guide.BlockedEvent:
		f.Target = p.Target
		f.Result = &p.Result
		f.Reason = p.Result.Reason
	case guide.FallbackEvent:
		f.Kind, f.Query = p.Kind, p.Query
	case guide.ManifestReloadedEvent:
		f.Count = p.Targets
	default:
		return Frame{}, false
	}
	return f, true
}
