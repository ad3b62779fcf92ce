package schemas

// SchemaURL identifies version 1 of the manifest format.
const SchemaURL = "https://clippi.net/schema/manifest.v1.json"

// DefaultTimeoutMS is the manifest-level default for the confirmation timeout.
const DefaultTimeoutMS = 10000

// -- Selector Schemas --

// StrategyKind names how a SelectorStrategy locates an element.
type StrategyKind string

const (
	StrategyTestID StrategyKind = "testId"
	StrategyAria   StrategyKind = "aria"
	StrategyCSS    StrategyKind = "css"
	StrategyText   StrategyKind = "text"
)

// Valid reports whether k is one of the known strategy kinds.
func (k StrategyKind) Valid() bool {
	switch k {
	case StrategyTestID, StrategyAria, StrategyCSS, StrategyText:
		return true
	}
	return false
}

// SelectorStrategy is a single way of finding an element.
type SelectorStrategy struct {
	Type  StrategyKind `json:"type"`
	Value string       `json:"value"`
	// Tag restricts a text strategy to elements with this tag name.
	Tag string `json:"tag,omitempty"`
}

// Selector is an ordered list of fallback strategies. Order encodes priority.
type Selector struct {
	Strategies []SelectorStrategy `json:"strategies"`
}

// IsEmpty reports whether the selector has no strategies.
func (s Selector) IsEmpty() bool { return len(s.Strategies) == 0 }

// CSS returns the value of the first css strategy, if any.
func (s Selector) CSS() (string, bool) {
	for _, st := range s.Strategies {
		if st.Type == StrategyCSS {
			return st.Value, true
		}
	}
	return "", false
}

// String renders the selector compactly for logs.
func (s Selector) String() string {
	out := ""
	for i, st := range s.Strategies {
		if i > 0 {
			out += " | "
		}
		out += string(st.Type) + "=" + st.Value
		if st.Tag != "" {
			out += "<" + st.Tag + ">"
		}
	}
	return out
}

// -- Path Schemas --

// StepAction is the user action a step asks for. The engine never performs it.
type StepAction string

const (
	StepClick  StepAction = "click"
	StepType   StepAction = "type"
	StepSelect StepAction = "select"
	StepClear  StepAction = "clear"
)

// Valid reports whether a is a known action. The empty action means click.
func (a StepAction) Valid() bool {
	switch a {
	case "", StepClick, StepType, StepSelect, StepClear:
		return true
	}
	return false
}

// PathStep is one element interaction within a target's path.
type PathStep struct {
	Selector         Selector          `json:"selector"`
	Instruction      string            `json:"instruction"`
	Action           StepAction        `json:"action,omitempty"`
	Input            string            `json:"input,omitempty"`
	SuccessCondition *SuccessCondition `json:"success_condition,omitempty"`
	// Final is informational. The last step of a path is always the final one.
	Final bool `json:"final,omitempty"`
}

// OnBlocked describes what to tell the user when access conditions fail.
type OnBlocked struct {
	Message string `json:"message"`
	Suggest string `json:"suggest,omitempty"`
}

// GuidanceTarget is a named, guidable destination in the application.
type GuidanceTarget struct {
	ID          string     `json:"id"`
	Selector    Selector   `json:"selector"`
	Label       string     `json:"label"`
	Description string     `json:"description"`
	Keywords    []string   `json:"keywords,omitempty"`
	Category    string     `json:"category,omitempty"`
	Path        []PathStep `json:"path,omitempty"`
	Conditions  string     `json:"conditions,omitempty"`
	OnBlocked   *OnBlocked `json:"on_blocked,omitempty"`
}

// Steps returns the explicit path, or a single synthetic step that completes
// when the user clicks the target itself.
func (t *GuidanceTarget) Steps() []PathStep {
	if len(t.Path) > 0 {
		return t.Path
	}
	return []PathStep{{
		Selector:         t.Selector,
		Instruction:      t.Label,
		Action:           StepClick,
		SuccessCondition: &SuccessCondition{Click: &ClickCondition{Enabled: true}},
		Final:            true,
	}}
}

// -- Manifest Schemas --

// ManifestMeta carries provenance information about a manifest.
type ManifestMeta struct {
	AppName     string `json:"app_name"`
	GeneratedAt string `json:"generated_at"`
	Generator   string `json:"generator,omitempty"`
	Version     string `json:"version,omitempty"`
}

// ManifestDefaults holds manifest-wide defaults.
type ManifestDefaults struct {
	TimeoutMS int `json:"timeout_ms"`
}

// Manifest is the complete set of guidable targets for an application.
type Manifest struct {
	Schema   string           `json:"$schema,omitempty"`
	Meta     ManifestMeta     `json:"meta"`
	Defaults ManifestDefaults `json:"defaults"`
	Targets  []GuidanceTarget `json:"targets"`
}

// Target looks up a target by id.
func (m *Manifest) Target(id string) (*GuidanceTarget, bool) {
	if m == nil {
		return nil, false
	}
	for i := range m.Targets {
		if m.Targets[i].ID == id {
			return &m.Targets[i], true
		}
	}
	return nil, false
}
