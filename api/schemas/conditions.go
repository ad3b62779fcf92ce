package schemas

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// -- Success Condition Schemas --

// ConditionKey names one sub-condition of a SuccessCondition.
type ConditionKey string

const (
	KeyURLContains ConditionKey = "url_contains"
	KeyURLMatches  ConditionKey = "url_matches"
	KeyVisible     ConditionKey = "visible"
	KeyExists      ConditionKey = "exists"
	KeyAttribute   ConditionKey = "attribute"
	KeyValue       ConditionKey = "value"
	KeyClick       ConditionKey = "click"
)

// AttributeCondition holds when the element matched by Selector carries
// attribute Name, equal to Value when Value is set.
type AttributeCondition struct {
	Selector string  `json:"selector"`
	Name     string  `json:"name"`
	Value    *string `json:"value,omitempty"`
}

// ValueCondition checks the form value of the element matched by Selector.
// Exactly one of Equals, Contains or NotEmpty is expected.
type ValueCondition struct {
	Selector string  `json:"selector"`
	Equals   *string `json:"equals,omitempty"`
	Contains *string `json:"contains,omitempty"`
	NotEmpty bool    `json:"not_empty,omitempty"`
}

// HasOperator reports whether any comparison is configured.
func (v *ValueCondition) HasOperator() bool {
	return v.Equals != nil || v.Contains != nil || v.NotEmpty
}

// ClickCondition is either a boolean (the step's own element must be clicked)
// or a CSS selector naming the element that must be clicked.
type ClickCondition struct {
	Enabled  bool
	Selector string
}

// Active reports whether the condition asks for a click at all.
func (c *ClickCondition) Active() bool {
	return c != nil && (c.Enabled || c.Selector != "")
}

// MarshalJSON encodes the condition as a bool or a selector string.
func (c ClickCondition) MarshalJSON() ([]byte, error) {
	if c.Selector != "" {
		return json.Marshal(c.Selector)
	}
	return json.Marshal(c.Enabled)
}

// UnmarshalJSON accepts `true`, `false` or a selector string.
func (c *ClickCondition) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var sel string
		if err := json.Unmarshal(data, &sel); err != nil {
			return err
		}
		*c = ClickCondition{Enabled: sel != "", Selector: sel}
		return nil
	}
	var b bool
	if err := json.Unmarshal(data, &b); err != nil {
		return fmt.Errorf("click condition must be a boolean or a selector string: %w", err)
	}
	*c = ClickCondition{Enabled: b}
	return nil
}

// SuccessCondition is a declarative predicate over page state. All present
// keys must hold. A condition with no keys is always satisfied.
type SuccessCondition struct {
	URLContains *string             `json:"url_contains,omitempty"`
	URLMatches  *string             `json:"url_matches,omitempty"`
	Visible     *string             `json:"visible,omitempty"`
	Exists      *string             `json:"exists,omitempty"`
	Attribute   *AttributeCondition `json:"attribute,omitempty"`
	Value       *ValueCondition     `json:"value,omitempty"`
	Click       *ClickCondition     `json:"click,omitempty"`
}

// Keys lists the sub-conditions that are present, in a stable order.
func (c *SuccessCondition) Keys() []ConditionKey {
	if c == nil {
		return nil
	}
	var keys []ConditionKey
	if c.URLContains != nil {
		keys = append(keys, KeyURLContains)
	}
	if c.URLMatches != nil {
		keys = append(keys, KeyURLMatches)
	}
	if c.Visible != nil {
		keys = append(keys, KeyVisible)
	}
	if c.Exists != nil {
		keys = append(keys, KeyExists)
	}
	if c.Attribute != nil {
		keys = append(keys, KeyAttribute)
	}
	if c.Value != nil {
		keys = append(keys, KeyValue)
	}
	if c.Click.Active() {
		keys = append(keys, KeyClick)
	}
	return keys
}

// IsEmpty reports whether no sub-condition is present.
func (c *SuccessCondition) IsEmpty() bool { return len(c.Keys()) == 0 }

// HasClick reports whether a click sub-condition is present.
func (c *SuccessCondition) HasClick() bool { return c != nil && c.Click.Active() }

// IsClickOnly reports whether click is the only sub-condition. Such a
// condition can only be satisfied by an observed click event.
func (c *SuccessCondition) IsClickOnly() bool {
	keys := c.Keys()
	return len(keys) == 1 && keys[0] == KeyClick
}

// WithoutClick returns a copy of the condition with the click key removed.
func (c *SuccessCondition) WithoutClick() *SuccessCondition {
	if c == nil {
		return nil
	}
	cp := *c
	cp.Click = nil
	return &cp
}
