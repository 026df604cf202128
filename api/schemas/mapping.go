package schemas

import "encoding/json"

// InteractionKind is the interaction strategy the mapping service proposes for a field.
type InteractionKind string

const (
	KindText          InteractionKind = "text"
	KindDate          InteractionKind = "date"
	KindSelect        InteractionKind = "select"
	KindRadio         InteractionKind = "radio"
	KindCheckbox      InteractionKind = "checkbox"
	KindClickElement  InteractionKind = "click-element"
	KindClickSequence InteractionKind = "click-sequence"
)

// IsChoice reports whether the kind selects one of several options.
func (k InteractionKind) IsChoice() bool {
	return k == KindRadio || k == KindSelect
}

// InteractionStep is one click of a multi-step interaction.
type InteractionStep struct {
	Locator     string `json:"locator"`
	DelayMs     int    `json:"delayMs,omitempty"`
	Description string `json:"description,omitempty"`
}

// FieldMapping is the mapping service's proposal for one field.
type FieldMapping struct {
	Locator      string            `json:"locator"`
	Value        interface{}       `json:"value"`
	DisplayValue string            `json:"displayValue,omitempty"`
	FieldPath    string            `json:"fieldPath"`
	Label        string            `json:"label,omitempty"`
	Kind         InteractionKind   `json:"kind"`
	Confidence   float64           `json:"confidence"`
	Steps        []InteractionStep `json:"steps,omitempty"`
}

// SemanticValue renders the raw value as text.
func (m FieldMapping) SemanticValue() string {
	return stringify(m.Value)
}

// MappingRequest is the body posted to the mapping service.
type MappingRequest struct {
	FormCode    string                 `json:"formCode"`
	FieldSchema json.RawMessage        `json:"fieldSchema,omitempty"`
	FormData    map[string]interface{} `json:"formData"`
	Snapshot    *DOMSnapshot           `json:"snapshot"`
}

// MappingResponse is the mapping service's reply.
type MappingResponse struct {
	Mappings []FieldMapping `json:"mappings"`
}
