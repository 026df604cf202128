package schemas

import "time"

// FieldOption is one enumerated choice of a select or radio group.
type FieldOption struct {
	Value    string `json:"value"`
	Label    string `json:"label"`
	Selected bool   `json:"selected,omitempty"`
}

// FieldDescriptor describes one fillable control found in the page.
type FieldDescriptor struct {
	Index       int           `json:"index"`
	Tag         string        `json:"tag"`
	InputType   string        `json:"inputType,omitempty"`
	ID          string        `json:"id,omitempty"`
	Name        string        `json:"name,omitempty"`
	Role        string        `json:"role,omitempty"`
	Placeholder string        `json:"placeholder,omitempty"`
	Label       string        `json:"label,omitempty"`
	Options     []FieldOption `json:"options,omitempty"`
	Locator     string        `json:"locator"`
	Value       string        `json:"value,omitempty"`
	Checked     bool          `json:"checked,omitempty"`
	Visible     bool          `json:"visible"`
	Disabled    bool          `json:"disabled,omitempty"`
}

// DOMSnapshot is the per-round page capture sent to the mapping service. It is never
// persisted past a single mapping round.
type DOMSnapshot struct {
	URL             string            `json:"url"`
	Title           string            `json:"title"`
	Fields          []FieldDescriptor `json:"fields"`
	Markup          string            `json:"markup"`
	MarkupTruncated bool              `json:"markupTruncated,omitempty"`
	CapturedAt      time.Time         `json:"capturedAt"`
}
