package schemas

import "time"

// ProgressKind discriminates ProgressEvent.
type ProgressKind string

const (
	ProgressStatus  ProgressKind = "status"
	ProgressField   ProgressKind = "field"
	ProgressSummary ProgressKind = "summary"
)

// FieldOutcome is the result of attempting one field.
type FieldOutcome string

const (
	OutcomeFilled  FieldOutcome = "filled"
	OutcomeSkipped FieldOutcome = "skipped"
	OutcomeFailed  FieldOutcome = "failed"
)

// PhaseExtracting is the status phase a page driver reports before taking a snapshot.
const PhaseExtracting = "extracting"

// StatusUpdate is a coarse progress notice.
type StatusUpdate struct {
	State   FillingState `json:"state,omitempty"`
	Phase   string       `json:"phase,omitempty"`
	Message string       `json:"message,omitempty"`
	Round   int          `json:"round,omitempty"`
}

// FieldResult reports the outcome of one field.
type FieldResult struct {
	FieldPath string       `json:"fieldPath"`
	Label     string       `json:"label,omitempty"`
	Locator   string       `json:"locator,omitempty"`
	Outcome   FieldOutcome `json:"outcome"`
	Reason    string       `json:"reason,omitempty"`
	Round     int          `json:"round,omitempty"`
}

// FillSummary is the terminal tally of a fill run.
type FillSummary struct {
	Filled  int `json:"filled"`
	Skipped int `json:"skipped"`
	Failed  int `json:"failed"`
	Rounds  int `json:"rounds"`
}

// ProgressEvent is a discriminated progress record. Exactly one of Status, Field or
// Summary is set, matching Kind.
type ProgressEvent struct {
	Kind      ProgressKind  `json:"kind"`
	Status    *StatusUpdate `json:"status,omitempty"`
	Field     *FieldResult  `json:"field,omitempty"`
	Summary   *FillSummary  `json:"summary,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}

// NewStatusEvent builds a status ProgressEvent.
func NewStatusEvent(s StatusUpdate) ProgressEvent {
	return ProgressEvent{Kind: ProgressStatus, Status: &s, Timestamp: time.Now().UTC()}
}

// NewFieldEvent builds a per-field ProgressEvent.
func NewFieldEvent(f FieldResult) ProgressEvent {
	return ProgressEvent{Kind: ProgressField, Field: &f, Timestamp: time.Now().UTC()}
}

// NewSummaryEvent builds a terminal summary ProgressEvent.
func NewSummaryEvent(s FillSummary) ProgressEvent {
	return ProgressEvent{Kind: ProgressSummary, Summary: &s, Timestamp: time.Now().UTC()}
}
