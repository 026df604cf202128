package schemas

import "time"

// SessionState is the orchestrator's durable record. It is the only state that survives a
// restart of the orchestrator.
type SessionState struct {
	State          FillingState     `json:"state"`
	PendingPayload *AutofillPayload `json:"pendingPayload,omitempty"`
	DashboardTab   TabID            `json:"dashboardTab,omitempty"`
	TargetTab      TabID            `json:"targetTab,omitempty"`
	LastProgress   *ProgressEvent   `json:"lastProgress,omitempty"`
	ErrorMessage   string           `json:"errorMessage,omitempty"`
	UpdatedAt      time.Time        `json:"updatedAt,omitempty"`
}

// NewSessionState returns the state used when nothing has been persisted.
func NewSessionState() SessionState {
	return SessionState{State: StateIdle}
}

// Status projects the session into the status query answer.
func (s SessionState) Status() Status {
	st := Status{
		State:        s.State,
		HasPayload:   s.PendingPayload != nil,
		TargetTab:    s.TargetTab,
		LastProgress: s.LastProgress,
		Error:        s.ErrorMessage,
	}
	if s.PendingPayload != nil {
		st.FormCode = s.PendingPayload.FormCode
	}
	return st
}
