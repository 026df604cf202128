package schemas

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ErrInvalidPayload is returned when an AutofillPayload fails validation.
var ErrInvalidPayload = errors.New("invalid autofill payload")

// AutofillPayload is the one-shot handoff produced by the dashboard. It is immutable once
// accepted by the orchestrator.
type AutofillPayload struct {
	FormCode     string                 `json:"formCode"`
	FieldSchema  json.RawMessage        `json:"fieldSchema,omitempty"`
	FormData     map[string]interface{} `json:"formData"`
	APIBaseURL   string                 `json:"apiBaseUrl"`
	SessionToken string                 `json:"sessionToken"`
}

// Validate checks the fields the orchestrator and mapping client rely on.
func (p *AutofillPayload) Validate() error {
	if p == nil {
		return fmt.Errorf("%w: payload is nil", ErrInvalidPayload)
	}
	if strings.TrimSpace(p.FormCode) == "" {
		return fmt.Errorf("%w: formCode is required", ErrInvalidPayload)
	}
	u, err := url.Parse(p.APIBaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("%w: apiBaseUrl must be an absolute URL (got %q)", ErrInvalidPayload, p.APIBaseURL)
	}
	if strings.TrimSpace(p.SessionToken) == "" {
		return fmt.Errorf("%w: sessionToken is required", ErrInvalidPayload)
	}
	return nil
}
