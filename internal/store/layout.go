package store

import (
	"fmt"
	"time"

	json "github.com/json-iterator/go"

	"github.com/xkilldash9x/casefill/api/schemas"
)

// Durable keys. Every value is JSON. An absent key takes the SessionState default.
const (
	KeyPendingPayload = "pending_payload"
	KeyFillingState   = "filling_state"
	KeyDashboardTab   = "dashboard_tab_id"
	KeyTargetTab      = "target_tab_id"
	KeyLastProgress   = "last_progress"
	KeyErrorMessage   = "error_message"
	KeyUpdatedAt      = "updated_at"
)

// AllKeys lists the layout in a stable order.
var AllKeys = []string{
	KeyPendingPayload,
	KeyFillingState,
	KeyDashboardTab,
	KeyTargetTab,
	KeyLastProgress,
	KeyErrorMessage,
	KeyUpdatedAt,
}

// Encode flattens a session into its key layout. Zero-valued fields are left out so the
// record carries only what differs from the defaults.
func Encode(s schemas.SessionState) (map[string]string, error) {
	out := make(map[string]string, len(AllKeys))
	put := func(key string, v interface{}) error {
		raw, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("failed to encode %s: %w", key, err)
		}
		out[key] = string(raw)
		return nil
	}

	if s.PendingPayload != nil {
		if err := put(KeyPendingPayload, s.PendingPayload); err != nil {
			return nil, err
		}
	}
	if s.State != "" && s.State != schemas.StateIdle {
		if err := put(KeyFillingState, s.State); err != nil {
			return nil, err
		}
	}
	if s.DashboardTab != "" {
		if err := put(KeyDashboardTab, s.DashboardTab); err != nil {
			return nil, err
		}
	}
	if s.TargetTab != "" {
		if err := put(KeyTargetTab, s.TargetTab); err != nil {
			return nil, err
		}
	}
	if s.LastProgress != nil {
		if err := put(KeyLastProgress, s.LastProgress); err != nil {
			return nil, err
		}
	}
	if s.ErrorMessage != "" {
		if err := put(KeyErrorMessage, s.ErrorMessage); err != nil {
			return nil, err
		}
	}
	if !s.UpdatedAt.IsZero() {
		if err := put(KeyUpdatedAt, s.UpdatedAt.UTC()); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Decode rebuilds a session from its key layout. Unknown keys are ignored.
func Decode(kv map[string]string) (schemas.SessionState, error) {
	s := schemas.NewSessionState()
	get := func(key string, v interface{}) (bool, error) {
		raw, ok := kv[key]
		if !ok || raw == "" {
			return false, nil
		}
		if err := json.Unmarshal([]byte(raw), v); err != nil {
			return false, fmt.Errorf("%w: key %s: %v", ErrCorrupt, key, err)
		}
		return true, nil
	}

	var payload schemas.AutofillPayload
	if ok, err := get(KeyPendingPayload, &payload); err != nil {
		return s, err
	} else if ok {
		s.PendingPayload = &payload
	}

	var state string
	if _, err := get(KeyFillingState, &state); err != nil {
		return s, err
	}
	parsed, err := schemas.ParseFillingState(state)
	if err != nil {
		return s, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	s.State = parsed

	if _, err := get(KeyDashboardTab, &s.DashboardTab); err != nil {
		return s, err
	}
	if _, err := get(KeyTargetTab, &s.TargetTab); err != nil {
		return s, err
	}

	var progress schemas.ProgressEvent
	if ok, err := get(KeyLastProgress, &progress); err != nil {
		return s, err
	} else if ok {
		s.LastProgress = &progress
	}

	if _, err := get(KeyErrorMessage, &s.ErrorMessage); err != nil {
		return s, err
	}
	var updated time.Time
	if ok, err := get(KeyUpdatedAt, &updated); err != nil {
		return s, err
	} else if ok {
		s.UpdatedAt = updated
	}
	return s, nil
}
