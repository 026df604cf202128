package schemas

import (
	"fmt"
	"strconv"
	"strings"
)

// TabID identifies a browser tab (or dashboard connection) across execution contexts.
// For the target site it is the CDP target ID; for the dashboard it is the bridge client ID.
type TabID string

// -- Filling State --

// FillingState is the orchestrator's session state.
type FillingState string

const (
	StateIdle            FillingState = "idle"
	StateWaitingForLogin FillingState = "waiting_for_login"
	StateWaitingForPage  FillingState = "waiting_for_page"
	StateExtracting      FillingState = "extracting"
	StateMapping         FillingState = "mapping"
	StateFilling         FillingState = "filling"
	StateDone            FillingState = "done"
	StateError           FillingState = "error"
)

// AllStates lists every FillingState in lifecycle order.
var AllStates = []FillingState{
	StateIdle,
	StateWaitingForLogin,
	StateWaitingForPage,
	StateExtracting,
	StateMapping,
	StateFilling,
	StateDone,
	StateError,
}

// ParseFillingState converts a persisted string back into a FillingState.
// Empty input yields StateIdle, the documented default.
func ParseFillingState(s string) (FillingState, error) {
	if s == "" {
		return StateIdle, nil
	}
	for _, st := range AllStates {
		if string(st) == s {
			return st, nil
		}
	}
	return StateIdle, fmt.Errorf("unknown filling state %q", s)
}

// IsTerminal reports whether the state ends a fill attempt.
func (s FillingState) IsTerminal() bool {
	return s == StateDone || s == StateError
}

// stringify renders a semantic value the way a human would type it into a form.
func stringify(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(t), 'f', -1, 32)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case []interface{}:
		parts := make([]string, 0, len(t))
		for _, p := range t {
			parts = append(parts, stringify(p))
		}
		return strings.Join(parts, ", ")
	default:
		return fmt.Sprint(t)
	}
}
