package orchestrator

import (
	"errors"
	"fmt"
	"time"

	"github.com/xkilldash9x/casefill/api/schemas"
	"github.com/xkilldash9x/casefill/internal/config"
)

var (
	// ErrTargetTabClosed is the error recorded when the target site's tab goes away mid-fill.
	ErrTargetTabClosed = errors.New("target tab closed before filling completed")
	ErrNoPayload       = errors.New("no pending autofill payload")
	ErrNotTargetTab    = errors.New("sender is not the target tab")
	ErrUnknownMessage  = errors.New("unknown message type")
	// ErrMappingInterrupted replaces a mapping state left behind by a restart.
	ErrMappingInterrupted = errors.New("mapping was interrupted by a restart; try again")
)

// EffectKind names a side effect the service performs after persisting a reduction.
type EffectKind string

const (
	// EffectOpenTargetTab opens URL in a new tab; the service answers with tab_opened.
	EffectOpenTargetTab EffectKind = "open_target_tab"
	// EffectRequestMapping calls the mapping service; the service answers with mapping_result.
	EffectRequestMapping EffectKind = "request_mapping"
	// EffectRelay pushes Progress to the dashboard tab.
	EffectRelay EffectKind = "relay_dashboard"
	// EffectNotifyTab pushes Message to a page driver.
	EffectNotifyTab EffectKind = "notify_tab"
)

// Effect is one side effect requested by Reduce.
type Effect struct {
	Kind     EffectKind
	Tab      schemas.TabID
	URL      string
	Payload  *schemas.AutofillPayload
	Snapshot *schemas.DOMSnapshot
	Progress *schemas.ProgressEvent
	Message  *schemas.Message
}

// Reducer is the orchestrator's pure state machine. It never performs I/O.
type Reducer struct {
	Target config.TargetConfig
	Now    func() time.Time
}

func (r Reducer) now() time.Time {
	if r.Now != nil {
		return r.Now().UTC()
	}
	return time.Now().UTC()
}

// Reduce applies msg to s. On error the returned state is s unchanged and no effects run.
func (r Reducer) Reduce(s schemas.SessionState, msg schemas.Message) (schemas.SessionState, schemas.Response, []Effect, error) {
	next, resp, effects, err := r.reduce(s, msg)
	if err != nil {
		return s, schemas.ErrorResponse(err), nil, err
	}
	// A fresh record stays empty so reset clears every key.
	if (next != s || len(effects) > 0) && next != schemas.NewSessionState() {
		next.UpdatedAt = r.now()
	}
	return next, resp, effects, nil
}

func (r Reducer) reduce(s schemas.SessionState, msg schemas.Message) (schemas.SessionState, schemas.Response, []Effect, error) {
	switch msg.Type {
	case schemas.MsgPayloadHandoff:
		return r.payloadHandoff(s, msg)
	case schemas.MsgTabOpened:
		return r.tabOpened(s, msg)
	case schemas.MsgPageReady:
		return r.pageReady(s, msg)
	case schemas.MsgSnapshotSubmitted:
		return r.snapshotSubmitted(s, msg)
	case schemas.MsgMappingResult:
		return r.mappingResult(s, msg)
	case schemas.MsgProgress:
		return r.progress(s, msg)
	case schemas.MsgFillComplete:
		return r.fillComplete(s, msg)
	case schemas.MsgMappingError:
		return r.mappingError(s, msg)
	case schemas.MsgStatusQuery:
		return s, schemas.OKResponse(s.Status()), nil, nil
	case schemas.MsgReset:
		return r.reset(s)
	case schemas.MsgTabClosed:
		return r.tabClosed(s, msg)
	default:
		return s, schemas.Response{}, nil, fmt.Errorf("%w %q", ErrUnknownMessage, msg.Type)
	}
}

func (r Reducer) payloadHandoff(s schemas.SessionState, msg schemas.Message) (schemas.SessionState, schemas.Response, []Effect, error) {
	var p schemas.AutofillPayload
	if err := msg.Decode(&p); err != nil {
		return s, schemas.Response{}, nil, err
	}
	if err := p.Validate(); err != nil {
		return s, schemas.Response{}, nil, err
	}
	if err := checkTransition(s.State, schemas.StateWaitingForLogin); err != nil {
		return s, schemas.Response{}, nil, err
	}

	// Last write wins: a second handoff replaces the first and its tabs are forgotten.
	next := schemas.SessionState{
		State:          schemas.StateWaitingForLogin,
		PendingPayload: &p,
		DashboardTab:   msg.Sender,
	}
	url := r.Target.URLFor(p.FormCode)
	effects := []Effect{{Kind: EffectOpenTargetTab, URL: url}}
	effects = append(effects, relay(next, schemas.StatusUpdate{
		State:   next.State,
		Message: fmt.Sprintf("Opening %s for %s", url, p.FormCode),
	})...)
	return next, schemas.OKResponse(next.Status()), effects, nil
}

func (r Reducer) tabOpened(s schemas.SessionState, msg schemas.Message) (schemas.SessionState, schemas.Response, []Effect, error) {
	var ev schemas.TabEvent
	if err := msg.Decode(&ev); err != nil {
		return s, schemas.Response{}, nil, err
	}
	if s.PendingPayload == nil {
		return s, schemas.OKResponse(s.Status()), nil, nil
	}
	if ev.Error != "" {
		if err := checkTransition(s.State, schemas.StateError); err != nil {
			return s, schemas.Response{}, nil, err
		}
		next := s
		next.State = schemas.StateError
		next.ErrorMessage = "failed to open target site: " + ev.Error
		return next, schemas.ErrorResponse(errors.New(next.ErrorMessage)), relay(next, schemas.StatusUpdate{
			State: next.State, Message: next.ErrorMessage,
		}), nil
	}
	next := s
	next.TargetTab = ev.Tab
	return next, schemas.OKResponse(next.Status()), nil, nil
}

func (r Reducer) pageReady(s schemas.SessionState, msg schemas.Message) (schemas.SessionState, schemas.Response, []Effect, error) {
	var notice schemas.PageReady
	if len(msg.Payload) > 0 {
		if err := msg.Decode(&notice); err != nil {
			return s, schemas.Response{}, nil, err
		}
	}
	if s.PendingPayload == nil {
		return s, schemas.OKResponse(s.Status()), nil, nil
	}

	next := s
	if next.TargetTab == "" {
		next.TargetTab = msg.Sender
	} else if msg.Sender != "" && msg.Sender != next.TargetTab {
		return s, schemas.Response{}, nil, fmt.Errorf("%w: %s (target is %s)", ErrNotTargetTab, msg.Sender, next.TargetTab)
	}

	to := schemas.StateWaitingForPage
	text := "Target page ready"
	if notice.LoginRequired {
		to = schemas.StateWaitingForLogin
		text = "Waiting for sign-in on the target site"
	}
	if err := checkTransition(s.State, to); err != nil {
		return s, schemas.Response{}, nil, err
	}
	next.State = to
	next.ErrorMessage = ""
	return next, schemas.OKResponse(next.Status()), relay(next, schemas.StatusUpdate{State: to, Message: text}), nil
}

func (r Reducer) snapshotSubmitted(s schemas.SessionState, msg schemas.Message) (schemas.SessionState, schemas.Response, []Effect, error) {
	if s.PendingPayload == nil {
		return s, schemas.Response{}, nil, ErrNoPayload
	}
	if s.TargetTab != "" && msg.Sender != s.TargetTab {
		return s, schemas.Response{}, nil, fmt.Errorf("%w: %s (target is %s)", ErrNotTargetTab, msg.Sender, s.TargetTab)
	}
	var snap schemas.DOMSnapshot
	if err := msg.Decode(&snap); err != nil {
		return s, schemas.Response{}, nil, err
	}
	if err := checkTransition(s.State, schemas.StateMapping); err != nil {
		return s, schemas.Response{}, nil, err
	}
	next := s
	next.State = schemas.StateMapping
	next.ErrorMessage = ""
	if next.TargetTab == "" {
		next.TargetTab = msg.Sender
	}
	effects := []Effect{{Kind: EffectRequestMapping, Tab: msg.Sender, Payload: s.PendingPayload, Snapshot: &snap}}
	effects = append(effects, relay(next, schemas.StatusUpdate{
		State:   next.State,
		Message: fmt.Sprintf("Mapping %d fields", len(snap.Fields)),
	})...)
	// The response is replaced by the mapping_result reduction.
	return next, schemas.OKResponse(nil), effects, nil
}

func (r Reducer) mappingResult(s schemas.SessionState, msg schemas.Message) (schemas.SessionState, schemas.Response, []Effect, error) {
	var res schemas.MappingResult
	if err := msg.Decode(&res); err != nil {
		return s, schemas.Response{}, nil, err
	}
	next := s
	if res.Error != "" {
		if err := checkTransition(s.State, schemas.StateError); err != nil {
			return s, schemas.Response{}, nil, err
		}
		next.State = schemas.StateError
		next.ErrorMessage = res.Error

		var effects []Effect
		if tab := pushTarget(s, msg.Sender); tab != "" {
			notice, err := schemas.NewMessage(schemas.MsgMappingError, "", schemas.MappingErrorNotice{Message: res.Error})
			if err != nil {
				return s, schemas.Response{}, nil, err
			}
			effects = append(effects, Effect{Kind: EffectNotifyTab, Tab: tab, Message: &notice})
		}
		effects = append(effects, relay(next, schemas.StatusUpdate{State: next.State, Message: res.Error})...)
		return next, schemas.ErrorResponse(errors.New(res.Error)), effects, nil
	}

	if err := checkTransition(s.State, schemas.StateFilling); err != nil {
		return s, schemas.Response{}, nil, err
	}
	next.State = schemas.StateFilling
	mappings := res.Mappings
	if mappings == nil {
		mappings = []schemas.FieldMapping{}
	}
	return next, schemas.OKResponse(schemas.MappingResponse{Mappings: mappings}), relay(next, schemas.StatusUpdate{
		State:   next.State,
		Message: fmt.Sprintf("%d fields mapped", len(mappings)),
	}), nil
}

func (r Reducer) progress(s schemas.SessionState, msg schemas.Message) (schemas.SessionState, schemas.Response, []Effect, error) {
	var ev schemas.ProgressEvent
	if err := msg.Decode(&ev); err != nil {
		return s, schemas.Response{}, nil, err
	}
	next := s
	if ev.Kind == schemas.ProgressStatus && ev.Status != nil && ev.Status.Phase == schemas.PhaseExtracting &&
		s.State != schemas.StateExtracting {
		if err := checkTransition(s.State, schemas.StateExtracting); err != nil {
			return s, schemas.Response{}, nil, err
		}
		next.State = schemas.StateExtracting
	}
	next.LastProgress = &ev
	return next, schemas.OKResponse(nil), relayEvent(next, ev), nil
}

func (r Reducer) fillComplete(s schemas.SessionState, msg schemas.Message) (schemas.SessionState, schemas.Response, []Effect, error) {
	var sum schemas.FillSummary
	if err := msg.Decode(&sum); err != nil {
		return s, schemas.Response{}, nil, err
	}
	if err := checkTransition(s.State, schemas.StateDone); err != nil {
		return s, schemas.Response{}, nil, err
	}
	ev := schemas.NewSummaryEvent(sum)
	ev.Timestamp = r.now()
	next := s
	next.State = schemas.StateDone
	next.LastProgress = &ev
	next.ErrorMessage = ""
	return next, schemas.OKResponse(next.Status()), relayEvent(next, ev), nil
}

func (r Reducer) mappingError(s schemas.SessionState, msg schemas.Message) (schemas.SessionState, schemas.Response, []Effect, error) {
	var notice schemas.MappingErrorNotice
	if err := msg.Decode(&notice); err != nil {
		return s, schemas.Response{}, nil, err
	}
	if err := checkTransition(s.State, schemas.StateError); err != nil {
		return s, schemas.Response{}, nil, err
	}
	next := s
	next.State = schemas.StateError
	next.ErrorMessage = notice.Message
	return next, schemas.OKResponse(next.Status()), relay(next, schemas.StatusUpdate{
		State: next.State, Message: notice.Message,
	}), nil
}

func (r Reducer) reset(s schemas.SessionState) (schemas.SessionState, schemas.Response, []Effect, error) {
	next := schemas.NewSessionState()
	var effects []Effect
	if s.DashboardTab != "" {
		ev := schemas.NewStatusEvent(schemas.StatusUpdate{State: schemas.StateIdle, Message: "Autofill reset"})
		ev.Timestamp = r.now()
		effects = append(effects, Effect{Kind: EffectRelay, Tab: s.DashboardTab, Progress: &ev})
	}
	return next, schemas.OKResponse(next.Status()), effects, nil
}

func (r Reducer) tabClosed(s schemas.SessionState, msg schemas.Message) (schemas.SessionState, schemas.Response, []Effect, error) {
	var ev schemas.TabEvent
	if err := msg.Decode(&ev); err != nil {
		return s, schemas.Response{}, nil, err
	}
	next := s
	switch {
	case ev.Tab != "" && ev.Tab == s.TargetTab:
		next.TargetTab = ""
		if s.State == schemas.StateDone || s.State == schemas.StateIdle {
			return next, schemas.OKResponse(next.Status()), nil, nil
		}
		if err := checkTransition(s.State, schemas.StateError); err != nil {
			return s, schemas.Response{}, nil, err
		}
		next.State = schemas.StateError
		next.ErrorMessage = ErrTargetTabClosed.Error()
		return next, schemas.OKResponse(next.Status()), relay(next, schemas.StatusUpdate{
			State: next.State, Message: next.ErrorMessage,
		}), nil
	case ev.Tab != "" && ev.Tab == s.DashboardTab:
		next.DashboardTab = ""
		return next, schemas.OKResponse(next.Status()), nil, nil
	default:
		return s, schemas.OKResponse(s.Status()), nil, nil
	}
}

// pushTarget is the page driver to notify: the recorded target, else the requester.
func pushTarget(s schemas.SessionState, sender schemas.TabID) schemas.TabID {
	if s.TargetTab != "" {
		return s.TargetTab
	}
	return sender
}

func relay(s schemas.SessionState, u schemas.StatusUpdate) []Effect {
	return relayEvent(s, schemas.NewStatusEvent(u))
}

func relayEvent(s schemas.SessionState, ev schemas.ProgressEvent) []Effect {
	if s.DashboardTab == "" {
		return nil
	}
	return []Effect{{Kind: EffectRelay, Tab: s.DashboardTab, Progress: &ev}}
}
