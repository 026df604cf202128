// File: internal/orchestrator/orchestrator.go
// Description: The orchestrator owns the durable session record. It keeps no session state
// in memory: every message is load, reduce, save, then effects.

package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/xkilldash9x/casefill/api/schemas"
	"github.com/xkilldash9x/casefill/internal/mapping"
	"github.com/xkilldash9x/casefill/internal/store"
)

// TabOpener opens the target site.
type TabOpener interface {
	OpenTab(ctx context.Context, url string) (schemas.TabID, error)
}

// DashboardRelay delivers progress to a dashboard tab.
type DashboardRelay interface {
	Relay(ctx context.Context, tab schemas.TabID, ev schemas.ProgressEvent) error
}

// Notifier pushes a message to a page driver. messaging.Runtime implements it.
type Notifier interface {
	Notify(tab schemas.TabID, msg schemas.Message) error
}

// Service is the messaging.Handler of the orchestrator context.
type Service struct {
	store    store.Store
	reducer  Reducer
	mapper   mapping.Mapper
	tabs     TabOpener
	relay    DashboardRelay
	notifier Notifier
	logger   *zap.Logger
}

// New wires a service. Every dependency is required except notifier, which may be set
// later with SetNotifier once the runtime exists.
func New(st store.Store, reducer Reducer, mapper mapping.Mapper, tabs TabOpener, relay DashboardRelay, logger *zap.Logger) (*Service, error) {
	if st == nil || mapper == nil || tabs == nil || relay == nil || logger == nil {
		return nil, fmt.Errorf("cannot initialize orchestrator with nil dependencies")
	}
	return &Service{
		store:   st,
		reducer: reducer,
		mapper:  mapper,
		tabs:    tabs,
		relay:   relay,
		logger:  logger.Named("orchestrator"),
	}, nil
}

// SetNotifier installs the push channel to page drivers. It must be called before the
// runtime starts delivering messages.
func (s *Service) SetNotifier(n Notifier) {
	s.notifier = n
}

// Handle implements messaging.Handler.
func (s *Service) Handle(ctx context.Context, msg schemas.Message) schemas.Response {
	state, err := s.load(ctx)
	if err != nil {
		return schemas.ErrorResponse(err)
	}
	_, resp := s.process(ctx, state, msg)
	return resp
}

func (s *Service) load(ctx context.Context) (schemas.SessionState, error) {
	state, err := s.store.Load(ctx)
	if errors.Is(err, store.ErrCorrupt) {
		s.logger.Error("Session record is corrupt, starting over.", zap.Error(err))
		return schemas.NewSessionState(), nil
	}
	if err != nil {
		return state, fmt.Errorf("failed to load session: %w", err)
	}
	// Mapping runs inside a single message, so a stored mapping state at load time
	// belongs to a process that died mid-call.
	if state.State == schemas.StateMapping {
		s.logger.Warn("Found an interrupted mapping request, marking it failed.")
		state.State = schemas.StateError
		state.ErrorMessage = ErrMappingInterrupted.Error()
		if err := s.store.Save(ctx, state); err != nil {
			return state, fmt.Errorf("failed to persist session: %w", err)
		}
	}
	return state, nil
}

// process reduces msg, persists the result and runs its effects. Effects that produce a
// follow-up message (tab_opened, mapping_result) are processed recursively; the
// mapping_result response replaces the snapshot_submitted response.
func (s *Service) process(ctx context.Context, state schemas.SessionState, msg schemas.Message) (schemas.SessionState, schemas.Response) {
	logger := s.logger.With(zap.String("type", string(msg.Type)), zap.String("sender", string(msg.Sender)))

	next, resp, effects, err := s.reducer.Reduce(state, msg)
	if err != nil {
		if errors.Is(err, ErrInvalidTransition) {
			logger.DPanic("Rejected message.", zap.String("state", string(state.State)), zap.Error(err))
		} else {
			logger.Warn("Rejected message.", zap.String("state", string(state.State)), zap.Error(err))
		}
		return state, resp
	}
	if next.State != state.State {
		logger.Info("State changed.", zap.String("from", string(state.State)), zap.String("to", string(next.State)))
	}

	if next != state {
		if err := s.store.Save(ctx, next); err != nil {
			logger.Error("Failed to persist session.", zap.Error(err))
			return state, schemas.ErrorResponse(fmt.Errorf("failed to persist session: %w", err))
		}
	}

	for _, eff := range effects {
		followUp, replaces := s.execute(ctx, eff)
		if followUp == nil {
			continue
		}
		var followResp schemas.Response
		next, followResp = s.process(ctx, next, *followUp)
		if replaces {
			resp = followResp
		}
	}
	return next, resp
}

func (s *Service) execute(ctx context.Context, eff Effect) (*schemas.Message, bool) {
	switch eff.Kind {
	case EffectOpenTargetTab:
		ev := schemas.TabEvent{URL: eff.URL}
		tab, err := s.tabs.OpenTab(ctx, eff.URL)
		if err != nil {
			s.logger.Error("Failed to open target tab.", zap.String("url", eff.URL), zap.Error(err))
			ev.Error = err.Error()
		}
		ev.Tab = tab
		return s.internal(schemas.MsgTabOpened, "", ev), false

	case EffectRequestMapping:
		res := schemas.MappingResult{}
		mappings, err := s.mapper.Map(ctx, eff.Payload, eff.Snapshot)
		if err != nil {
			s.logger.Warn("Mapping request failed.", zap.Error(err))
			res.Error = describeMappingError(err)
		} else {
			res.Mappings = mappings
		}
		return s.internal(schemas.MsgMappingResult, eff.Tab, res), true

	case EffectRelay:
		if err := s.relay.Relay(ctx, eff.Tab, *eff.Progress); err != nil {
			s.logger.Debug("Dashboard relay failed.", zap.String("tab", string(eff.Tab)), zap.Error(err))
		}

	case EffectNotifyTab:
		if s.notifier == nil {
			s.logger.Warn("No notifier installed, dropping push.", zap.String("tab", string(eff.Tab)))
			break
		}
		if err := s.notifier.Notify(eff.Tab, *eff.Message); err != nil {
			s.logger.Debug("Page driver push failed.", zap.String("tab", string(eff.Tab)), zap.Error(err))
		}
	}
	return nil, false
}

func (s *Service) internal(t schemas.MessageType, sender schemas.TabID, payload interface{}) *schemas.Message {
	msg, err := schemas.NewMessage(t, sender, payload)
	if err != nil {
		// Payloads here are plain structs; encoding cannot fail.
		s.logger.DPanic("Failed to build internal message.", zap.String("type", string(t)), zap.Error(err))
		return nil
	}
	return &msg
}

// describeMappingError turns a mapping failure into the message shown to the user.
func describeMappingError(err error) string {
	switch {
	case errors.Is(err, mapping.ErrCredentialExpired):
		return "Your session has expired. Sign in to the dashboard again and resend the form. (" + err.Error() + ")"
	case errors.Is(err, mapping.ErrMappingTimeout):
		return "The mapping service did not answer in time. Try again. (" + err.Error() + ")"
	default:
		return "Field mapping failed: " + err.Error()
	}
}
