// internal/orchestrator/orchestrator_test.go
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/xkilldash9x/casefill/api/schemas"
	"github.com/xkilldash9x/casefill/internal/mapping"
	"github.com/xkilldash9x/casefill/internal/messaging"
	"github.com/xkilldash9x/casefill/internal/mocks"
	"github.com/xkilldash9x/casefill/internal/store"
)

type harness struct {
	svc      *Service
	store    *store.Memory
	mapper   *mocks.MockMapper
	tabs     *mocks.MockTabOpener
	relay    *mocks.RecordingRelay
	notifier *mocks.RecordingNotifier
}

func newHarness(t *testing.T, logger *zap.Logger) *harness {
	t.Helper()
	if logger == nil {
		logger = zaptest.NewLogger(t)
	}
	h := &harness{
		store:    store.NewMemory(),
		mapper:   new(mocks.MockMapper),
		tabs:     new(mocks.MockTabOpener),
		relay:    mocks.NewRecordingRelay(),
		notifier: mocks.NewRecordingNotifier(),
	}
	svc, err := New(h.store, testReducer(), h.mapper, h.tabs, h.relay, logger)
	require.NoError(t, err)
	svc.SetNotifier(h.notifier)
	h.svc = svc
	return h
}

func (h *harness) send(t *testing.T, typ schemas.MessageType, sender schemas.TabID, payload interface{}) schemas.Response {
	t.Helper()
	return h.svc.Handle(context.Background(), message(t, typ, sender, payload))
}

func (h *harness) state(t *testing.T) schemas.SessionState {
	t.Helper()
	s, err := h.store.Load(context.Background())
	require.NoError(t, err)
	return s
}

func TestNew_NilDependencies(t *testing.T) {
	_, err := New(nil, testReducer(), nil, nil, nil, zap.NewNop())
	assert.Error(t, err)
}

func TestService_FullFlow(t *testing.T) {
	h := newHarness(t, nil)
	h.tabs.On("OpenTab", mock.Anything, "https://my.uscis.gov/forms/i-130").Return(schemas.TabID("target-1"), nil).Once()
	mappings := []schemas.FieldMapping{{Locator: "#lastName", Value: "Garcia", FieldPath: "petitioner.lastName", Kind: schemas.KindText, Confidence: 0.9}}
	h.mapper.On("Map", mock.Anything, mock.MatchedBy(func(p *schemas.AutofillPayload) bool {
		return p.FormCode == "I-130"
	}), mock.AnythingOfType("*schemas.DOMSnapshot")).Return(mappings, nil).Once()

	resp := h.send(t, schemas.MsgPayloadHandoff, "dash", testPayload())
	require.True(t, resp.OK, resp.Error)
	s := h.state(t)
	assert.Equal(t, schemas.StateWaitingForLogin, s.State)
	assert.Equal(t, schemas.TabID("target-1"), s.TargetTab)
	assert.Equal(t, schemas.TabID("dash"), s.DashboardTab)

	resp = h.send(t, schemas.MsgPageReady, "target-1", nil)
	require.True(t, resp.OK, resp.Error)
	assert.Equal(t, schemas.StateWaitingForPage, h.state(t).State)

	resp = h.send(t, schemas.MsgProgress, "target-1", schemas.NewStatusEvent(schemas.StatusUpdate{Phase: schemas.PhaseExtracting}))
	require.True(t, resp.OK, resp.Error)
	assert.Equal(t, schemas.StateExtracting, h.state(t).State)

	resp = h.send(t, schemas.MsgSnapshotSubmitted, "target-1", schemas.DOMSnapshot{Fields: []schemas.FieldDescriptor{{Locator: "#lastName"}}})
	require.True(t, resp.OK, resp.Error)
	var mapped schemas.MappingResponse
	require.NoError(t, schemas.Message{Type: "x", Payload: resp.Data}.Decode(&mapped))
	assert.Equal(t, mappings, mapped.Mappings)
	assert.Equal(t, schemas.StateFilling, h.state(t).State)

	resp = h.send(t, schemas.MsgProgress, "target-1", schemas.NewFieldEvent(schemas.FieldResult{FieldPath: "petitioner.lastName", Outcome: schemas.OutcomeFilled}))
	require.True(t, resp.OK)

	resp = h.send(t, schemas.MsgFillComplete, "target-1", schemas.FillSummary{Filled: 1, Rounds: 1})
	require.True(t, resp.OK)
	s = h.state(t)
	assert.Equal(t, schemas.StateDone, s.State)
	assert.Equal(t, schemas.ProgressSummary, s.LastProgress.Kind)

	last, ok := h.relay.Last("dash")
	require.True(t, ok)
	assert.Equal(t, schemas.ProgressSummary, last.Kind)
	assert.GreaterOrEqual(t, len(h.relay.Events("dash")), 6)

	h.tabs.AssertExpectations(t)
	h.mapper.AssertExpectations(t)
}

func TestService_MappingFailure(t *testing.T) {
	h := newHarness(t, nil)
	p := testPayload()
	require.NoError(t, h.store.Save(context.Background(), schemas.SessionState{
		State: schemas.StateWaitingForPage, PendingPayload: &p, DashboardTab: "dash", TargetTab: "target-1",
	}))
	h.mapper.On("Map", mock.Anything, mock.Anything, mock.Anything).
		Return(nil, fmt.Errorf("%w: 502 bad gateway", mapping.ErrMappingStatus)).Once()

	resp := h.send(t, schemas.MsgSnapshotSubmitted, "target-1", schemas.DOMSnapshot{})
	assert.False(t, resp.OK)
	assert.Contains(t, resp.Error, "502 bad gateway")

	s := h.state(t)
	assert.Equal(t, schemas.StateError, s.State)
	assert.Contains(t, s.ErrorMessage, "502 bad gateway")

	pushes := h.notifier.Messages("target-1")
	require.Len(t, pushes, 1)
	assert.Equal(t, schemas.MsgMappingError, pushes[0].Type)

	last, ok := h.relay.Last("dash")
	require.True(t, ok)
	assert.Equal(t, schemas.StateError, last.Status.State)
}

func TestService_MappingTimeoutMessage(t *testing.T) {
	assert.Contains(t, describeMappingError(fmt.Errorf("%w after 60s", mapping.ErrMappingTimeout)), "did not answer in time")
	assert.Contains(t, describeMappingError(mapping.ErrCredentialExpired), "session has expired")
	assert.Contains(t, describeMappingError(errors.New("boom")), "Field mapping failed: boom")
}

func TestService_OpenTabFailure(t *testing.T) {
	h := newHarness(t, nil)
	h.tabs.On("OpenTab", mock.Anything, mock.Anything).Return(schemas.TabID(""), errors.New("browser gone")).Once()

	resp := h.send(t, schemas.MsgPayloadHandoff, "dash", testPayload())
	assert.True(t, resp.OK, "the handoff itself was accepted")
	s := h.state(t)
	assert.Equal(t, schemas.StateError, s.State)
	assert.Contains(t, s.ErrorMessage, "browser gone")
}

func TestService_TabClosedMidFill(t *testing.T) {
	h := newHarness(t, nil)
	p := testPayload()
	require.NoError(t, h.store.Save(context.Background(), schemas.SessionState{
		State: schemas.StateFilling, PendingPayload: &p, DashboardTab: "dash", TargetTab: "target-1",
	}))

	resp := h.send(t, schemas.MsgTabClosed, "", schemas.TabEvent{Tab: "target-1"})
	require.True(t, resp.OK)
	s := h.state(t)
	assert.Equal(t, schemas.StateError, s.State)
	assert.Equal(t, ErrTargetTabClosed.Error(), s.ErrorMessage)

	last, ok := h.relay.Last("dash")
	require.True(t, ok)
	assert.Equal(t, ErrTargetTabClosed.Error(), last.Status.Message)
}

func TestService_Stateless(t *testing.T) {
	h := newHarness(t, nil)
	h.tabs.On("OpenTab", mock.Anything, mock.Anything).Return(schemas.TabID("target-1"), nil)
	require.True(t, h.send(t, schemas.MsgPayloadHandoff, "dash", testPayload()).OK)

	// A fresh service over the same store picks up where the old one left off.
	other, err := New(h.store, testReducer(), h.mapper, h.tabs, h.relay, zaptest.NewLogger(t))
	require.NoError(t, err)
	resp := other.Handle(context.Background(), message(t, schemas.MsgStatusQuery, "dash", nil))
	require.True(t, resp.OK)
	var st schemas.Status
	require.NoError(t, schemas.Message{Type: "x", Payload: resp.Data}.Decode(&st))
	assert.Equal(t, schemas.StateWaitingForLogin, st.State)
	assert.Equal(t, "I-130", st.FormCode)
	assert.True(t, st.HasPayload)

	require.True(t, other.Handle(context.Background(), message(t, schemas.MsgReset, "dash", nil)).OK)
	assert.Empty(t, h.store.Raw())
}

func TestService_InvalidTransitionIsLoggedAtDPanic(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	h := newHarness(t, zap.New(core))

	resp := h.send(t, schemas.MsgFillComplete, "target", schemas.FillSummary{})
	assert.False(t, resp.OK)
	assert.Contains(t, resp.Error, "invalid state transition")

	entries := logs.FilterLevelExact(zapcore.DPanicLevel).All()
	require.Len(t, entries, 1)
	assert.Equal(t, "Rejected message.", entries[0].Message)
	assert.Equal(t, schemas.StateIdle, h.state(t).State)
}

func TestService_CorruptRecordStartsOver(t *testing.T) {
	h := newHarness(t, nil)
	bad := &corruptStore{Memory: h.store}
	svc, err := New(bad, testReducer(), h.mapper, h.tabs, h.relay, zaptest.NewLogger(t))
	require.NoError(t, err)

	resp := svc.Handle(context.Background(), message(t, schemas.MsgStatusQuery, "dash", nil))
	assert.True(t, resp.OK)
	assert.Contains(t, string(resp.Data), `"state":"idle"`)
}

func TestService_InterruptedMappingCanBeRetried(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	h := newHarness(t, zap.New(core))
	ctx := context.Background()
	p := testPayload()
	// The process died while the mapping call was in flight.
	require.NoError(t, h.store.Save(ctx, schemas.SessionState{
		State: schemas.StateMapping, PendingPayload: &p, DashboardTab: "dash", TargetTab: "target-1",
	}))

	resp := h.send(t, schemas.MsgStatusQuery, "target-1", nil)
	require.True(t, resp.OK)
	assert.Contains(t, string(resp.Data), `"state":"error"`)

	resp = h.send(t, schemas.MsgPageReady, "target-1", nil)
	require.True(t, resp.OK, resp.Error)
	assert.Equal(t, schemas.StateWaitingForPage, h.state(t).State)

	h.mapper.On("Map", mock.Anything, mock.Anything, mock.Anything).Return([]schemas.FieldMapping{{FieldPath: "a"}}, nil).Once()
	resp = h.send(t, schemas.MsgSnapshotSubmitted, "target-1", schemas.DOMSnapshot{})
	require.True(t, resp.OK, resp.Error)
	assert.Equal(t, schemas.StateFilling, h.state(t).State)
	h.mapper.AssertExpectations(t)

	assert.Empty(t, logs.FilterLevelExact(zapcore.DPanicLevel).All())
	assert.Len(t, logs.FilterMessage("Found an interrupted mapping request, marking it failed.").All(), 1)
}

type corruptStore struct {
	*store.Memory
}

func (c *corruptStore) Load(ctx context.Context) (schemas.SessionState, error) {
	return schemas.SessionState{}, fmt.Errorf("%w: key filling_state", store.ErrCorrupt)
}

// TestService_OverRuntime runs the service behind the message runtime the way serve does.
func TestService_OverRuntime(t *testing.T) {
	defer goleak.VerifyNone(t)

	h := newHarness(t, nil)
	h.tabs.On("OpenTab", mock.Anything, mock.Anything).Return(schemas.TabID("target-1"), nil)

	ctx, cancel := context.WithCancel(context.Background())
	rt := messaging.NewRuntime(zaptest.NewLogger(t), h.svc, 4)
	h.svc.SetNotifier(rt)
	rt.Start(ctx)
	defer func() {
		cancel()
		rt.Wait()
	}()

	port := rt.Port("dash")
	var st schemas.Status
	require.NoError(t, port.Call(ctx, schemas.MsgPayloadHandoff, testPayload(), &st))
	assert.Equal(t, schemas.StateWaitingForLogin, st.State)

	pushes, unsubscribe := rt.Subscribe("target-1")
	defer unsubscribe()

	h.mapper.On("Map", mock.Anything, mock.Anything, mock.Anything).Return(nil, errors.New("unreachable")).Once()
	target := rt.Port("target-1")
	require.NoError(t, target.Call(ctx, schemas.MsgPageReady, nil, nil))
	err := target.Call(ctx, schemas.MsgSnapshotSubmitted, schemas.DOMSnapshot{}, nil)
	var rejected *messaging.RejectedError
	require.ErrorAs(t, err, &rejected)
	assert.Contains(t, rejected.Message, "unreachable")

	select {
	case msg := <-pushes:
		assert.Equal(t, schemas.MsgMappingError, msg.Type)
	case <-time.After(time.Second):
		t.Fatal("mapping_error was not pushed to the page driver")
	}
}
