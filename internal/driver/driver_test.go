package driver

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	json "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/casefill/api/schemas"
	"github.com/xkilldash9x/casefill/internal/browser/dom"
	"github.com/xkilldash9x/casefill/internal/config"
	"github.com/xkilldash9x/casefill/internal/messaging"
	"github.com/xkilldash9x/casefill/internal/mocks"
	"github.com/xkilldash9x/casefill/internal/orchestrator"
	"github.com/xkilldash9x/casefill/internal/store"
)

const formPage = `<html><head><title>I-130</title></head><body>
<form id="petition">
  <label for="lastName">Family Name</label><input id="lastName" name="lastName">
  <label for="country">Country</label>
  <select id="country" name="country"><option value="">Select</option><option value="MX">Mexico</option></select>
</form></body></html>`

const loginPage = `<html><body><form>
  <input id="username" name="username"><input id="password" type="password">
</form></body></html>`

type call struct {
	Type    schemas.MessageType
	Payload interface{}
}

// scriptedPort answers calls from a table of handlers. Types without a handler succeed
// with no data.
type scriptedPort struct {
	mu       sync.Mutex
	calls    []call
	handlers map[schemas.MessageType]func(payload interface{}) (interface{}, error)
}

func newScriptedPort() *scriptedPort {
	return &scriptedPort{handlers: make(map[schemas.MessageType]func(interface{}) (interface{}, error))}
}

func (p *scriptedPort) on(t schemas.MessageType, fn func(payload interface{}) (interface{}, error)) {
	p.handlers[t] = fn
}

func (p *scriptedPort) Call(_ context.Context, t schemas.MessageType, payload, out interface{}) error {
	p.mu.Lock()
	p.calls = append(p.calls, call{t, payload})
	h := p.handlers[t]
	p.mu.Unlock()
	if h == nil {
		return nil
	}
	data, err := h(payload)
	if err != nil {
		return err
	}
	if out == nil || data == nil {
		return nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

func (p *scriptedPort) types() []schemas.MessageType {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []schemas.MessageType
	for _, c := range p.calls {
		out = append(out, c.Type)
	}
	return out
}

func (p *scriptedPort) last(t schemas.MessageType) (interface{}, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := len(p.calls) - 1; i >= 0; i-- {
		if p.calls[i].Type == t {
			return p.calls[i].Payload, true
		}
	}
	return nil, false
}

func pendingStatus(interface{}) (interface{}, error) {
	return schemas.Status{State: schemas.StateWaitingForLogin, HasPayload: true, FormCode: "I-130"}, nil
}

func testConfig() *config.Config {
	cfg := config.NewDefaultConfig()
	cfg.FillCfg.SettleDelay = 0
	cfg.FillCfg.StepDelay = 0
	cfg.FillCfg.HighlightDuration = 0
	cfg.RoundsCfg.RerenderDelay = 0
	cfg.DriverCfg.Overlay = true
	return cfg
}

func newTestPage(t *testing.T, markup string) *dom.HTMLPage {
	t.Helper()
	page, err := dom.NewHTMLPageString(markup, "https://my.uscis.gov/forms/i-130")
	require.NoError(t, err)
	return page
}

func newTestDriver(t *testing.T, page dom.Page, port Caller, cfg *config.Config) (*Driver, *recordingView) {
	t.Helper()
	view := &recordingView{}
	d, err := New(page, port, view, cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	return d, view
}

func TestNew_NilDependencies(t *testing.T) {
	_, err := New(nil, newScriptedPort(), nil, testConfig(), nil)
	assert.Error(t, err)
}

func TestDetectLogin(t *testing.T) {
	ctx := context.Background()

	login, err := DetectLogin(ctx, newTestPage(t, loginPage))
	require.NoError(t, err)
	assert.True(t, login)

	login, err = DetectLogin(ctx, newTestPage(t, formPage))
	require.NoError(t, err)
	assert.False(t, login)

	hidden := `<html><body><input type="password" style="display:none"></body></html>`
	login, err = DetectLogin(ctx, newTestPage(t, hidden))
	require.NoError(t, err)
	assert.False(t, login, "a hidden password input is not a sign-in page")
}

func TestAttach(t *testing.T) {
	t.Run("no payload keeps the overlay hidden", func(t *testing.T) {
		port := newScriptedPort()
		port.on(schemas.MsgStatusQuery, func(interface{}) (interface{}, error) {
			return schemas.Status{State: schemas.StateIdle}, nil
		})
		d, view := newTestDriver(t, newTestPage(t, formPage), port, testConfig())

		require.NoError(t, d.Attach(context.Background()))
		assert.Equal(t, OverlayHidden, d.Overlay().State())
		assert.Equal(t, []schemas.MessageType{schemas.MsgStatusQuery}, port.types())
		assert.Equal(t, []OverlayState{OverlayHidden}, view.States())
	})

	t.Run("sign-in page", func(t *testing.T) {
		port := newScriptedPort()
		port.on(schemas.MsgStatusQuery, pendingStatus)
		d, _ := newTestDriver(t, newTestPage(t, loginPage), port, testConfig())

		require.NoError(t, d.Attach(context.Background()))
		assert.Equal(t, OverlayLogin, d.Overlay().State())
		p, ok := port.last(schemas.MsgPageReady)
		require.True(t, ok)
		assert.True(t, p.(schemas.PageReady).LoginRequired)
	})

	t.Run("form page", func(t *testing.T) {
		port := newScriptedPort()
		port.on(schemas.MsgStatusQuery, pendingStatus)
		d, _ := newTestDriver(t, newTestPage(t, formPage), port, testConfig())

		require.NoError(t, d.Attach(context.Background()))
		assert.Equal(t, OverlayReady, d.Overlay().State())
		assert.Contains(t, d.Overlay().Text(), "I-130")
		p, _ := port.last(schemas.MsgPageReady)
		assert.Equal(t, "https://my.uscis.gov/forms/i-130", p.(schemas.PageReady).URL)
	})

	t.Run("rejected page_ready is not fatal", func(t *testing.T) {
		port := newScriptedPort()
		port.on(schemas.MsgStatusQuery, pendingStatus)
		port.on(schemas.MsgPageReady, func(interface{}) (interface{}, error) {
			return nil, &messaging.RejectedError{Type: schemas.MsgPageReady, Message: "invalid state transition"}
		})
		d, _ := newTestDriver(t, newTestPage(t, formPage), port, testConfig())

		require.NoError(t, d.Attach(context.Background()))
		assert.Equal(t, OverlayReady, d.Overlay().State())
	})

	t.Run("invalidated runtime is fatal", func(t *testing.T) {
		port := newScriptedPort()
		port.on(schemas.MsgStatusQuery, func(interface{}) (interface{}, error) {
			return nil, messaging.ErrContextInvalidated
		})
		d, _ := newTestDriver(t, newTestPage(t, formPage), port, testConfig())

		err := d.Attach(context.Background())
		assert.ErrorIs(t, err, messaging.ErrContextInvalidated)
	})
}

func TestRun_FillsAndReports(t *testing.T) {
	page := newTestPage(t, formPage)
	port := newScriptedPort()
	port.on(schemas.MsgStatusQuery, pendingStatus)
	port.on(schemas.MsgSnapshotSubmitted, func(p interface{}) (interface{}, error) {
		snap := p.(*schemas.DOMSnapshot)
		if len(snap.Fields) != 2 {
			return nil, errors.New("unexpected snapshot")
		}
		return schemas.MappingResponse{Mappings: []schemas.FieldMapping{
			{Locator: "#lastName", Value: "Garcia", FieldPath: "petitioner.lastName", Kind: schemas.KindText, Confidence: 0.95},
			{Locator: "#country", Value: "MX", DisplayValue: "Mexico", FieldPath: "petitioner.country", Kind: schemas.KindSelect, Confidence: 0.9},
			{Locator: "#middle", Value: "Ana", FieldPath: "petitioner.middleName", Kind: schemas.KindText, Confidence: 0.3},
		}}, nil
	})
	d, view := newTestDriver(t, page, port, testConfig())

	require.NoError(t, d.Attach(context.Background()))
	require.NoError(t, d.HandleAction(context.Background(), ActionStart))

	el, err := page.Peek("#lastName")
	require.NoError(t, err)
	assert.Equal(t, "Garcia", el.Value)
	el, _ = page.Peek("#country")
	assert.Equal(t, "MX", el.Value)

	p, ok := port.last(schemas.MsgFillComplete)
	require.True(t, ok)
	// The skipped path is still outside the filled set after the re-map, so it gets a
	// second round.
	assert.Equal(t, schemas.FillSummary{Filled: 2, Skipped: 1, Rounds: 2}, p.(schemas.FillSummary))

	assert.Equal(t, OverlayDone, d.Overlay().State())
	assert.Equal(t, []OverlayState{OverlayHidden, OverlayReady, OverlayRunning, OverlayDone}, view.States())
	assert.Zero(t, page.CountAttr(dom.IndexAttr), "stamped attributes are cleared")
	assert.Zero(t, page.CountAttr(dom.RefAttr))

	// progress: extracting status, three field events, in order.
	types := port.types()
	assert.Equal(t, schemas.MsgProgress, types[2])
	assert.Equal(t, schemas.MsgSnapshotSubmitted, types[3])
	assert.Equal(t, schemas.MsgFillComplete, types[len(types)-1])
	skipped, _ := port.last(schemas.MsgProgress)
	assert.Equal(t, "confidence 30% below threshold 50%", skipped.(schemas.ProgressEvent).Field.Reason)

	// Fill again from done.
	require.NoError(t, d.HandleAction(context.Background(), ActionStart))
	assert.Equal(t, OverlayDone, d.Overlay().State())
}

func TestRun_MappingRejected(t *testing.T) {
	page := newTestPage(t, formPage)
	port := newScriptedPort()
	port.on(schemas.MsgStatusQuery, pendingStatus)
	port.on(schemas.MsgSnapshotSubmitted, func(interface{}) (interface{}, error) {
		return nil, &messaging.RejectedError{Type: schemas.MsgSnapshotSubmitted, Message: "Field mapping failed: 502"}
	})
	d, _ := newTestDriver(t, page, port, testConfig())
	require.NoError(t, d.Attach(context.Background()))

	err := d.HandleAction(context.Background(), ActionStart)
	require.Error(t, err)
	assert.Equal(t, OverlayError, d.Overlay().State())
	assert.Equal(t, "Field mapping failed: 502", d.Overlay().Text())
	assert.NotContains(t, port.types(), schemas.MsgMappingError, "the orchestrator already recorded the failure")
	assert.Zero(t, page.CountAttr(dom.IndexAttr))

	// Retry is only legal from error.
	assert.ErrorIs(t, d.HandleAction(context.Background(), ActionStart), ErrActionNotAllowed)
	port.on(schemas.MsgSnapshotSubmitted, func(interface{}) (interface{}, error) {
		return schemas.MappingResponse{Mappings: []schemas.FieldMapping{}}, nil
	})
	require.NoError(t, d.HandleAction(context.Background(), ActionRetry))
	assert.Equal(t, OverlayDone, d.Overlay().State())
}

func TestRun_TransportFailureIsReported(t *testing.T) {
	port := newScriptedPort()
	port.on(schemas.MsgStatusQuery, pendingStatus)
	port.on(schemas.MsgSnapshotSubmitted, func(interface{}) (interface{}, error) {
		return nil, errors.New("connection reset")
	})
	d, _ := newTestDriver(t, newTestPage(t, formPage), port, testConfig())
	require.NoError(t, d.Attach(context.Background()))

	require.Error(t, d.HandleAction(context.Background(), ActionStart))
	p, ok := port.last(schemas.MsgMappingError)
	require.True(t, ok)
	assert.Contains(t, p.(schemas.MappingErrorNotice).Message, "connection reset")
}

func TestServe_ActionsAndPushes(t *testing.T) {
	defer goleak.VerifyNone(t)

	port := newScriptedPort()
	port.on(schemas.MsgStatusQuery, pendingStatus)
	d, view := newTestDriver(t, newTestPage(t, formPage), port, testConfig())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, d.Attach(ctx))

	actions := make(chan Action, 2)
	pushes := make(chan schemas.Message, 1)
	done := make(chan error, 1)
	go func() { done <- d.Serve(ctx, actions, pushes) }()

	// A push outside a run changes nothing.
	notice, err := schemas.NewMessage(schemas.MsgMappingError, "", schemas.MappingErrorNotice{Message: "late"})
	require.NoError(t, err)
	pushes <- notice

	actions <- ActionRetry
	actions <- ActionDismiss
	close(actions)

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after actions closed")
	}
	assert.Equal(t, OverlayHidden, d.Overlay().State())
	assert.Equal(t, OverlayHidden, view.States()[len(view.States())-1])
}

func TestHandlePush_DuringRun(t *testing.T) {
	d, _ := newTestDriver(t, newTestPage(t, formPage), newScriptedPort(), testConfig())
	ctx := context.Background()
	require.NoError(t, d.Overlay().Transition(ctx, OverlayReady, ""))
	require.NoError(t, d.Overlay().Transition(ctx, OverlayRunning, ""))

	notice, err := schemas.NewMessage(schemas.MsgMappingError, "", schemas.MappingErrorNotice{Message: "credential expired"})
	require.NoError(t, err)
	d.handlePush(ctx, notice)
	assert.Equal(t, OverlayError, d.Overlay().State())
	assert.Equal(t, "credential expired", d.Overlay().Text())
}

// TestDriver_EndToEnd runs a page driver against a real orchestrator behind the message
// runtime, from dashboard handoff to done.
func TestDriver_EndToEnd(t *testing.T) {
	defer goleak.VerifyNone(t)

	cfg := testConfig()
	st := store.NewMemory()
	mapper := new(mocks.MockMapper)
	tabs := new(mocks.MockTabOpener)
	relay := mocks.NewRecordingRelay()
	tabs.On("OpenTab", mock.Anything, "https://my.uscis.gov/forms/i-130").Return(schemas.TabID("target-1"), nil)
	mapper.On("Map", mock.Anything, mock.Anything, mock.Anything).Return([]schemas.FieldMapping{
		{Locator: "#lastName", Value: "Garcia", FieldPath: "petitioner.lastName", Kind: schemas.KindText, Confidence: 0.95},
	}, nil)

	reducer := orchestrator.Reducer{Target: config.TargetConfig{
		FormURLs: map[string]string{"i-130": "https://my.uscis.gov/forms/i-130"},
	}}
	svc, err := orchestrator.New(st, reducer, mapper, tabs, relay, zaptest.NewLogger(t))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	rt := messaging.NewRuntime(zaptest.NewLogger(t), svc, 8)
	svc.SetNotifier(rt)
	rt.Start(ctx)
	defer func() {
		cancel()
		rt.Wait()
	}()

	payload := schemas.AutofillPayload{
		FormCode:     "I-130",
		FormData:     map[string]interface{}{"petitioner": map[string]interface{}{"lastName": "Garcia"}},
		APIBaseURL:   "https://app.example.com",
		SessionToken: "tok",
	}
	require.NoError(t, rt.Port("dash").Call(ctx, schemas.MsgPayloadHandoff, payload, nil))

	page := newTestPage(t, formPage)
	d, _ := newTestDriver(t, page, rt.Port("target-1"), cfg)
	require.NoError(t, d.Attach(ctx))
	require.NoError(t, d.Run(ctx))

	el, _ := page.Peek("#lastName")
	assert.Equal(t, "Garcia", el.Value)

	state, err := st.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, schemas.StateDone, state.State)
	require.NotNil(t, state.LastProgress)
	assert.Equal(t, 1, state.LastProgress.Summary.Filled)

	last, ok := relay.Last("dash")
	require.True(t, ok)
	assert.Equal(t, schemas.ProgressSummary, last.Kind)
	// Initial mapping plus the convergence re-map that found nothing new.
	mapper.AssertNumberOfCalls(t, "Map", 2)
}

func TestRun_OverlayCountsEachField(t *testing.T) {
	page := newTestPage(t, formPage)
	port := newScriptedPort()
	port.on(schemas.MsgStatusQuery, pendingStatus)
	port.on(schemas.MsgSnapshotSubmitted, func(interface{}) (interface{}, error) {
		return schemas.MappingResponse{Mappings: []schemas.FieldMapping{
			{Locator: "#lastName", Value: "Garcia", FieldPath: "petitioner.lastName", Kind: schemas.KindText, Confidence: 0.95},
			{Locator: "#country", Value: "MX", FieldPath: "petitioner.country", Kind: schemas.KindSelect, Confidence: 0.9},
		}}, nil
	})
	cfg := testConfig()
	cfg.RoundsCfg.MaxRounds = 1
	d, view := newTestDriver(t, page, port, cfg)

	require.NoError(t, d.Attach(context.Background()))
	require.NoError(t, d.HandleAction(context.Background(), ActionStart))

	var fieldRenders []string
	view.mu.Lock()
	for _, c := range view.calls {
		if c.State == OverlayRunning && strings.HasPrefix(c.Text, "Filled ") {
			fieldRenders = append(fieldRenders, c.Text)
		}
	}
	view.mu.Unlock()
	assert.Equal(t, []string{
		"Filled 1 so far, field 1 of 2",
		"Filled 2 so far, field 2 of 2",
	}, fieldRenders)
}
