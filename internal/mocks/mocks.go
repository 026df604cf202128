// File: internal/mocks/mocks.go
package mocks

import (
	"context"
	"sync"

	"github.com/stretchr/testify/mock"

	"github.com/xkilldash9x/casefill/api/schemas"
	"github.com/xkilldash9x/casefill/internal/config"
)

// -- Config Mock --

// MockConfig mocks the config.Interface.
type MockConfig struct {
	mock.Mock
}

// --- Getters ---

func (m *MockConfig) Logger() config.LoggerConfig {
	args := m.Called()
	return args.Get(0).(config.LoggerConfig)
}

func (m *MockConfig) Browser() config.BrowserConfig {
	args := m.Called()
	return args.Get(0).(config.BrowserConfig)
}

func (m *MockConfig) Target() config.TargetConfig {
	args := m.Called()
	return args.Get(0).(config.TargetConfig)
}

func (m *MockConfig) Bridge() config.BridgeConfig {
	args := m.Called()
	return args.Get(0).(config.BridgeConfig)
}

func (m *MockConfig) Store() config.StoreConfig {
	args := m.Called()
	return args.Get(0).(config.StoreConfig)
}

func (m *MockConfig) Mapping() config.MappingConfig {
	args := m.Called()
	return args.Get(0).(config.MappingConfig)
}

func (m *MockConfig) Fill() config.FillConfig {
	args := m.Called()
	return args.Get(0).(config.FillConfig)
}

func (m *MockConfig) Rounds() config.RoundsConfig {
	args := m.Called()
	return args.Get(0).(config.RoundsConfig)
}

func (m *MockConfig) Snapshot() config.SnapshotConfig {
	args := m.Called()
	return args.Get(0).(config.SnapshotConfig)
}

func (m *MockConfig) Driver() config.DriverConfig {
	args := m.Called()
	return args.Get(0).(config.DriverConfig)
}

// --- Setters ---

func (m *MockConfig) SetBrowserHeadless(b bool)    { m.Called(b) }
func (m *MockConfig) SetBridgeListenAddr(a string) { m.Called(a) }
func (m *MockConfig) SetDriverAutoStart(b bool)    { m.Called(b) }
func (m *MockConfig) SetStoreBackend(b string)     { m.Called(b) }

// -- Mapping Mock --

// MockMapper mocks mapping.Mapper.
type MockMapper struct {
	mock.Mock
}

func (m *MockMapper) Map(ctx context.Context, payload *schemas.AutofillPayload, snapshot *schemas.DOMSnapshot) ([]schemas.FieldMapping, error) {
	args := m.Called(ctx, payload, snapshot)
	var mappings []schemas.FieldMapping
	if v := args.Get(0); v != nil {
		mappings = v.([]schemas.FieldMapping)
	}
	return mappings, args.Error(1)
}

// -- Tab Mock --

// MockTabOpener mocks orchestrator.TabOpener.
type MockTabOpener struct {
	mock.Mock
}

func (m *MockTabOpener) OpenTab(ctx context.Context, url string) (schemas.TabID, error) {
	args := m.Called(ctx, url)
	return args.Get(0).(schemas.TabID), args.Error(1)
}

// -- Relay Recorder --

// RecordingRelay implements orchestrator.DashboardRelay and keeps every event it was given.
type RecordingRelay struct {
	mu     sync.Mutex
	events map[schemas.TabID][]schemas.ProgressEvent
	Err    error
}

func NewRecordingRelay() *RecordingRelay {
	return &RecordingRelay{events: make(map[schemas.TabID][]schemas.ProgressEvent)}
}

func (r *RecordingRelay) Relay(_ context.Context, tab schemas.TabID, ev schemas.ProgressEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events[tab] = append(r.events[tab], ev)
	return r.Err
}

// Events returns a copy of what was relayed to tab.
func (r *RecordingRelay) Events(tab schemas.TabID) []schemas.ProgressEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]schemas.ProgressEvent(nil), r.events[tab]...)
}

// Last returns the most recent event relayed to tab.
func (r *RecordingRelay) Last(tab schemas.TabID) (schemas.ProgressEvent, bool) {
	evs := r.Events(tab)
	if len(evs) == 0 {
		return schemas.ProgressEvent{}, false
	}
	return evs[len(evs)-1], true
}

// -- Notifier Recorder --

// RecordingNotifier implements orchestrator.Notifier.
type RecordingNotifier struct {
	mu   sync.Mutex
	msgs map[schemas.TabID][]schemas.Message
}

func NewRecordingNotifier() *RecordingNotifier {
	return &RecordingNotifier{msgs: make(map[schemas.TabID][]schemas.Message)}
}

func (n *RecordingNotifier) Notify(tab schemas.TabID, msg schemas.Message) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.msgs[tab] = append(n.msgs[tab], msg)
	return nil
}

func (n *RecordingNotifier) Messages(tab schemas.TabID) []schemas.Message {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]schemas.Message(nil), n.msgs[tab]...)
}
