package driver

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// OverlayState is what the in-page panel shows.
type OverlayState string

const (
	OverlayHidden  OverlayState = "hidden"
	OverlayLogin   OverlayState = "login"
	OverlayReady   OverlayState = "ready"
	OverlayRunning OverlayState = "running"
	OverlayDone    OverlayState = "done"
	OverlayError   OverlayState = "error"
)

// ErrIllegalOverlayTransition is returned for a panel change the table does not allow.
var ErrIllegalOverlayTransition = errors.New("illegal overlay transition")

var overlayTransitions = map[OverlayState][]OverlayState{
	OverlayHidden:  {OverlayLogin, OverlayReady},
	OverlayLogin:   {OverlayReady, OverlayHidden},
	OverlayReady:   {OverlayRunning, OverlayHidden},
	OverlayRunning: {OverlayDone, OverlayError},
	OverlayDone:    {OverlayRunning, OverlayHidden},
	OverlayError:   {OverlayRunning, OverlayHidden},
}

// CanOverlayTransition reports whether from -> to is allowed.
func CanOverlayTransition(from, to OverlayState) bool {
	for _, s := range overlayTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// View renders the overlay. The CDP page implements it with injected script; a nil
// view renders nothing.
type View interface {
	Render(ctx context.Context, state OverlayState, text string) error
}

// Overlay owns the panel state of one page load.
type Overlay struct {
	mu     sync.Mutex
	state  OverlayState
	text   string
	view   View
	logger *zap.Logger
}

// NewOverlay starts hidden.
func NewOverlay(view View, logger *zap.Logger) *Overlay {
	return &Overlay{state: OverlayHidden, view: view, logger: logger}
}

// State returns the current panel state.
func (o *Overlay) State() OverlayState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Text returns the message currently shown.
func (o *Overlay) Text() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.text
}

// Install draws the initial hidden panel.
func (o *Overlay) Install(ctx context.Context) error {
	return o.render(ctx, OverlayHidden, "")
}

// Transition moves the panel to `to` and re-renders. Render failures are logged; the
// state change stands.
func (o *Overlay) Transition(ctx context.Context, to OverlayState, text string) error {
	o.mu.Lock()
	from := o.state
	if !CanOverlayTransition(from, to) {
		o.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrIllegalOverlayTransition, from, to)
	}
	o.state = to
	o.text = text
	o.mu.Unlock()

	o.logger.Debug("Overlay changed.", zap.String("from", string(from)), zap.String("to", string(to)))
	return o.render(ctx, to, text)
}

// Update changes the text without changing state.
func (o *Overlay) Update(ctx context.Context, text string) error {
	o.mu.Lock()
	o.text = text
	state := o.state
	o.mu.Unlock()
	return o.render(ctx, state, text)
}

func (o *Overlay) render(ctx context.Context, state OverlayState, text string) error {
	if o.view == nil {
		return nil
	}
	if err := o.view.Render(ctx, state, text); err != nil {
		o.logger.Warn("Failed to render overlay.", zap.String("state", string(state)), zap.Error(err))
	}
	return nil
}
