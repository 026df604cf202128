// Package driver runs in the target site's tab. A Driver lives for exactly one page load:
// it decides what the overlay shows, and on the user's word extracts, maps and fills.
package driver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/casefill/api/schemas"
	"github.com/xkilldash9x/casefill/internal/browser/dom"
	"github.com/xkilldash9x/casefill/internal/config"
	"github.com/xkilldash9x/casefill/internal/extract"
	"github.com/xkilldash9x/casefill/internal/fill"
	"github.com/xkilldash9x/casefill/internal/messaging"
)

// Caller sends a request to the orchestrator. *messaging.Port implements it.
type Caller interface {
	Call(ctx context.Context, t schemas.MessageType, payload, out interface{}) error
}

// Action is a user command from the overlay.
type Action string

const (
	ActionStart   Action = "start"
	ActionRetry   Action = "retry"
	ActionDismiss Action = "dismiss"
)

// ErrActionNotAllowed is returned when the overlay is not in a state the action applies to.
var ErrActionNotAllowed = errors.New("action not allowed in current overlay state")

// cleanupTimeout bounds mark removal after the run context is gone.
const cleanupTimeout = 5 * time.Second

// Driver binds one page load to the orchestrator.
type Driver struct {
	page      dom.Page
	port      Caller
	overlay   *Overlay
	extractor *extract.Extractor
	engine    *fill.Engine
	rounds    *RoundController
	autoStart bool
	logger    *zap.Logger
}

// New builds a driver for page. view may be nil when the overlay is disabled.
func New(page dom.Page, port Caller, view View, cfg config.Interface, logger *zap.Logger) (*Driver, error) {
	if page == nil || port == nil || cfg == nil {
		return nil, fmt.Errorf("cannot initialize page driver with nil dependencies")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("driver")

	ex, err := extract.New(logger, cfg.Snapshot())
	if err != nil {
		return nil, err
	}
	if !cfg.Driver().Overlay {
		view = nil
	}
	return &Driver{
		page:      page,
		port:      port,
		overlay:   NewOverlay(view, logger),
		extractor: ex,
		engine:    fill.New(page, fill.OptionsFromConfig(cfg.Fill()), logger),
		rounds:    NewRoundController(cfg.Rounds(), logger),
		autoStart: cfg.Driver().AutoStart,
		logger:    logger,
	}, nil
}

// Overlay exposes the panel state.
func (d *Driver) Overlay() *Overlay { return d.overlay }

// Attach runs the page-load decision: no pending payload leaves the overlay hidden, a
// sign-in page shows the login panel, anything else reports page_ready and shows the
// ready panel (or starts right away when auto start is on).
func (d *Driver) Attach(ctx context.Context) error {
	if err := d.overlay.Install(ctx); err != nil {
		return err
	}

	var st schemas.Status
	if err := d.port.Call(ctx, schemas.MsgStatusQuery, nil, &st); err != nil {
		return fmt.Errorf("status query failed: %w", err)
	}
	if !st.HasPayload {
		d.logger.Debug("No pending payload, overlay stays hidden.")
		return nil
	}

	url, _ := d.page.URL(ctx)
	login, err := DetectLogin(ctx, d.page)
	if err != nil {
		d.logger.Warn("Login detection failed, assuming form page.", zap.Error(err))
	}

	notice := schemas.PageReady{URL: url, LoginRequired: login}
	if err := d.port.Call(ctx, schemas.MsgPageReady, notice, nil); err != nil {
		var rejected *messaging.RejectedError
		if !errors.As(err, &rejected) {
			return fmt.Errorf("page_ready failed: %w", err)
		}
		d.logger.Warn("Orchestrator did not accept page_ready.", zap.String("reason", rejected.Message))
	}

	if login {
		return d.overlay.Transition(ctx, OverlayLogin, "Sign in to continue filling "+st.FormCode)
	}
	if err := d.overlay.Transition(ctx, OverlayReady, "Ready to fill "+st.FormCode); err != nil {
		return err
	}
	if d.autoStart {
		return d.Run(ctx)
	}
	return nil
}

// Serve handles overlay actions and orchestrator pushes until ctx ends or actions closes.
// A failed run is reported on the overlay and does not stop the loop.
func (d *Driver) Serve(ctx context.Context, actions <-chan Action, pushes <-chan schemas.Message) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case a, ok := <-actions:
			if !ok {
				return nil
			}
			if err := d.HandleAction(ctx, a); err != nil {
				d.logger.Info("Action failed.", zap.String("action", string(a)), zap.Error(err))
			}
		case msg, ok := <-pushes:
			if !ok {
				pushes = nil
				continue
			}
			d.handlePush(ctx, msg)
		}
	}
}

// HandleAction applies one overlay action.
func (d *Driver) HandleAction(ctx context.Context, a Action) error {
	state := d.overlay.State()
	switch a {
	case ActionStart:
		if state != OverlayReady && state != OverlayDone {
			return fmt.Errorf("%w: %s in %s", ErrActionNotAllowed, a, state)
		}
		return d.Run(ctx)
	case ActionRetry:
		if state != OverlayError {
			return fmt.Errorf("%w: %s in %s", ErrActionNotAllowed, a, state)
		}
		return d.Run(ctx)
	case ActionDismiss:
		return d.overlay.Transition(ctx, OverlayHidden, "")
	default:
		return fmt.Errorf("unknown overlay action %q", a)
	}
}

func (d *Driver) handlePush(ctx context.Context, msg schemas.Message) {
	if msg.Type != schemas.MsgMappingError {
		d.logger.Debug("Ignoring push.", zap.String("type", string(msg.Type)))
		return
	}
	var notice schemas.MappingErrorNotice
	if err := msg.Decode(&notice); err != nil {
		d.logger.Warn("Malformed mapping_error push.", zap.Error(err))
		return
	}
	if d.overlay.State() == OverlayRunning {
		_ = d.overlay.Transition(ctx, OverlayError, notice.Message)
	}
}

// Run performs one fill run: extract, map, fill in rounds, report. Stamped attributes
// are removed on every exit path.
func (d *Driver) Run(ctx context.Context) error {
	if err := d.overlay.Transition(ctx, OverlayRunning, "Reading the form"); err != nil {
		return err
	}
	defer d.clearMarks(ctx)

	mappings, err := d.extractAndMap(ctx)
	if err != nil {
		return d.fail(ctx, err)
	}
	_ = d.overlay.Update(ctx, fmt.Sprintf("Filling %d fields", len(mappings)))

	summary, err := d.rounds.Run(ctx, mappings, d.engine, d.extractAndMap, d.report)
	if err != nil {
		return d.fail(ctx, err)
	}
	if err := d.port.Call(ctx, schemas.MsgFillComplete, summary, nil); err != nil {
		d.logger.Warn("fill_complete was not accepted.", zap.Error(err))
	}
	d.logger.Info("Fill run complete.",
		zap.Int("filled", summary.Filled),
		zap.Int("skipped", summary.Skipped),
		zap.Int("failed", summary.Failed),
		zap.Int("rounds", summary.Rounds))
	return d.overlay.Transition(ctx, OverlayDone, describeSummary(summary))
}

func (d *Driver) extractAndMap(ctx context.Context) ([]schemas.FieldMapping, error) {
	extracting := schemas.NewStatusEvent(schemas.StatusUpdate{Phase: schemas.PhaseExtracting, Message: "Reading the form"})
	if err := d.port.Call(ctx, schemas.MsgProgress, extracting, nil); err != nil {
		d.logger.Debug("Extracting status was not accepted.", zap.Error(err))
	}

	snap, err := d.extractor.Extract(ctx, d.page)
	if err != nil {
		return nil, fmt.Errorf("snapshot extraction failed: %w", err)
	}
	_ = d.overlay.Update(ctx, fmt.Sprintf("Mapping %d fields", len(snap.Fields)))

	var resp schemas.MappingResponse
	if err := d.port.Call(ctx, schemas.MsgSnapshotSubmitted, snap, &resp); err != nil {
		return nil, err
	}
	return resp.Mappings, nil
}

func (d *Driver) report(ctx context.Context, r schemas.FieldResult, p RoundProgress) {
	_ = d.overlay.Update(ctx, describeProgress(p))
	if err := d.port.Call(ctx, schemas.MsgProgress, schemas.NewFieldEvent(r), nil); err != nil {
		d.logger.Debug("Field progress was not accepted.", zap.String("field", r.FieldPath), zap.Error(err))
	}
}

// fail moves the overlay to error. Failures the orchestrator has not already recorded
// are reported to it as mapping_error.
func (d *Driver) fail(ctx context.Context, cause error) error {
	text := cause.Error()
	var rejected *messaging.RejectedError
	if errors.As(cause, &rejected) {
		text = rejected.Message
	} else if ctx.Err() == nil {
		notice := schemas.MappingErrorNotice{Message: text}
		if err := d.port.Call(ctx, schemas.MsgMappingError, notice, nil); err != nil {
			d.logger.Debug("mapping_error was not accepted.", zap.Error(err))
		}
	}
	if d.overlay.State() == OverlayRunning {
		_ = d.overlay.Transition(ctx, OverlayError, text)
	}
	return cause
}

func (d *Driver) clearMarks(ctx context.Context) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()
	if err := d.page.ClearMarks(cctx); err != nil {
		d.logger.Debug("Failed to clear stamped attributes.", zap.Error(err))
	}
}

// DetectLogin reports a sign-in page: one with a visible password input.
func DetectLogin(ctx context.Context, page dom.Page) (bool, error) {
	els, err := page.Query(ctx, `input[type="password"]`)
	if err != nil {
		return false, err
	}
	for _, el := range els {
		if el.Visible && !el.Disabled {
			return true, nil
		}
	}
	return false, nil
}

func describeProgress(p RoundProgress) string {
	text := fmt.Sprintf("Filled %d so far, field %d of %d", p.Filled, p.Position, p.Pending)
	if p.Round > 1 {
		text += fmt.Sprintf(" (round %d)", p.Round)
	}
	return text
}

func describeSummary(s schemas.FillSummary) string {
	return fmt.Sprintf("Filled %d, skipped %d, failed %d in %d round(s)", s.Filled, s.Skipped, s.Failed, s.Rounds)
}
