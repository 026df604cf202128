// internal/browser/session/manager.go
package session

import (
	"context"
	"errors"
	"fmt"
	goruntime "runtime"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/casefill/api/schemas"
	"github.com/xkilldash9x/casefill/internal/browser/dom"
	"github.com/xkilldash9x/casefill/internal/browser/shim"
	"github.com/xkilldash9x/casefill/internal/config"
	"github.com/xkilldash9x/casefill/internal/driver"
)

const (
	// ActionBinding is the CDP binding the overlay buttons call.
	ActionBinding = "casefillAction"
	// OverlayHostAttr marks the overlay element so snapshots skip it.
	OverlayHostAttr = "data-casefill-overlay"

	defaultNavigationTimeout = 60 * time.Second
	startupTimeout           = 30 * time.Second
	actionBuffer             = 8
)

// ErrClosed is returned by OpenTab once the manager is shut down.
var ErrClosed = errors.New("browser manager is closed")

// PageHandler runs a page driver for one document load. ctx is canceled when the tab
// navigates again or closes. actions carries overlay button presses for the tab.
type PageHandler func(ctx context.Context, page *Page, actions <-chan driver.Action)

// TabClosedFunc is told about tabs the manager opened that have gone away.
type TabClosedFunc func(tab schemas.TabID)

type tab struct {
	id      schemas.TabID
	ctx     context.Context
	cancel  context.CancelFunc
	actions chan driver.Action

	mu           sync.Mutex
	driverCancel context.CancelFunc
}

// Manager owns the Chromium process and the tabs opened for filling.
type Manager struct {
	cfg      config.BrowserConfig
	logger   *zap.Logger
	scripts  []string
	onPage   PageHandler
	onClosed TabClosedFunc

	allocCtx      context.Context
	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc

	mu     sync.Mutex
	tabs   map[schemas.TabID]*tab
	closed bool
	wg     sync.WaitGroup
}

// NewManager prepares a manager. The browser is launched by Start.
func NewManager(cfg config.Interface, logger *zap.Logger, onPage PageHandler, onClosed TabClosedFunc) (*Manager, error) {
	if onPage == nil {
		return nil, fmt.Errorf("page handler cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	scripts, err := shim.Scripts(shim.Config{
		IndexAttr: dom.IndexAttr,
		RefAttr:   dom.RefAttr,
		HostAttr:  OverlayHostAttr,
		Binding:   ActionBinding,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build page scripts: %w", err)
	}
	if onClosed == nil {
		onClosed = func(schemas.TabID) {}
	}
	return &Manager{
		cfg:      cfg.Browser(),
		logger:   logger.Named("browser"),
		scripts:  scripts,
		onPage:   onPage,
		onClosed: onClosed,
		tabs:     make(map[schemas.TabID]*tab),
	}, nil
}

// Start launches the browser and begins watching for closed targets.
func (m *Manager) Start(ctx context.Context) error {
	m.logger.Info("Launching browser.", zap.Bool("headless", m.cfg.Headless))

	m.allocCtx, m.allocCancel = chromedp.NewExecAllocator(ctx, allocatorOptions(m.cfg)...)

	var ctxOpts []chromedp.ContextOption
	if m.cfg.Debug {
		ctxOpts = append(ctxOpts, chromedp.WithDebugf(m.logger.Sugar().Debugf))
	}
	m.browserCtx, m.browserCancel = chromedp.NewContext(m.allocCtx, ctxOpts...)

	// The first Run allocates the browser and binds it to the context it is given, so it
	// gets browserCtx itself; the deadline only applies to the follow-up command.
	if err := chromedp.Run(m.browserCtx); err != nil {
		m.browserCancel()
		m.allocCancel()
		return fmt.Errorf("browser failed to start: %w", err)
	}
	startCtx, cancel := context.WithTimeout(ctx, startupTimeout)
	defer cancel()
	runCtx, cancelRun := CombineContext(m.browserCtx, startCtx)
	defer cancelRun()
	if err := chromedp.Run(runCtx, target.SetDiscoverTargets(true)); err != nil {
		m.browserCancel()
		m.allocCancel()
		return fmt.Errorf("browser failed to respond: %w", opErr(startCtx, err))
	}

	chromedp.ListenBrowser(m.browserCtx, func(ev interface{}) {
		if e, ok := ev.(*target.EventTargetDestroyed); ok {
			m.forget(schemas.TabID(e.TargetID), true)
		}
	})

	m.logger.Info("Browser launched successfully and is responsive.")
	return nil
}

// OpenTab creates a tab, instruments it and starts navigating to url. It returns as soon
// as the target exists; the page driver takes over on the first load event.
func (m *Manager) OpenTab(ctx context.Context, url string) (schemas.TabID, error) {
	m.mu.Lock()
	if m.closed || m.browserCtx == nil {
		m.mu.Unlock()
		return "", ErrClosed
	}
	m.mu.Unlock()

	tabCtx, cancel := chromedp.NewContext(m.browserCtx)
	// Same rule as Start: the target lives as long as the context of its first Run.
	if err := chromedp.Run(tabCtx); err != nil {
		cancel()
		return "", fmt.Errorf("failed to create tab: %w", err)
	}
	setupCtx, cancelSetup := CombineContext(tabCtx, ctx)
	err := chromedp.Run(setupCtx, chromedp.ActionFunc(m.instrument))
	cancelSetup()
	if err != nil {
		cancel()
		return "", fmt.Errorf("failed to open tab: %w", opErr(ctx, err))
	}

	c := chromedp.FromContext(tabCtx)
	if c == nil || c.Target == nil {
		cancel()
		return "", fmt.Errorf("failed to open tab: no target attached")
	}
	t := &tab{
		id:      schemas.TabID(c.Target.TargetID),
		ctx:     tabCtx,
		cancel:  cancel,
		actions: make(chan driver.Action, actionBuffer),
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		cancel()
		return "", ErrClosed
	}
	m.tabs[t.id] = t
	m.mu.Unlock()

	chromedp.ListenTarget(tabCtx, func(ev interface{}) { m.onTargetEvent(t, ev) })

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.navigate(t, url)
	}()

	m.logger.Info("Opened tab.", zap.String("tab", string(t.id)), zap.String("url", url))
	return t.id, nil
}

// Tabs lists the tabs currently tracked.
func (m *Manager) Tabs() []schemas.TabID {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]schemas.TabID, 0, len(m.tabs))
	for id := range m.tabs {
		out = append(out, id)
	}
	return out
}

// Close stops every driver and the browser, waiting for driver goroutines until ctx ends.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	tabs := make([]*tab, 0, len(m.tabs))
	for _, t := range m.tabs {
		tabs = append(tabs, t)
	}
	m.tabs = make(map[schemas.TabID]*tab)
	m.mu.Unlock()

	for _, t := range tabs {
		t.stopDriver()
		t.cancel()
	}
	if m.browserCancel != nil {
		m.browserCancel()
	}
	if m.allocCancel != nil {
		m.allocCancel()
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		m.logger.Info("Browser closed.")
		return nil
	case <-ctx.Done():
		m.logger.Warn("Timed out waiting for page drivers to stop.")
		return ctx.Err()
	}
}

func (m *Manager) instrument(ctx context.Context) error {
	if err := runtime.AddBinding(ActionBinding).Do(ctx); err != nil {
		return fmt.Errorf("failed to expose overlay binding (%s): %w", ActionBinding, err)
	}
	for i, script := range m.scripts {
		if _, err := page.AddScriptToEvaluateOnNewDocument(script).Do(ctx); err != nil {
			return fmt.Errorf("failed to inject page script %d: %w", i, err)
		}
	}
	return nil
}

func (m *Manager) navigate(t *tab, url string) {
	timeout := m.cfg.NavigationTimeout
	if timeout <= 0 {
		timeout = defaultNavigationTimeout
	}
	navCtx, cancel := context.WithTimeout(t.ctx, timeout)
	defer cancel()
	if err := chromedp.Run(navCtx, chromedp.Navigate(url)); err != nil && t.ctx.Err() == nil {
		// The load event may still arrive; the driver reports its own failures.
		m.logger.Warn("Navigation did not complete.", zap.String("tab", string(t.id)), zap.String("url", url), zap.Error(err))
	}
}

// onTargetEvent runs on chromedp's event goroutine and must not block or issue commands.
func (m *Manager) onTargetEvent(t *tab, ev interface{}) {
	switch e := ev.(type) {
	case *page.EventLoadEventFired:
		m.dispatch(t)
	case *runtime.EventBindingCalled:
		if e.Name != ActionBinding {
			return
		}
		select {
		case t.actions <- driver.Action(strings.TrimSpace(e.Payload)):
		default:
			m.logger.Warn("Dropped overlay action, driver is busy.", zap.String("tab", string(t.id)), zap.String("action", e.Payload))
		}
	case *page.EventJavascriptDialogOpening:
		m.logger.Debug("Page opened a dialog.", zap.String("tab", string(t.id)), zap.String("type", string(e.Type)))
	}
}

// dispatch replaces the tab's driver with a fresh one for the new document.
func (m *Manager) dispatch(t *tab) {
	m.mu.Lock()
	if m.closed || m.tabs[t.id] != t {
		m.mu.Unlock()
		return
	}
	m.wg.Add(1)
	m.mu.Unlock()

	dctx, cancel := context.WithCancel(t.ctx)
	t.mu.Lock()
	if t.driverCancel != nil {
		t.driverCancel()
	}
	t.driverCancel = cancel
	t.mu.Unlock()

	p := newPage(t.ctx, t.id, m.logger)
	go func() {
		defer m.wg.Done()
		defer cancel()
		m.onPage(dctx, p, t.actions)
	}()
}

func (m *Manager) forget(id schemas.TabID, notify bool) {
	m.mu.Lock()
	t, ok := m.tabs[id]
	if ok {
		delete(m.tabs, id)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	t.stopDriver()
	t.cancel()
	m.logger.Info("Tab closed.", zap.String("tab", string(id)))
	if notify {
		m.onClosed(id)
	}
}

func (t *tab) stopDriver() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.driverCancel != nil {
		t.driverCancel()
		t.driverCancel = nil
	}
}

// allocatorOptions turns the browser config into exec allocator options.
func allocatorOptions(cfg config.BrowserConfig) []chromedp.ExecAllocatorOption {
	var opts []chromedp.ExecAllocatorOption
	for _, opt := range chromedp.DefaultExecAllocatorOptions {
		opts = append(opts, opt)
	}
	for _, f := range allocatorFlags(cfg) {
		opts = append(opts, chromedp.Flag(f.name, f.value))
	}
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}
	if cfg.UserDataDir != "" {
		opts = append(opts, chromedp.UserDataDir(cfg.UserDataDir))
	}
	return opts
}

type flag struct {
	name  string
	value interface{}
}

// allocatorFlags lists the command line flags in the order they are applied. Later
// entries override earlier ones with the same name.
func allocatorFlags(cfg config.BrowserConfig) []flag {
	flags := []flag{
		{"headless", cfg.Headless},
		{"ignore-certificate-errors", cfg.IgnoreTLSErrors},
		{"disable-gpu", cfg.Headless},
		{"disable-extensions", true},
	}
	if cfg.IgnoreTLSErrors {
		flags = append(flags, flag{"allow-insecure-localhost", true})
	}
	if goruntime.GOOS == "linux" {
		flags = append(flags,
			flag{"no-sandbox", true},
			flag{"disable-dev-shm-usage", true},
		)
	}
	for _, arg := range cfg.Args {
		parts := strings.SplitN(arg, "=", 2)
		name := strings.TrimPrefix(parts[0], "--")
		if name == "" {
			continue
		}
		if len(parts) == 2 {
			flags = append(flags, flag{name, parts[1]})
		} else {
			flags = append(flags, flag{name, true})
		}
	}
	return flags
}
