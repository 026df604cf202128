package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/casefill/api/schemas"
	"github.com/xkilldash9x/casefill/internal/bridge"
	"github.com/xkilldash9x/casefill/internal/browser/session"
	"github.com/xkilldash9x/casefill/internal/config"
	"github.com/xkilldash9x/casefill/internal/driver"
	"github.com/xkilldash9x/casefill/internal/mapping"
	"github.com/xkilldash9x/casefill/internal/messaging"
	"github.com/xkilldash9x/casefill/internal/observability"
	"github.com/xkilldash9x/casefill/internal/orchestrator"
	"github.com/xkilldash9x/casefill/internal/store"
)

const (
	runtimeBuffer   = 16
	shutdownTimeout = 10 * time.Second
	tabEventTimeout = 5 * time.Second
)

func newServeCmd() *cobra.Command {
	var (
		listen    string
		headless  bool
		autoStart bool
		backend   string
	)
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the dashboard bridge, the browser and the orchestrator",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := configFrom(cmd)
			if err != nil {
				return err
			}
			flags := cmd.Flags()
			if flags.Changed("listen") {
				cfg.SetBridgeListenAddr(listen)
			}
			if flags.Changed("headless") {
				cfg.SetBrowserHeadless(headless)
			}
			if flags.Changed("auto-start") {
				cfg.SetDriverAutoStart(autoStart)
			}
			if flags.Changed("store") {
				cfg.SetStoreBackend(backend)
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			return runServe(cmd.Context(), cfg, observability.GetLogger())
		},
	}
	serveCmd.Flags().StringVar(&listen, "listen", "", "bridge listen address (overrides bridge.listen_addr)")
	serveCmd.Flags().BoolVar(&headless, "headless", false, "run the browser headless")
	serveCmd.Flags().BoolVar(&autoStart, "auto-start", false, "start filling as soon as the form page is ready")
	serveCmd.Flags().StringVar(&backend, "store", "", "session store backend: memory, sqlite, postgres or redis")
	return serveCmd
}

// runServe wires every component and runs until ctx is canceled or one of them fails.
func runServe(ctx context.Context, cfg config.Interface, logger *zap.Logger) error {
	st, err := store.Open(ctx, cfg.Store(), logger)
	if err != nil {
		return fmt.Errorf("failed to open session store: %w", err)
	}
	defer st.Close()

	mapper, err := mapping.New(ctx, cfg.Mapping(), logger)
	if err != nil {
		return fmt.Errorf("failed to initialize mapper: %w", err)
	}

	br := bridge.New(cfg, logger)

	// The runtime needs the orchestrator and the orchestrator needs the browser, whose page
	// handler needs the runtime; rt is assigned before the browser starts.
	var rt *messaging.Runtime

	mgr, err := session.NewManager(cfg, logger,
		func(pageCtx context.Context, page *session.Page, actions <-chan driver.Action) {
			runPageDriver(pageCtx, rt, page, actions, cfg, logger)
		},
		func(tab schemas.TabID) {
			go reportTabClosed(rt, tab, logger)
		},
	)
	if err != nil {
		return err
	}

	svc, err := orchestrator.New(st, orchestrator.Reducer{Target: cfg.Target()}, mapper, mgr, br, logger)
	if err != nil {
		return err
	}
	rt = messaging.NewRuntime(logger, svc, runtimeBuffer)
	svc.SetNotifier(rt)
	br.Bind(rt)

	g, gctx := errgroup.WithContext(ctx)
	rt.Start(gctx)

	if err := mgr.Start(gctx); err != nil {
		rt.Close()
		rt.Wait()
		return err
	}

	g.Go(func() error {
		return br.ListenAndServe(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := mgr.Close(closeCtx)
		rt.Close()
		rt.Wait()
		return err
	})

	logger.Info("casefill is ready.", zap.String("bridge", cfg.Bridge().ListenAddr), zap.String("store", cfg.Store().Backend))
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("casefill stopped.")
	return nil
}

// runPageDriver drives one document load of a target tab until pageCtx ends.
func runPageDriver(ctx context.Context, rt *messaging.Runtime, page *session.Page, actions <-chan driver.Action, cfg config.Interface, logger *zap.Logger) {
	logger = logger.With(zap.String("tab", string(page.Tab())))
	d, err := driver.New(page, rt.Port(page.Tab()), page, cfg, logger)
	if err != nil {
		logger.Error("Failed to create page driver.", zap.Error(err))
		return
	}
	pushes, unsubscribe := rt.Subscribe(page.Tab())
	defer unsubscribe()

	if err := d.Attach(ctx); err != nil {
		if ctx.Err() == nil {
			logger.Warn("Page driver could not attach.", zap.Error(err))
		}
		return
	}
	if err := d.Serve(ctx, actions, pushes); err != nil && ctx.Err() == nil {
		logger.Warn("Page driver stopped.", zap.Error(err))
	}
}

func reportTabClosed(rt *messaging.Runtime, tab schemas.TabID, logger *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), tabEventTimeout)
	defer cancel()
	if _, err := rt.Port("").Send(ctx, schemas.MsgTabClosed, schemas.TabEvent{Tab: tab}); err != nil {
		logger.Debug("Could not report closed tab.", zap.String("tab", string(tab)), zap.Error(err))
	}
}
