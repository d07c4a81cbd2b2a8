package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"codeocr/src/api"
	"codeocr/src/bridge"
	"codeocr/src/browser"
	"codeocr/src/clipboard"
	"codeocr/src/config"
	"codeocr/src/coordinator"
	"codeocr/src/host"
	"codeocr/src/hotkey"
	"codeocr/src/presenter"
	"codeocr/src/router"
	"codeocr/src/runtimeinit"
	"codeocr/src/session"
	"codeocr/src/settings"
	"codeocr/src/singleinstance"
	"codeocr/src/tray"
	"codeocr/src/worker"
)

type mainOptions struct {
	toggle     bool
	endpoint   string
	apiKeyPath string
	listen     string
	headless   bool
	noHotkey   bool
}

func main() {
	if err := runWithArgs(normalizeLegacyArgs(os.Args)); err != nil {
		log.Errorf("%v", err)
		os.Exit(1)
	}
}

// normalizeLegacyArgs maps single-dash long flags (-toggle) to GNU style.
func normalizeLegacyArgs(args []string) []string {
	out := make([]string, len(args))
	copy(out, args)
	for i := 1; i < len(out); i++ {
		arg := out[i]
		if len(arg) > 2 && arg[0] == '-' && isLetter(arg[1]) {
			out[i] = "-" + arg
		}
	}
	return out
}

func isLetter(b byte) bool { return b >= 'a' && b <= 'z' || b >= 'A' && b <= 'Z' }

func runWithArgs(args []string) error {
	if len(args) == 0 {
		args = []string{"codeocr"}
	}
	opts := &mainOptions{}
	cmd := newRootCmd(opts)
	cmd.SetArgs(args[1:])
	return cmd.Execute()
}

func newRootCmd(opts *mainOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "codeocr",
		Short:         "Select code in a browser tab and recognize it",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, *opts)
		},
	}
	cmd.Flags().BoolVar(&opts.toggle, "toggle", false, "Toggle selection in the running host's active tab and exit")
	cmd.Flags().StringVar(&opts.endpoint, "endpoint", "", "Recognition server URL (overrides RECOGNITION_ENDPOINT)")
	cmd.Flags().StringVar(&opts.apiKeyPath, "api-key-path", "", "Path to API key file (highest precedence)")
	cmd.Flags().StringVar(&opts.listen, "listen", "", "Control API address (overrides LISTEN_ADDR)")
	cmd.Flags().BoolVar(&opts.headless, "headless", false, "Launch Chrome headless")
	cmd.Flags().BoolVar(&opts.noHotkey, "no-hotkey", false, "Do not register the global hotkey")
	return cmd
}

// resident is the part of the single-instance client main needs.
type resident interface {
	Running(ctx context.Context) bool
	TryToggle(ctx context.Context) (bool, int, error)
}

func handleToggleWithDelegation(ctx context.Context, client resident) error {
	delegated, tab, err := client.TryToggle(ctx)
	if err != nil {
		return fmt.Errorf("toggle: %w", err)
	}
	if !delegated {
		return errors.New("no running codeocr host found")
	}
	log.Infof("Delegated toggle to resident (tab %d)", tab)
	return nil
}

func run(ctx context.Context, opts mainOptions) error {
	loadOpts := config.LoadOptions{
		EndpointOverride:   opts.endpoint,
		APIKeyPathOverride: opts.apiKeyPath,
		ListenAddrOverride: opts.listen,
	}

	if opts.toggle {
		cfg, err := config.LoadWithOptions(loadOpts)
		if err != nil {
			return err
		}
		return handleToggleWithDelegation(ctx, singleinstance.NewClient(cfg.ListenAddr))
	}

	rt, err := runtimeinit.Bootstrap(ctx, runtimeinit.Options{LoadOptions: loadOpts, SetupLogging: true})
	if err != nil {
		return err
	}
	defer rt.Close()
	cfg := rt.Config
	if opts.headless {
		cfg.ChromeHeadless = true
	}

	if singleinstance.NewClient(cfg.ListenAddr).Running(ctx) {
		return fmt.Errorf("codeocr is already running on %s", cfg.ListenAddr)
	}

	stale, err := coordinator.ParseStalePolicy(cfg.StaleResponses)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	rtr := router.NewRouter()
	defer rtr.Shutdown()

	drv := browser.New(browser.Config{
		RemoteURL:  cfg.ChromeRemoteURL,
		Headless:   cfg.ChromeHeadless,
		BridgeBase: cfg.BridgeBaseURL,
	})
	h := host.New(drv, rtr)

	pool := worker.New(cfg.Workers, cfg.QueueSize)
	defer pool.Close()

	var tr *tray.Tray
	if cfg.EnableTray {
		tr = tray.New(tray.Options{Hotkey: cfg.Hotkey, OnQuit: cancel})
	}

	loop := coordinator.New(coordinator.Options{
		Tabs:       h,
		Recognizer: rt.OCR,
		Pool:       pool,
		Hints:      rt.Catalog.Options(),
		Sink:       rt.Debug,
		Deadline:   time.Duration(cfg.RequestDeadline) * time.Second,
		Stale:      stale,
		OnActivity: func(n int) {
			if tr != nil {
				tr.SetBusy(n)
			}
		},
	})
	h.Bind(loop)
	applyAppearance(ctx, rt.Settings, h)

	drv.OnTabClosed(func(tab session.TabID) {
		if err := loop.TabClosed(tab); err != nil {
			log.Debugf("Tab %s closed after shutdown: %v", tab, err)
		}
		h.Forget(tab)
	})

	if cfg.CopyToClipboard {
		if err := clipboard.Init(); err != nil {
			log.Warnf("Copy to clipboard disabled: %v", err)
		} else {
			copyCode := presenter.ClipboardSink(clipboard.Write)
			h.OnResult(func(_ session.TabID, ex presenter.Extracted) { copyCode(ex) })
		}
	}

	toggle := func() { toggleActive(drv, loop) }
	if tr != nil {
		tr.SetOnToggle(toggle)
	}

	handler := api.NewHandler(api.Options{
		Loop:       loop,
		Tabs:       drv,
		Catalog:    rt.Catalog,
		Settings:   rt.Settings,
		Bridge:     bridge.New(h),
		Outboxes:   rtr,
		OnSettings: func(s settings.Settings) { h.SetAppearance(appearance(s)) },
	})
	srv := &http.Server{Addr: cfg.ListenAddr, Handler: handler.Routes(), ReadHeaderTimeout: 10 * time.Second}
	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.ListenAddr, err)
	}
	log.Infof("Control API listening on http://%s (bridge %s)", ln.Addr(), cfg.BridgeBaseURL)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := loop.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("control api: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		drv.Close()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		if err := drv.Start(gctx); err != nil {
			return err
		}
		log.Infof("Ready: %d tabs", len(drv.Tabs()))
		return nil
	})
	if cfg.Hotkey != "" && !opts.noHotkey {
		g.Go(func() error {
			log.Infof("Hotkey %s toggles selection", cfg.Hotkey)
			if err := hotkey.Listen(gctx, cfg.Hotkey, toggle); err != nil {
				log.Warnf("Hotkey disabled: %v", err)
			}
			return nil
		})
	}

	if tr == nil {
		return g.Wait()
	}
	// The tray needs the main goroutine.
	errc := make(chan error, 1)
	go func() {
		errc <- g.Wait()
		tr.Quit()
	}()
	tr.Run()
	cancel()
	return <-errc
}

type toggler interface {
	Toggle(tab session.TabID) error
}

type activeTabs interface {
	Active() (session.TabID, bool)
}

func toggleActive(tabs activeTabs, loop toggler) {
	tab, ok := tabs.Active()
	if !ok {
		log.Warnf("Toggle ignored: no active tab")
		return
	}
	if err := loop.Toggle(tab); err != nil {
		log.Warnf("Toggle %s: %v", tab, err)
	}
}

func appearance(s settings.Settings) host.Appearance {
	s = s.Normalize()
	return host.Appearance{FontSize: float64(s.FontSize), UIScale: s.UIScale}
}

func applyAppearance(ctx context.Context, store settings.Store, h *host.Host) {
	s, err := store.Load(ctx)
	if err != nil {
		log.Warnf("Settings unavailable, using defaults: %v", err)
		s = settings.Defaults()
	}
	h.SetAppearance(appearance(s))
}
