package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/pagehook/api"
	"github.com/hazyhaar/pagehook/browser"
	"github.com/hazyhaar/pagehook/config"
	"github.com/hazyhaar/pagehook/coordinator"
	"github.com/hazyhaar/pagehook/dbopen"
	"github.com/hazyhaar/pagehook/dispatch"
	"github.com/hazyhaar/pagehook/picker"
	"github.com/hazyhaar/pagehook/relay"
	"github.com/hazyhaar/pagehook/schedule"
	"github.com/hazyhaar/pagehook/store"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the coordinator, HTTP API, scheduler and (unless --no-browser) the page watchers",
	RunE: func(cmd *cobra.Command, args []string) error {
		noBrowser, _ := cmd.Flags().GetBool("no-browser")
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return runServe(ctx, cfg, !noBrowser)
	},
}

func init() {
	serveCmd.Flags().Bool("no-browser", false, "do not launch Chrome; page events arrive over Redis or HTTP")
}

func runServe(ctx context.Context, cfg *config.Config, withBrowser bool) error {
	logger := slog.Default()

	st, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()
	if n, err := st.PruneSnapshots(ctx); err != nil {
		logger.Warn("pagehook: prune snapshots", "error", err)
	} else if n > 0 {
		logger.Info("pagehook: pruned dangling snapshots", "count", n)
	}

	rl := relay.New(relay.WithQueueSize(cfg.Relay.QueueSize), relay.WithLogger(logger))
	origins := api.NewOriginPolicy(cfg.API.AllowedOrigins...)
	hub := api.NewHub(rl, logger, api.WithHubOrigins(origins))
	defer hub.Close()

	engine := dispatch.New(st,
		dispatch.WithTimeout(cfg.Dispatch.Timeout),
		dispatch.WithPlatform(cfg.Dispatch.Platform),
		dispatch.WithNotifier(hub),
		dispatch.WithLogger(logger),
	)
	coord := coordinator.New(st, engine, nil, logger)
	sched := schedule.New(st, coord, logger)
	coord.SetScheduler(sched)
	coord.Register(rl)

	g, gctx := errgroup.WithContext(ctx)

	if withBrowser && len(cfg.Pages) > 0 {
		mgr := browser.NewManager(browserConfig(cfg, logger))
		if err := mgr.Start(gctx); err != nil {
			return err
		}
		defer mgr.Close()

		pool, err := newPool(mgr, st, cfg.Pages, func(id string) relay.Emitter {
			return rl.Origin("tab:" + id)
		}, logger)
		if err != nil {
			return err
		}
		pk := picker.New(tabTargets(pool), rl.Origin("picker"), picker.WithLogger(logger))
		pk.Register(rl)
		g.Go(func() error { return pool.Run(gctx) })
	}

	if cfg.Relay.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.Relay.RedisAddr})
		defer client.Close()
		sub := relay.NewSubscriber(client, cfg.Relay.Channel, rl, logger)
		g.Go(func() error { return sub.Run(gctx) })
	}

	sched.Start()
	defer sched.Stop()
	g.Go(func() error { return sched.Run(gctx, st.RulesVersion, cfg.Schedule.PollInterval) })

	mcpSrv := mcp.NewServer(&mcp.Implementation{Name: "pagehook", Version: dispatch.Version}, nil)
	apiSrv := api.New(st, coord, rl,
		api.WithHub(hub),
		api.WithMCP(mcpSrv),
		api.WithOrigins(origins),
		api.WithStatus(sched),
		api.WithLogger(logger),
	)
	apiSrv.RegisterMCP(mcpSrv)

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           apiSrv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return gctx },
	}
	g.Go(func() error {
		logger.Info("pagehook: listening", "addr", cfg.Listen, "version", dispatch.Version)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("pagehook: http: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		hub.Close()
		return srv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	if closeErr := rl.Close(context.Background()); closeErr != nil {
		logger.Warn("pagehook: relay close", "error", closeErr)
	}
	logger.Info("pagehook: stopped")
	return err
}

func openStore(cfg *config.Config, logger *slog.Logger) (*store.Store, error) {
	busy := dbopen.WithBusyTimeout(int(cfg.DB.BusyTimeout.Milliseconds()))
	return store.Open(cfg.DBPath, []dbopen.Option{busy}, store.WithLogger(logger))
}

func browserConfig(cfg *config.Config, logger *slog.Logger) browser.Config {
	return browser.Config{
		RemoteURL:        cfg.Browser.Remote,
		Stealth:          cfg.Browser.Stealth,
		MemoryLimit:      cfg.Browser.MemoryLimit,
		RecycleInterval:  cfg.Browser.RecycleInterval,
		ResourceBlocking: cfg.Browser.ResourceBlocking,
		Logger:           logger,
	}
}

func newPool(mgr *browser.Manager, st *store.Store, pages []config.PageConfig, origin func(string) relay.Emitter, logger *slog.Logger) (*browser.Pool, error) {
	pool := browser.NewPool(mgr, browser.Deps{
		Rules:     st,
		Snapshots: st,
		Origin:    origin,
		Logger:    logger,
	})
	for _, p := range pages {
		if err := pool.Add(browser.Page{ID: p.ID, URL: p.URL}); err != nil {
			return nil, err
		}
	}
	return pool, nil
}

// tabTargets lets the picker resolve page ids to open tabs.
func tabTargets(pool *browser.Pool) picker.Targets {
	return picker.TargetsFunc(func(id string) (picker.Target, bool) {
		t := pool.Tab(id)
		if t == nil {
			return nil, false
		}
		return t, true
	})
}
