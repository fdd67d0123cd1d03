package main

import (
	"errors"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/hazyhaar/pagehook/browser"
	"github.com/hazyhaar/pagehook/relay"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Run only the page watchers, publishing events to a remote coordinator over Redis",
	Long: `Run only the page watchers. Events are published on the Redis relay
channel and handled by a "pagehook serve --no-browser" instance sharing the
same database file.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg.Relay.RedisAddr == "" {
			return errors.New("watch: relay.redis_addr (or PAGEHOOK_REDIS_ADDR) is required")
		}
		if len(cfg.Pages) == 0 {
			return errors.New("watch: no pages configured")
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		logger := slog.Default()

		st, err := openStore(cfg, logger)
		if err != nil {
			return err
		}
		defer st.Close()

		client := redis.NewClient(&redis.Options{Addr: cfg.Relay.RedisAddr})
		defer client.Close()
		if err := client.Ping(ctx).Err(); err != nil {
			return err
		}

		mgr := browser.NewManager(browserConfig(cfg, logger))
		if err := mgr.Start(ctx); err != nil {
			return err
		}
		defer mgr.Close()

		pool, err := newPool(mgr, st, cfg.Pages, func(id string) relay.Emitter {
			return relay.NewPublisher(client, cfg.Relay.Channel, "tab:"+id)
		}, logger)
		if err != nil {
			return err
		}
		return pool.Run(ctx)
	},
}
