package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"collabhub/global/config"
	"collabhub/logger"
	"collabhub/module/document"
	"collabhub/service/api"
	"collabhub/service/bus"
	"collabhub/service/collab"
	"collabhub/service/queue"
	storageredis "collabhub/service/storage/redis"
	"collabhub/service/ratelimit"
	"collabhub/service/storage"
	"collabhub/tools/ids"
	"collabhub/tools/security"
)

func main() {
	root := &cobra.Command{
		Use:   "collabhub",
		Short: "realtime document collaboration hub",
	}
	root.AddCommand(serveCommand(), tokenCommand())
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serveCommand() *cobra.Command {
	v := config.NewViper()
	var configFile string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "run the gateway, worker, and HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			if configFile != "" {
				v.SetConfigFile(configFile)
				if err := v.ReadInConfig(); err != nil {
					return err
				}
			}
			cfg, err := config.Load(v)
			if err != nil {
				return err
			}
			return run(cfg)
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&configFile, "config", "", "config file (yaml)")
	flags.String("http-address", "", "listen address (host:port)")
	flags.String("redis-addr", "", "redis address (host:port)")
	flags.String("bus-driver", "", "fan-out driver: redis or nats")
	flags.String("nats-url", "", "nats server url")
	flags.String("database-path", "", "sqlite database file")
	flags.String("log-level", "", "debug, info, warn, or error")
	_ = v.BindPFlag("http.address", flags.Lookup("http-address"))
	_ = v.BindPFlag("redis.addr", flags.Lookup("redis-addr"))
	_ = v.BindPFlag("bus.driver", flags.Lookup("bus-driver"))
	_ = v.BindPFlag("bus.nats_url", flags.Lookup("nats-url"))
	_ = v.BindPFlag("database.path", flags.Lookup("database-path"))
	_ = v.BindPFlag("log.level", flags.Lookup("log-level"))
	return cmd
}

func run(cfg config.AppConfig) error {
	logger.SetLevel(cfg.LogLevel)
	ids.SetNodeID(cfg.NodeID)

	if err := storageredis.Init(storageredis.Config{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}); err != nil {
		return err
	}
	defer func() { _ = storageredis.Close() }()
	rdb := storageredis.Get()

	msgBus, err := buildBus(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = msgBus.Close() }()

	store, err := document.Open(cfg.DatabasePath)
	if err != nil {
		return err
	}

	presence := storage.NewPresence(rdb, cfg.SessionTTL)
	cache := storage.NewContentCache(rdb, cfg.CacheTTL)
	limiter := ratelimit.New(rdb, cfg.RateLimit)

	q := queue.New(rdb, queue.Config{
		MaxAttempts: cfg.QueueMaxAttempts,
		Backoff:     cfg.QueueBackoff,
	})
	worker := queue.NewWorker(q, store, cache, queue.WorkerConfig{
		Tick:       cfg.QueueTick,
		JobTimeout: cfg.JobTimeout,
	})
	worker.Start()
	defer worker.Stop()

	gateway := collab.NewServer(collab.Deps{
		Presence:      presence,
		Limiter:       limiter,
		Bus:           msgBus,
		SendQueueSize: cfg.SendQueueSize,
		StaleSweep:    cfg.StaleSweep,
		LimiterGC:     cfg.LimiterGC,
	})

	jwt := security.DefaultOptions([]byte(cfg.SigningSecret))
	router := api.NewRouter(api.Deps{
		Gateway:  store,
		Queue:    q,
		Cache:    cache,
		Presence: presence,
		Collab:   gateway,
		JWT:      jwt,
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddress,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Infof("[main] listening on %s (bus=%s)", cfg.HTTPAddress, cfg.BusDriver)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		return err
	case sig := <-stop:
		logger.Infof("[main] %s received, draining", sig)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Warnf("[main] http shutdown: %v", err)
	}
	gateway.Shutdown(ctx)
	return nil
}

// buildBus picks the fan-out backend. The redis driver reuses the shared
// client; a nats driver that cannot connect is fatal rather than silently
// degrading to single-instance mode.
func buildBus(cfg config.AppConfig) (bus.Bus, error) {
	switch cfg.BusDriver {
	case "nats":
		return bus.NewNATSBus(bus.NATSConfig{
			URL:  cfg.NATSURL,
			Name: fmt.Sprintf("collabhub-%d", cfg.NodeID),
		})
	default:
		return bus.NewRedisBus(storageredis.Get()), nil
	}
}

func tokenCommand() *cobra.Command {
	var (
		principalID string
		displayName string
		ttl         time.Duration
	)
	v := config.NewViper()
	cmd := &cobra.Command{
		Use:   "token",
		Short: "mint a signed access token for testing",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := v.GetString("auth.signing_secret")
			if secret == "" {
				return fmt.Errorf("auth.signing_secret is required")
			}
			if principalID == "" {
				return fmt.Errorf("--principal is required")
			}
			opts := security.DefaultOptions([]byte(secret))
			if ttl > 0 {
				opts.TTL = ttl
			}
			token, expireAt, err := security.Generate(opts, principalID, displayName)
			if err != nil {
				return err
			}
			fmt.Printf("%s\nexpires: %s\n", token, expireAt.Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().StringVar(&principalID, "principal", "", "principal id to embed")
	cmd.Flags().StringVar(&displayName, "name", "", "display name to embed")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "token validity (default 2h)")
	return cmd
}
