package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/golang/glog"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"docsync/internal/auth"
	"docsync/internal/bootstrap"
	"docsync/internal/config"
	"docsync/internal/discovery"
	"docsync/internal/nodes"
	"docsync/internal/repo"
	"docsync/internal/server"
	"docsync/internal/storage"
)

func main() {
	flag.Set("logtostderr", "true")
	configPath := flag.String("config", "docsync.yml", "path to the YAML config file")
	flag.Parse()
	defer glog.Flush()

	cfg, err := config.Load(*configPath)
	if err != nil {
		glog.Fatalf("[main]config error = %s\n", err)
	}
	if err := cfg.Validate(); err != nil {
		glog.Fatalf("[main]config error = %s\n", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		glog.Errorf("[main]exit error = %s\n", err)
		glog.Flush()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	pool, err := pgxpool.New(ctx, cfg.Storage.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer pool.Close()
	if err := pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	glog.Infof("[main]connected to postgres\n")

	chunks := storage.NewPostgres(pool)
	if err := chunks.Migrate(ctx); err != nil {
		return err
	}

	var bus repo.Bus
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("ping redis: %w", err)
		}
		redisBus := repo.NewRedisBus(rdb)
		defer redisBus.Close()
		bus = redisBus
		glog.Infof("[main]connected to redis at %s\n", cfg.Redis.Addr)
	}

	nodeStore := nodes.NewStore(pool)
	policy := auth.NewPolicy(nodeStore, cfg.Auth.PolicyTimeout)

	settings := repo.DefaultSettings()
	settings.CompactThreshold = cfg.Storage.CompactThreshold
	r := repo.New(ctx, storage.WithTimeout(chunks, cfg.Storage.Timeout), policy, bus, settings)
	defer r.Close()

	boot := bootstrap.New(r, nodeStore, bootstrap.NewGatewayFetcher(cfg.Gateway.URL, cfg.Gateway.Timeout))
	handler := server.New(ctx, server.Config{
		Repo:       r,
		Policy:     policy,
		Tokens:     auth.NewJWTResolver(cfg.Auth.JWTSecret),
		Nodes:      nodeStore,
		Bootstrap:  boot,
		AdminToken: cfg.Server.AdminToken,
	})
	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	if cfg.Server.Advertise {
		shutdown, err := discovery.Advertise(cfg.Server.Port, "/sync")
		if err != nil {
			glog.Warningf("[main]mdns error = %s\n", err)
		} else {
			defer shutdown()
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		glog.Infof("[main]docsync server listening on %s\n", httpServer.Addr)
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		glog.Infof("[main]shutting down\n")
		return httpServer.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
