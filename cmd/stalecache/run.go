package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	gocache "github.com/go-redis/cache/v9"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/dnscache"

	"github.com/Arthur1/stalecache"
	"github.com/Arthur1/stalecache/apierror"
	"github.com/Arthur1/stalecache/cache"
	"github.com/Arthur1/stalecache/cache/codec"
	"github.com/Arthur1/stalecache/cache/engine/memorystore"
	"github.com/Arthur1/stalecache/cache/engine/rediscache"
	"github.com/Arthur1/stalecache/cache/engine/sqlitestore"
	"github.com/Arthur1/stalecache/internal/admin"
	"github.com/Arthur1/stalecache/internal/config"
	"github.com/Arthur1/stalecache/internal/worker"
)

var errUsage = errors.New("invalid arguments, see -help")

func run(configPath string, debug bool, command string, args []string) error {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	cfg := config.Default()
	if configPath != "" {
		var err error
		if cfg, err = config.Load(configPath); err != nil {
			return err
		}
	}

	store, closeStore, ready, err := openStore(cfg.Store)
	if err != nil {
		return err
	}
	defer closeStore()

	format, err := codec.ParseFormat(cfg.Codec.Format)
	if err != nil {
		return err
	}
	key, err := cfg.Codec.KeyBytes()
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	var registerer prometheus.Registerer
	if cfg.Telemetry.Metrics {
		registerer = reg
	}

	client, err := stalecache.New(stalecache.Config{
		Store:           store,
		ErrorFactory:    apierror.NewFactory(),
		Logger:          logger,
		Format:          format,
		Compress:        cfg.Codec.Compress,
		Encrypt:         cfg.Codec.Encrypt,
		EncryptionKey:   key,
		NetworkTimeout:  cfg.Cache.NetworkTimeout,
		DefaultTTL:      cfg.Cache.DefaultTTL,
		CoalesceFetches: cfg.Cache.CoalesceFetches,
		Registerer:      registerer,
	})
	if err != nil {
		return err
	}
	defer client.Wait()

	ctx := context.Background()
	switch command {
	case "get":
		if len(args) != 1 {
			return errUsage
		}
		return get(ctx, cfg, client, args[0])
	case "flush":
		kind := ""
		if len(args) > 0 {
			kind = args[0]
		}
		n, err := client.FlushCache(ctx, kind)
		if err != nil {
			return err
		}
		fmt.Printf("deleted %d rows\n", n)
		return nil
	case "evict":
		var threshold time.Duration
		if len(args) > 0 {
			if threshold, err = time.ParseDuration(args[0]); err != nil {
				return fmt.Errorf("parse threshold: %w", err)
			}
		}
		n, err := client.EvictOlderEntries(ctx, threshold)
		if err != nil {
			return err
		}
		fmt.Printf("deleted %d rows\n", n)
		return nil
	case "invalidate":
		if len(args) != 1 {
			return errUsage
		}
		found, err := client.Invalidate(ctx, cache.Identity{URL: args[0]})
		if err != nil {
			return err
		}
		fmt.Printf("found: %t\n", found)
		return nil
	case "stats":
		stats, err := client.Statistics(ctx)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(stats)
	case "serve":
		return serve(cfg, client, ready, reg)
	default:
		return fmt.Errorf("unknown command %q: %w", command, errUsage)
	}
}

// openStore returns the configured store, its closer and a readiness check.
func openStore(cfg config.StoreConfig) (cache.Store, func(), admin.ReadyChecker, error) {
	switch cfg.Engine {
	case "redis":
		redisCli := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		opts := []rediscache.Option{rediscache.WithPrefix(cfg.Redis.Prefix)}
		if cfg.Redis.LocalCacheSize > 0 {
			opts = append(opts, rediscache.WithLocalCache(gocache.NewTinyLFU(cfg.Redis.LocalCacheSize, cfg.Redis.LocalCacheTTL)))
		}
		ready := func(ctx context.Context) error { return redisCli.Ping(ctx).Err() }
		return rediscache.New(redisCli, opts...), func() { redisCli.Close() }, ready, nil
	case "memory":
		s, err := memorystore.New(cfg.MaxSize)
		if err != nil {
			return nil, nil, nil, err
		}
		return s, func() {}, nil, nil
	default:
		s, err := sqlitestore.New(cfg.DSN)
		if err != nil {
			return nil, nil, nil, err
		}
		return s, func() { s.Close() }, s.Ping, nil
	}
}

// newChildTransport returns a tuned *http.Transport resolving hosts through resolver.
func newChildTransport(resolver *dnscache.Resolver) *http.Transport {
	t := &http.Transport{
		MaxIdleConnsPerHost: 100,
		IdleConnTimeout:     90 * time.Second,
		ForceAttemptHTTP2:   true,
		TLSHandshakeTimeout: 5 * time.Second,
	}
	t.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
		host, port, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, err
		}
		ips, err := resolver.LookupHost(ctx, host)
		if err != nil {
			return nil, err
		}
		var d net.Dialer
		return d.DialContext(ctx, network, net.JoinHostPort(ips[0], port))
	}
	return t
}

func get(ctx context.Context, cfg *config.Config, client *stalecache.Client, url string) error {
	opts := []stalecache.Option{
		stalecache.WithChild(newChildTransport(&dnscache.Resolver{})),
		stalecache.WithLogger(slog.Default()),
		stalecache.WithTTL(cfg.Transport.TTL),
		stalecache.WithKind(cfg.Transport.Kind),
		stalecache.WithServeStale(cfg.Transport.ServeStale),
	}
	if len(cfg.Transport.CacheableStatusCodes) > 0 {
		opts = append(opts, stalecache.WithCacheableStatusCodes(cfg.Transport.CacheableStatusCodes))
	}
	transport := stalecache.NewTransport(client, opts...)
	httpClient := &http.Client{Transport: transport}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	res, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	fmt.Fprintf(os.Stderr, "%s (%s)\n", res.Status, res.Header.Get(stalecache.StatusHeader))
	_, err = io.Copy(os.Stdout, res.Body)
	return err
}

func serve(cfg *config.Config, client *stalecache.Client, ready admin.ReadyChecker, reg *prometheus.Registry) error {
	handler := admin.New(admin.Deps{
		Cache:          client,
		ReadyCheck:     ready,
		MetricsHandler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		Logger:         slog.Default(),
	})
	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	workersDone := make(chan error, 1)
	go func() {
		workersDone <- worker.NewRunner(
			worker.NewEvictor(client, cfg.Eviction.Interval, cfg.Eviction.Grace, slog.Default()),
		).Run(ctx)
	}()

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	slog.Info("stalecache ready", "version", version, "addr", cfg.Server.Addr, "engine", cfg.Store.Engine)

	select {
	case <-ctx.Done():
		slog.Info("shutting down")
	case err := <-errCh:
		stop()
		<-workersDone
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-workersDone; err != nil {
		return err
	}

	slog.Info("stalecache stopped")
	return nil
}
