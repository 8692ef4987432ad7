package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mirkobrombin/go-ttlcache/v1/cache"
	"github.com/mirkobrombin/go-ttlcache/v1/metrics"
	"github.com/mirkobrombin/go-ttlcache/v1/syncbus"
	nats "github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	redis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

var (
	port       = flag.Int("port", 6380, "Port to listen on")
	addr       = flag.String("addr", "0.0.0.0", "Address to listen on")
	httpAddr   = flag.String("http", "", "Address of the metrics and events listener, disabled when empty")
	defaultTTL = flag.Duration("default-ttl", cache.DefaultTTL, "TTL of entries stored without EX or PX")
	maxEntries = flag.Int("max-entries", 0, "Maximum number of entries, unbounded when 0")
	redisAddr  = flag.String("redis", "", "Redis address used to exchange invalidations")
	natsURL    = flag.String("nats", "", "NATS URL used to exchange invalidations")
	channel    = flag.String("channel", "ttlcache.invalidations", "Bus channel carrying invalidations")
	tracing    = flag.Bool("trace", false, "Export cache spans to stdout")
	debug      = flag.Bool("debug", false, "Enable debug logging")
)

func main() {
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		slog.Error("ttlcache: server failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	if *tracing {
		exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return err
		}
		tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp))
		defer func() { _ = tp.Shutdown(context.Background()) }()
		otel.SetTracerProvider(tp)
	}

	reg := metrics.NewRegistry()
	metrics.RegisterCoreMetrics(reg)

	opts := []cache.InMemoryOption[[]byte]{
		cache.WithDefaultTTL[[]byte](*defaultTTL),
		cache.WithMaxEntries[[]byte](*maxEntries),
		cache.WithMetrics[[]byte](reg),
	}
	if *tracing {
		opts = append(opts, cache.WithTracing[[]byte]())
	}
	local := cache.NewInMemory[[]byte](opts...)

	bus, closeBus, err := newBus()
	if err != nil {
		return err
	}
	defer closeBus()

	synced, err := cache.NewSynced[[]byte](ctx, local, bus, *channel)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", *channel, err)
	}
	defer synced.Close()

	if *httpAddr != "" {
		srv := newHTTPServer(*httpAddr, reg, bus)
		go func() {
			slog.Info("ttlcache: http listening", "addr", *httpAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("ttlcache: http server failed", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	listenAddr := net.JoinHostPort(*addr, fmt.Sprint(*port))
	ln, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	slog.Info("ttlcache: listening", "addr", listenAddr, "default_ttl", defaultTTL.String(), "max_entries", *maxEntries)

	return newServer(synced).serve(ctx, ln)
}

// newBus selects the invalidation transport. Without Redis or NATS the
// bus stays in process and only feeds the event streams.
func newBus() (syncbus.Bus, func(), error) {
	switch {
	case *redisAddr != "":
		client := redis.NewClient(&redis.Options{Addr: *redisAddr})
		rb := syncbus.NewRedisBus(client)
		slog.Info("ttlcache: exchanging invalidations over redis", "addr", *redisAddr)
		return syncbus.NewCircuitBreaker(rb, 5, 10*time.Second), func() {
			_ = rb.Close()
			_ = client.Close()
		}, nil
	case *natsURL != "":
		conn, err := nats.Connect(*natsURL)
		if err != nil {
			return nil, nil, fmt.Errorf("connect nats: %w", err)
		}
		slog.Info("ttlcache: exchanging invalidations over nats", "url", *natsURL)
		return syncbus.NewCircuitBreaker(syncbus.NewNATSBus(conn), 5, 10*time.Second), conn.Close, nil
	default:
		b := syncbus.NewInMemoryBus()
		return b, func() { _ = b.Close() }, nil
	}
}

func newHTTPServer(addr string, reg *prometheus.Registry, bus syncbus.Bus) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.Handle("/events", syncbus.SSEHandler(bus))
	mux.Handle("/events/ws", syncbus.WebSocketHandler(bus))
	return &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
}
