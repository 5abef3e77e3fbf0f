// Command mqrpc-server serves a few demo procedures on a RabbitMQ request
// queue:
//
//	echo        returns its params and files unchanged
//	store_file  writes every received file under -dir
//	checksum    returns the size and crc32 of each received file
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"hash/crc32"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"mq-rpc/codec"
	"mq-rpc/config"
	"mq-rpc/message"
	"mq-rpc/middleware"
	"mq-rpc/registry"
	"mq-rpc/server"
	"mq-rpc/transport"
)

type demo struct {
	dir string
}

func (d *demo) echo(ctx context.Context, params message.Params, files *message.Files) (message.Params, *message.Files, error) {
	return params, files, nil
}

func (d *demo) storeFile(ctx context.Context, params message.Params, files *message.Files) (message.Params, *message.Files, error) {
	var stored []string
	for name, data := range files.All() {
		path := filepath.Join(d.dir, filepath.Base(name))
		if err := os.WriteFile(path, data, 0o644); err != nil {
			if errors.Is(err, syscall.EAGAIN) || errors.Is(err, syscall.EBUSY) {
				err = fmt.Errorf("%w: %w", middleware.ErrTemporary, err)
			}
			return nil, nil, fmt.Errorf("store %s: %w", name, err)
		}
		stored = append(stored, path)
	}
	return message.Params{"stored": stored}, nil, nil
}

func (d *demo) checksum(ctx context.Context, params message.Params, files *message.Files) (message.Params, *message.Files, error) {
	sums := map[string]any{}
	for name, data := range files.All() {
		sums[name] = map[string]any{"size": len(data), "crc32": crc32.ChecksumIEEE(data)}
	}
	return message.Params{"files": sums}, nil, nil
}

func main() {
	cfg, err := config.FromEnv()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	flag.StringVar(&cfg.AMQPURL, "amqp", cfg.AMQPURL, "RabbitMQ url")
	flag.StringVar(&cfg.RequestQueue, "queue", cfg.RequestQueue, "shared request queue to consume")
	etcd := flag.String("etcd", "", "comma separated etcd endpoints; registers procedures when set")
	flag.IntVar(&cfg.ChunkSize, "chunk", cfg.ChunkSize, "split response files into parts of at most this many bytes (0 = whole files)")
	flag.StringVar(&cfg.Compression, "compress", cfg.Compression, "compress response file parts: \"\" or \"zstd\"")
	flag.DurationVar(&cfg.TransferTTL, "ttl", cfg.TransferTTL, "evict requests idle for longer than this")
	flag.Float64Var(&cfg.RateLimit, "rate", cfg.RateLimit, "max requests per second (0 = unlimited)")
	flag.IntVar(&cfg.Retries, "retries", cfg.Retries, "re-run a procedure this many times on a temporary failure")
	flag.StringVar(&cfg.LogLevel, "log", cfg.LogLevel, "log level: debug, info, warn, error")
	dir := flag.String("dir", ".", "directory store_file writes to")
	weight := flag.Int("weight", 1, "load balancing weight advertised in the registry")
	trace := flag.Bool("trace", false, "print otel spans and metrics to stdout")
	flag.Parse()

	if *etcd != "" {
		cfg.EtcdEndpoints = config.SplitList(*etcd)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logger := cfg.Logger()
	slog.SetDefault(logger)

	if err := run(cfg, logger, *dir, *weight, *trace); err != nil {
		logger.Error("server failed", "err", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger, dir string, weight int, trace bool) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ch, err := transport.DialAMQP(ctx, cfg.AMQPURL, cfg.DialRetries, cfg.Prefetch)
	if err != nil {
		return err
	}
	defer ch.Close()

	compressor, err := codec.GetCompressor(cfg.Compression)
	if err != nil {
		return err
	}

	d := &demo{dir: dir}
	opts := []server.Option{
		server.WithLogger(logger),
		server.WithChunkSize(cfg.ChunkSize),
		server.WithCompressor(compressor),
		server.WithTransferTTL(cfg.TransferTTL, cfg.SweepInterval),
	}
	if len(cfg.EtcdEndpoints) > 0 {
		reg, err := registry.NewEtcdRegistry(cfg.EtcdEndpoints)
		if err != nil {
			return err
		}
		defer reg.Close()
		opts = append(opts, server.WithRegistry(reg, weight, "v1"))
	}

	svr := server.NewServer(ch, cfg.RequestQueue, map[string]server.Procedure{
		"echo":       d.echo,
		"store_file": d.storeFile,
		"checksum":   d.checksum,
	}, opts...)

	otelCfg := middleware.OtelConfig{ServiceName: cfg.RequestQueue}
	if trace {
		tp, mp, err := stdoutProviders()
		if err != nil {
			return err
		}
		defer tp.Shutdown(context.Background())
		defer mp.Shutdown(context.Background())
		otelCfg.TracerProvider = tp
		otelCfg.MeterProvider = mp
	}

	svr.Use(middleware.LoggingMiddleware(logger))
	svr.Use(middleware.OtelMiddleware(otelCfg))
	if cfg.RateLimit > 0 {
		svr.Use(middleware.RateLimitMiddleware(cfg.RateLimit, cfg.RateBurst))
	}
	if cfg.CallTimeout > 0 {
		svr.Use(middleware.TimeOutMiddleware(cfg.CallTimeout))
	}
	if cfg.Retries > 0 {
		svr.Use(middleware.RetryMiddleware(cfg.Retries, cfg.RetryDelay))
	}

	// Signals only trigger Shutdown, which deregisters before it stops the
	// consumer.
	errc := make(chan error, 1)
	go func() { errc <- svr.Serve(context.Background()) }()
	logger.Info("mqrpc-server started", "queue", cfg.RequestQueue, "procedures", svr.Procedures())

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	if err := svr.Shutdown(10 * time.Second); err != nil {
		return err
	}
	return <-errc
}

func stdoutProviders() (*sdktrace.TracerProvider, *sdkmetric.MeterProvider, error) {
	texp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, nil, err
	}
	mexp, err := stdoutmetric.New()
	if err != nil {
		return nil, nil, err
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(texp))
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewPeriodicReader(mexp)))
	return tp, mp, nil
}
