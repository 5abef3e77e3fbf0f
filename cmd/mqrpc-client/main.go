// Command mqrpc-client calls one procedure over RabbitMQ.
//
//	mqrpc-client -p store_file -params '{"owner":"ci"}' report.pdf notes.txt
//
// Positional arguments are files attached to the request. Files in the
// reply are written to -out.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	json "github.com/goccy/go-json"

	"mq-rpc/client"
	"mq-rpc/codec"
	"mq-rpc/config"
	"mq-rpc/loadbalance"
	"mq-rpc/message"
	"mq-rpc/registry"
	"mq-rpc/transport"
)

func main() {
	cfg, err := config.FromEnv()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	flag.StringVar(&cfg.AMQPURL, "amqp", cfg.AMQPURL, "RabbitMQ url")
	flag.StringVar(&cfg.RequestQueue, "queue", cfg.RequestQueue, "request queue (ignored with -etcd)")
	etcd := flag.String("etcd", "", "comma separated etcd endpoints; discovers the request queue when set")
	balancer := flag.String("lb", "roundrobin", "load balancer with -etcd: roundrobin, weighted, hash")
	flag.DurationVar(&cfg.CallTimeout, "timeout", cfg.CallTimeout, "call timeout")
	flag.IntVar(&cfg.ChunkSize, "chunk", cfg.ChunkSize, "split request files into parts of at most this many bytes (0 = whole files)")
	flag.StringVar(&cfg.Compression, "compress", cfg.Compression, "compress request file parts: \"\" or \"zstd\"")
	flag.StringVar(&cfg.LogLevel, "log", cfg.LogLevel, "log level: debug, info, warn, error")
	procedure := flag.String("p", "echo", "procedure to call")
	rawParams := flag.String("params", "{}", "params as a JSON object")
	out := flag.String("out", ".", "directory reply files are written to")
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

	var params message.Params
	if err := json.Unmarshal([]byte(*rawParams), &params); err != nil {
		fmt.Fprintf(os.Stderr, "bad -params: %v\n", err)
		os.Exit(2)
	}

	if err := run(cfg, logger, *procedure, params, flag.Args(), *balancer, *out); err != nil {
		logger.Error("call failed", "procedure", *procedure, "err", err)
		os.Exit(1)
	}
}

func newBalancer(name string) (loadbalance.Balancer, error) {
	switch name {
	case "roundrobin":
		return &loadbalance.RoundRobinBalancer{}, nil
	case "weighted":
		return &loadbalance.WeightedRandomBalancer{}, nil
	case "hash":
		return loadbalance.NewConsistentHashBalancer(), nil
	}
	return nil, fmt.Errorf("unknown load balancer %q", name)
}

func run(cfg config.Config, logger *slog.Logger, procedure string, params message.Params, paths []string, lb, out string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	files := &message.Files{}
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		files.Put(filepath.Base(path), data)
	}

	compressor, err := codec.GetCompressor(cfg.Compression)
	if err != nil {
		return err
	}

	ch, err := transport.DialAMQP(ctx, cfg.AMQPURL, cfg.DialRetries, cfg.Prefetch)
	if err != nil {
		return err
	}
	defer ch.Close()

	opts := []client.Option{
		client.WithLogger(logger),
		client.WithRequestQueue(cfg.RequestQueue),
		client.WithTimeout(cfg.CallTimeout),
		client.WithChunkSize(cfg.ChunkSize),
		client.WithCompressor(compressor),
	}
	if len(cfg.EtcdEndpoints) > 0 {
		reg, err := registry.NewEtcdRegistry(cfg.EtcdEndpoints)
		if err != nil {
			return err
		}
		defer reg.Close()
		bal, err := newBalancer(lb)
		if err != nil {
			return err
		}
		opts = append(opts, client.WithRegistry(reg), client.WithBalancer(bal))
	}

	c, err := client.NewClient(ctx, ch, opts...)
	if err != nil {
		return err
	}
	defer c.Close()

	result, replyFiles, err := c.Call(ctx, procedure, params, files)
	if err != nil {
		return err
	}

	for name, data := range replyFiles.All() {
		path := filepath.Join(out, filepath.Base(name))
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return err
		}
		logger.Info("wrote reply file", "path", path, "bytes", len(data))
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}
