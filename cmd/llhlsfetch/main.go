// Command llhlsfetch fetches one chunk from a local chunk server.
//
//	llhlsfetch [flags] llhls:/path/to/server.sock?chunk-id
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nczempin/llhlsunix/client"
	"github.com/nczempin/llhlsunix/config"
	"github.com/nczempin/llhlsunix/errors"
	"github.com/nczempin/llhlsunix/metrics"
	"github.com/nczempin/llhlsunix/transport"
)

const (
	exitFailure  = 1
	exitSentinel = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		configPath  = flag.String("config", "", "YAML config file")
		listen      = flag.Bool("listen", false, "bind and listen instead of connecting")
		sockType    = flag.String("type", "", "socket type: stream, dgram or seqpacket")
		timeout     = flag.Duration("timeout", 0, "connect/readiness timeout")
		nonBlock    = flag.Bool("nonblock", false, "do not wait for writability before writes")
		backend     = flag.String("backend", "", "write backend: syscall, iouring or uring")
		outPath     = flag.String("out", "-", "output file, - for stdout")
		metricsAddr = flag.String("metrics", "", "serve Prometheus metrics on this address")
		verbose     = flag.Bool("v", false, "debug logging")
	)
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: llhlsfetch [flags] llhls:<socket>[?<resource>]")
		flag.PrintDefaults()
		return exitFailure
	}

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			logger.Error("llhls: config", "error", err)
			return exitFailure
		}
		cfg = loaded
	}
	if *listen {
		cfg.Listen = true
	}
	if *sockType != "" {
		kind, err := transport.ParseSocketKind(*sockType)
		if err != nil {
			logger.Error("llhls: config", "error", err)
			return exitFailure
		}
		cfg.SocketKind = kind
	}
	if *timeout > 0 {
		cfg.Timeout = config.Duration(*timeout)
	}
	if *nonBlock {
		cfg.NonBlocking = true
	}
	if *backend != "" {
		cfg.WriteBackend = *backend
	}

	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(reg)
	if *metricsAddr != "" {
		srv := &http.Server{
			Addr:              *metricsAddr,
			Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Warn("llhls: metrics server", "error", err)
			}
		}()
		defer srv.Close()
	}

	out := io.Writer(os.Stdout)
	if *outPath != "-" {
		f, err := os.Create(*outPath)
		if err != nil {
			logger.Error("llhls: output", "error", err)
			return exitFailure
		}
		defer f.Close()
		out = f
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	n, err := client.Fetch(ctx, flag.Arg(0), cfg, out,
		client.WithLogger(logger),
		client.WithMetrics(collector),
	)
	if err != nil {
		if errors.IsSentinel(err) {
			logger.Error("llhls: source reported failure", "bytes", n, "error", err)
			if *outPath != "-" {
				os.Remove(*outPath)
			}
			return exitSentinel
		}
		logger.Error("llhls: fetch failed", "bytes", n, "error", fmt.Errorf("fetch %s: %w", flag.Arg(0), err))
		return exitFailure
	}

	logger.Info("llhls: fetched", "bytes", n)
	return 0
}
