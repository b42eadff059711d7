// Command flowgraph runs the calculator pipeline. In "run" mode it evaluates
// the given expressions on the executor selected by FLOWGRAPH_EXECUTOR; in
// "worker" mode it serves tasks dispatched by a redis-backed driver.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/ZanzyTHEbar/flowgraph"
	"github.com/ZanzyTHEbar/flowgraph/driver"
	"github.com/ZanzyTHEbar/flowgraph/internal/config"
	"github.com/ZanzyTHEbar/flowgraph/internal/tools"
	"github.com/ZanzyTHEbar/flowgraph/pkg/adapters/events/redisstream"
	"github.com/ZanzyTHEbar/flowgraph/pkg/adapters/metrics"
	"github.com/ZanzyTHEbar/flowgraph/pkg/backends"
)

var (
	// Version is set by build flags
	Version = "dev"
)

func main() {
	var (
		mode        = flag.String("mode", "run", "run or worker")
		exprs       = flag.String("exprs", "5*9;1+1;1/3", "semicolon separated expressions")
		calcMode    = flag.String("calc-mode", "strict", "strict or lenient")
		precision   = flag.Int("precision", 2, "decimal places")
		events      = flag.Bool("events", false, "publish run events to redis streams")
		metricsAddr = flag.String("metrics-addr", "", "serve prometheus metrics on this address")
	)
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger, err := config.NewLogger(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("starting flowgraph",
		zap.String("version", Version),
		zap.String("mode", *mode),
		zap.String("executor", cfg.Executor))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *metricsAddr != "" {
		go serveMetrics(*metricsAddr, logger)
	}

	calcConfig := map[string]any{"mode": *calcMode, "precision": *precision}
	switch *mode {
	case "run":
		err = run(ctx, cfg, logger, calcConfig, strings.Split(*exprs, ";"), *events)
	case "worker":
		err = work(ctx, cfg, logger, calcConfig)
	default:
		err = fmt.Errorf("unknown mode %q", *mode)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("flowgraph failed", zap.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Settings, logger *zap.Logger, calcConfig map[string]any, exprs []string, events bool) error {
	opts := []driver.Option{
		driver.WithEnvConfig(),
		driver.WithLogger(logger),
		driver.WithConfig(calcConfig),
		driver.WithAdapters(metrics.NewCollector(prometheus.DefaultRegisterer)),
	}
	if events {
		client := backends.NewRedisClient(cfg.Redis)
		defer client.Close()
		bus := redisstream.New(client, redisstream.WithLogger(logger), redisstream.WithMaxLen(10000))
		defer bus.Close()
		opts = append(opts, driver.WithEventBus(bus))
	}

	d, err := driver.New([]flowgraph.Module{tools.CalculatorModule()}, opts...)
	if err != nil {
		return err
	}
	defer d.Close()

	out, err := d.Execute(ctx, []string{"report"},
		driver.WithInputs(map[string]any{"expression_list": exprs}))
	if err != nil {
		return err
	}

	report := out["report"].(tools.Report)
	for _, expr := range report.Sorted() {
		fmt.Printf("%s = %v\n", expr, report.Results[expr])
	}
	for expr, msg := range report.Failures {
		fmt.Printf("%s failed: %s\n", expr, msg)
	}
	fmt.Printf("total = %v\n", report.Total)
	return nil
}

func work(ctx context.Context, cfg *config.Settings, logger *zap.Logger, calcConfig map[string]any) error {
	d, err := driver.New([]flowgraph.Module{tools.CalculatorModule()},
		driver.WithLogger(logger),
		driver.WithConfig(calcConfig),
		driver.WithExecutor(backends.NewSynchronous()))
	if err != nil {
		return err
	}
	defer d.Close()

	client := backends.NewRedisClient(cfg.Redis)
	defer client.Close()
	pingCtx, cancel := context.WithTimeout(ctx, cfg.Redis.DialTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}
	logger.Info("connected to redis", zap.String("addr", cfg.Redis.Addr))

	worker := backends.NewWorker(d.Graph(), backends.NewRedisTransport(client, backends.WithRedisLogger(logger)),
		backends.WithWorkerQueue(cfg.Redis.Queue),
		backends.WithConcurrency(cfg.MaxWorkers),
		backends.WithWorkerLogger(logger),
		backends.WithNodeHooks(metrics.NewCollector(prometheus.DefaultRegisterer)))
	return worker.Run(ctx)
}

func serveMetrics(addr string, logger *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	logger.Info("serving metrics", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("metrics server failed", zap.Error(err))
	}
}
