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

	"github.com/23skdu/longbow-eager/internal/collective"
	"github.com/23skdu/longbow-eager/internal/config"
	"github.com/23skdu/longbow-eager/internal/device"
	"github.com/23skdu/longbow-eager/internal/eager"
	"github.com/23skdu/longbow-eager/internal/logger"
	"github.com/23skdu/longbow-eager/internal/monitoring"
	"github.com/23skdu/longbow-eager/internal/tensor"
	"github.com/23skdu/longbow-eager/internal/vm"
)

const version = "0.1.0"

var (
	mode        = flag.String("mode", "roundtrip", "What to run: roundtrip, allreduce or serve")
	elements    = flag.Int("n", 1<<18, "Elements per tensor")
	iterations  = flag.Int("iterations", 10, "Iterations to run")
	requests    = flag.Int("requests", 4, "Collective requests per iteration (allreduce)")
	metricsAddr = flag.String("metrics", ":9090", "Address to serve health and Prometheus metrics")
)

func main() {
	flag.Parse()

	cfg, err := config.FromEnv()
	if err == nil {
		err = cfg.Validate()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	logger.Setup(cfg.LogLevel, cfg.LogFormat)
	logger.SetTrace(cfg.Debug)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil && !errors.Is(err, context.Canceled) {
		logger.Log.Error("eagerctl failed", "mode", *mode, "error", err.Error())
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config) error {
	if *mode == "serve" {
		return serve(ctx, cfg)
	}

	rt := device.NewRuntime(device.Options{
		NumDevices:        cfg.NumDevices,
		DeviceMemoryBytes: cfg.DeviceMemoryBytes,
		PinnedBudgetBytes: cfg.PinnedBudgetBytes,
	})

	var store *collective.RequestStore
	if *mode == "allreduce" {
		plan, err := allReducePlan(cfg.NumDevices, *requests, *elements)
		if err != nil {
			return err
		}
		store = collective.NewRequestStore(plan)
	}

	hm := monitoring.NewHealthMonitor(version, rt, cfg.PinnedBudgetBytes, store, cfg.Collective.WatchdogTimeout/2)
	go func() {
		if err := hm.Start(*metricsAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Log.Warn("health monitor stopped", "error", err.Error())
		}
	}()
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = hm.Stop(sctx)
	}()

	reg := vm.NewRegistry()
	if err := eager.Register(reg, eager.Options{Boxing: store}); err != nil {
		return err
	}
	v := vm.New(rt, reg,
		vm.WithQueueCapacity(cfg.StreamQueueDepth),
		vm.WithFatalHandler(func(err error) {
			hm.ObserveFatal("vm", err)
			os.Exit(1)
		}),
	)
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), cfg.WaitTimeout)
		defer cancel()
		if err := v.Shutdown(sctx); err != nil {
			logger.Log.Warn("vm shutdown incomplete", "error", err.Error())
		}
	}()
	eng := tensor.NewEngine(v, cfg.WaitTimeout)

	switch *mode {
	case "roundtrip":
		return roundTrip(ctx, eng, cfg)
	case "allreduce":
		return allReduce(ctx, eng, store, cfg)
	default:
		return fmt.Errorf("unknown mode %q", *mode)
	}
}
