package main

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-eager/internal/collective"
	"github.com/23skdu/longbow-eager/internal/config"
	"github.com/23skdu/longbow-eager/internal/device"
	"github.com/23skdu/longbow-eager/internal/eager"
	"github.com/23skdu/longbow-eager/internal/tensor"
	"github.com/23skdu/longbow-eager/internal/vm"
)

func testEngine(t *testing.T, cfg config.Config, store *collective.RequestStore) *tensor.Engine {
	t.Helper()
	rt := device.NewRuntime(device.Options{NumDevices: cfg.NumDevices, DeviceMemoryBytes: cfg.DeviceMemoryBytes, PinnedBudgetBytes: cfg.PinnedBudgetBytes})
	reg := vm.NewRegistry()
	require.NoError(t, eager.Register(reg, eager.Options{Boxing: store}))
	v := vm.New(rt, reg, vm.WithFatalHandler(func(err error) { t.Errorf("unexpected fatal: %v", err) }))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, v.Shutdown(ctx))
	})
	return tensor.NewEngine(v, cfg.WaitTimeout)
}

func smallConfig() config.Config {
	cfg := config.Default()
	cfg.NumDevices = 3
	cfg.DeviceMemoryBytes = 16 << 20
	cfg.WaitTimeout = 5 * time.Second
	*elements = 4096
	*iterations = 2
	*requests = 3
	return cfg
}

func TestRoundTripMode(t *testing.T) {
	cfg := smallConfig()
	require.NoError(t, roundTrip(context.Background(), testEngine(t, cfg, nil), cfg))
}

func TestAllReduceModeLocal(t *testing.T) {
	cfg := smallConfig()
	plan, err := allReducePlan(cfg.NumDevices, *requests, *elements)
	require.NoError(t, err)
	require.Equal(t, 3, plan.Len())

	store := collective.NewRequestStore(plan)
	require.NoError(t, allReduce(context.Background(), testEngine(t, cfg, store), store, cfg))
	require.Empty(t, store.Pending())
}
