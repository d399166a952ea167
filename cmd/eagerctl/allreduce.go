package main

import (
	"context"
	"fmt"
	"time"

	client "github.com/23skdu/longbow-eager/internal/arrow_client"
	"github.com/23skdu/longbow-eager/internal/blob"
	"github.com/23skdu/longbow-eager/internal/collective"
	"github.com/23skdu/longbow-eager/internal/config"
	"github.com/23skdu/longbow-eager/internal/device"
	"github.com/23skdu/longbow-eager/internal/eager"
	"github.com/23skdu/longbow-eager/internal/logger"
	"github.com/23skdu/longbow-eager/internal/tensor"
	"github.com/23skdu/longbow-eager/internal/vm"
)

func allReducePlan(numDevices, numRequests, n int) (*collective.Plan, error) {
	devices := make([]int, numDevices)
	for d := range devices {
		devices[d] = d
	}
	descs := make([]collective.RequestDesc, numRequests)
	for i := range descs {
		descs[i] = collective.RequestDesc{
			ID: i,
			Op: collective.OpDesc{
				Name:         fmt.Sprintf("grad/%d", i),
				Kind:         collective.AllReduce,
				ReduceMethod: collective.Sum,
				DType:        blob.Float32,
				Shape:        blob.Shape{n},
				NumRanks:     numDevices,
			},
			DeviceSet: devices,
			Order:     i,
		}
	}
	return collective.NewPlan(descs)
}

func newTransport(ctx context.Context, cfg config.Config) (collective.Transport, func(), error) {
	if cfg.Collective.Transport != config.TransportFlight {
		return collective.LocalTransport{}, func() {}, nil
	}
	fc := client.NewFlightClientAddr(cfg.Collective.FlightAddr).
		WithRetries(cfg.Collective.MaxRetries, 100*time.Millisecond).
		WithTimeout(cfg.WaitTimeout)
	if err := fc.Connect(ctx); err != nil {
		return nil, nil, err
	}
	return collective.NewFlightTransport(fc), func() { _ = fc.Close() }, nil
}

// allReduce has every device contribute rank+1 to each planned request and
// checks that all ranks receive the sum.
func allReduce(ctx context.Context, eng *tensor.Engine, store *collective.RequestStore, cfg config.Config) error {
	transport, closeTransport, err := newTransport(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeTransport()

	exec := collective.NewExecutor(transport, collective.FusionPolicy{
		ThresholdBytes: cfg.Collective.FusionThresholdBytes,
		MaxGroupSize:   cfg.Collective.MaxGroupSize,
	}, cfg.Collective.GroupTimeout)
	plan := store.Plan()
	if err := exec.Init(plan, store); err != nil {
		return err
	}
	sched := collective.NewScheduler(exec, store, cfg.Collective, eng.VM().Fatal)
	sched.Start(ctx)
	defer sched.Stop()

	ranks := cfg.NumDevices
	n := *elements
	want := float32(ranks * (ranks + 1) / 2)
	got := make([]float32, n)

	for it := 0; it < *iterations; it++ {
		start := time.Now()
		var instrs []*vm.Instruction
		var recvs []*tensor.Tensor
		for _, id := range plan.IDs() {
			for rank := 0; rank < ranks; rank++ {
				send, err := tensor.FromHost(ctx, eng, device.DeviceMem(rank), blob.Shape{n}, fill(n, float32(rank+1)))
				if err != nil {
					return err
				}
				recv, err := eng.Empty(device.DeviceMem(rank), blob.Shape{n}, blob.Float32)
				if err != nil {
					return err
				}
				instr, err := eng.VM().Submit(ctx, eager.CollectiveBoxing, rank,
					[]vm.Operand{vm.Const(send.Object()), vm.Mut(recv.Object())},
					eager.BoxingPayload{RequestID: id, Rank: rank})
				if err != nil {
					return err
				}
				send.Release()
				instrs = append(instrs, instr)
				recvs = append(recvs, recv)
			}
		}
		for _, recv := range recvs {
			if err := tensor.CopyToHost(ctx, recv, got); err != nil {
				return err
			}
			for i, x := range got {
				if x != want {
					return fmt.Errorf("iteration %d: %s element %d is %v, want %v", it, recv, i, x, want)
				}
			}
			recv.Release()
		}
		logger.Log.Info("allreduce",
			"iteration", it,
			"transport", transport.Name(),
			"instructions", len(instrs),
			"elapsed", time.Since(start).String())
	}
	return nil
}

func fill(n int, v float32) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = v
	}
	return out
}
