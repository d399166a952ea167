package main

import (
	"context"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/23skdu/longbow-eager/internal/blob"
	"github.com/23skdu/longbow-eager/internal/config"
	"github.com/23skdu/longbow-eager/internal/device"
	"github.com/23skdu/longbow-eager/internal/logger"
	"github.com/23skdu/longbow-eager/internal/tensor"
)

// roundTrip moves a pinned host tensor to each device and back, checking
// the bytes survive.
func roundTrip(ctx context.Context, eng *tensor.Engine, cfg config.Config) error {
	n := *elements
	data := make([]float32, n)
	for i := range data {
		data[i] = float32(i%1024) * 0.25
	}
	got := make([]float32, n)
	bytes := uint64(n) * uint64(blob.Float32.Size())

	for it := 0; it < *iterations; it++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		start := time.Now()
		src, err := tensor.FromHost(ctx, eng, device.HostMem(), blob.Shape{n}, data)
		if err != nil {
			return err
		}
		if err := src.Pin(ctx); err != nil {
			return err
		}
		dev, err := src.To(ctx, device.DeviceMem(it%cfg.NumDevices))
		if err != nil {
			return err
		}
		back, err := dev.To(ctx, device.HostMem())
		if err != nil {
			return err
		}
		if err := tensor.CopyToHost(ctx, back, got); err != nil {
			return err
		}
		if err := src.Unpin(ctx); err != nil {
			return err
		}
		for i := range got {
			if got[i] != data[i] {
				return fmt.Errorf("iteration %d: element %d is %v, want %v", it, i, got[i], data[i])
			}
		}
		elapsed := time.Since(start)
		logger.Log.Info("roundtrip",
			"iteration", it,
			"device", dev.Device(),
			"bytes", humanize.IBytes(bytes),
			"rate", humanize.IBytes(uint64(float64(2*bytes)/elapsed.Seconds()))+"/s")
		back.Release()
		dev.Release()
		src.Release()
	}
	return nil
}
