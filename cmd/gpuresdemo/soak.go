package main

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/spf13/cobra"

	"github.com/gogpu/gpures/device"
	"github.com/gogpu/gpures/gfx"
)

type soakOptions struct {
	frames      int
	minBytes    int
	maxBytes    int
	resizeEvery int
	seed        uint64
	semaphore   bool
}

func newSoakCmd(a *app) *cobra.Command {
	var opts soakOptions
	cmd := &cobra.Command{
		Use:   "soak",
		Short: "Drive a per-frame transfer and check memory returns to baseline",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if opts.frames <= 0 {
				return fmt.Errorf("--frames must be positive, got %d", opts.frames)
			}
			if opts.minBytes <= 0 || opts.maxBytes < opts.minBytes {
				return fmt.Errorf("invalid payload range [%d, %d]", opts.minBytes, opts.maxBytes)
			}
			return a.soak(cmd, opts)
		},
	}
	f := cmd.Flags()
	f.IntVar(&opts.frames, "frames", 300, "number of frames to submit")
	f.IntVar(&opts.minBytes, "min-bytes", 64, "smallest per-frame payload")
	f.IntVar(&opts.maxBytes, "max-bytes", 64*1024, "largest per-frame payload")
	f.IntVar(&opts.resizeEvery, "resize-every", 25, "change the payload length every N frames (0 keeps it fixed)")
	f.Uint64Var(&opts.seed, "seed", 1, "payload generator seed")
	f.BoolVar(&opts.semaphore, "semaphore", false, "signal a semaphore every frame and consume it with a draw submission")
	return cmd
}

var errLeak = errors.New("allocations outlived the transfer")

func (a *app) soak(cmd *cobra.Command, opts soakOptions) error {
	dev, err := a.openDevice()
	if err != nil {
		return err
	}
	defer dev.Close()

	pool, err := gfx.NewCommandPool(dev, "soak")
	if err != nil {
		return err
	}
	defer pool.Destroy()

	base := dev.Allocator().Stats()
	tr, err := gfx.NewTransfer(dev, pool, gfx.TransferConfig{
		Kind:            gfx.BufferVertex,
		Label:           "soak",
		SignalSemaphore: opts.semaphore,
	})
	if err != nil {
		return err
	}

	rng := rand.New(rand.NewPCG(opts.seed, opts.seed^0x9e3779b97f4a7c15))
	length := opts.minBytes
	payload := make([]byte, opts.maxBytes)
	start := time.Now()

	for i := range opts.frames {
		if opts.resizeEvery > 0 && i%opts.resizeEvery == 0 {
			length = opts.minBytes + rng.IntN(opts.maxBytes-opts.minBytes+1)
		}
		for j := range payload[:length] {
			payload[j] = byte(rng.Uint32())
		}
		if err := tr.Frame(payload[:length]); err != nil {
			_ = tr.Destroy()
			return fmt.Errorf("frame %d: %w", i, err)
		}
		if opts.semaphore {
			if err := consume(dev, pool, tr.Semaphore()); err != nil {
				_ = tr.Destroy()
				return fmt.Errorf("frame %d: %w", i, err)
			}
		}
	}
	if err := tr.Destroy(); err != nil {
		return err
	}
	elapsed := time.Since(start)

	stats := tr.Stats()
	end := dev.Allocator().Stats()
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Frames:    %d in %s (%.0f/s)\n", stats.Frames, elapsed.Round(time.Millisecond),
		float64(stats.Frames)/elapsed.Seconds())
	fmt.Fprintf(out, "Recreated: %d\n", stats.Recreated)
	fmt.Fprintf(out, "Updated:   %d\n", stats.Updated)
	fmt.Fprintf(out, "Peak:      %d KB\n", end.PeakBytes/1024)
	fmt.Fprintf(out, "Memory:    %s\n", end)

	if end.Live != base.Live || end.UsedBytes != base.UsedBytes {
		return fmt.Errorf("%w: %d live, %d bytes (baseline %d, %d)", errLeak, end.Live, end.UsedBytes, base.Live, base.UsedBytes)
	}
	return nil
}

// consume submits an empty draw that waits on sem, standing in for the
// renderer that reads the transferred buffer.
func consume(dev *device.Device, pool *gfx.CommandPool, sem *gfx.Semaphore) error {
	cb, err := pool.Allocate(gfx.LevelPrimary)
	if err != nil {
		return err
	}
	defer cb.Free()

	if err := cb.Begin(gfx.UsageOneTimeSubmit, nil); err != nil {
		return err
	}
	if err := cb.End(); err != nil {
		return err
	}
	fence := gfx.NewFence("draw", false)
	waits := []gfx.SemaphoreWait{{Semaphore: sem, Stage: gfx.StageVertexInput}}
	if err := gfx.Submit(dev, []*gfx.CommandBuffer{cb}, waits, nil, fence); err != nil {
		return err
	}
	if err := fence.Wait(); err != nil {
		return err
	}
	return cb.Cleanup(dev)
}
