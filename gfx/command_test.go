package gfx

import (
	"errors"
	"testing"

	"github.com/gogpu/wgpu/hal"
)

func TestCommandBufferStates(t *testing.T) {
	dev, gates := gatedDevice(t, 1)
	pool := newPool(t, dev)

	cb, err := pool.Allocate(LevelPrimary)
	if err != nil {
		t.Fatal(err)
	}
	if got := cb.State(); got != StateUnrecorded {
		t.Fatalf("new buffer state = %s, want Unrecorded", got)
	}
	if !cb.Done() {
		t.Error("never-submitted buffer is not done")
	}

	if err := cb.Begin(UsageOneTimeSubmit, nil); err != nil {
		t.Fatal(err)
	}
	if !cb.Recording() || cb.Usage() != UsageOneTimeSubmit {
		t.Errorf("after Begin: state %s usage %d", cb.State(), cb.Usage())
	}
	if err := cb.Begin(UsageOneTimeSubmit, nil); err == nil {
		t.Error("Begin while recording succeeded")
	}

	if err := cb.End(); err != nil {
		t.Fatal(err)
	}
	wantErr(t, "End twice", cb.End(), ErrNotRecording)
	wantErr(t, "Record after End", cb.Record(func(hal.CommandEncoder) {}), ErrNotRecording)

	if err := Submit(dev, []*CommandBuffer{cb}, nil, nil, nil); err != nil {
		t.Fatal(err)
	}
	if got := cb.State(); got != StateSubmitted {
		t.Fatalf("state = %s, want Submitted", got)
	}
	if cb.Done() {
		t.Error("held submission reported done")
	}
	wantErr(t, "Begin while pending", cb.Begin(UsageOneTimeSubmit, nil), ErrCommandBufferPending)
	wantErr(t, "Reset while pending", cb.Reset(), ErrCommandBufferPending)
	wantErr(t, "Cleanup while pending", cb.Cleanup(dev), ErrCommandBufferPending)

	gates[0].release()
	if err := cb.Cleanup(dev); err != nil {
		t.Fatal(err)
	}
	if got := cb.State(); got != StateCleaned {
		t.Errorf("state = %s, want Cleaned", got)
	}
	if err := cb.Begin(0, nil); err != nil {
		t.Fatalf("Begin after cleanup: %v", err)
	}
	if err := cb.Reset(); err != nil {
		t.Fatal(err)
	}
	if got := cb.State(); got != StateUnrecorded {
		t.Errorf("state after Reset = %s, want Unrecorded", got)
	}
}

func TestCleanupWaitsForSubmission(t *testing.T) {
	dev, gates := gatedDevice(t, 1)
	pool := newPool(t, dev)
	base := allocStats(dev)

	cb := begin(t, pool)
	b, err := NewBuffer(dev, cb, pattern(64, 3), BufferVertex, false)
	if err != nil {
		t.Fatal(err)
	}
	if got := cb.CleanupLen(); got != 1 {
		t.Fatalf("CleanupLen = %d, want 1", got)
	}
	if err := cb.End(); err != nil {
		t.Fatal(err)
	}
	f := NewFence("upload", false)
	if err := Submit(dev, []*CommandBuffer{cb}, nil, nil, f); err != nil {
		t.Fatal(err)
	}

	wantErr(t, "CleanupRaw before fence", cb.CleanupRaw(dev.Allocator()), ErrCommandBufferPending)
	if got := cb.CleanupLen(); got != 1 {
		t.Errorf("CleanupLen after refused cleanup = %d, want 1", got)
	}
	if got := allocStats(dev).Staging; got != base.Staging+1 {
		t.Errorf("staging allocations = %d, want %d", got, base.Staging+1)
	}

	gates[0].release()
	if err := f.Wait(); err != nil {
		t.Fatal(err)
	}
	if err := cb.CleanupRaw(dev.Allocator()); err != nil {
		t.Fatal(err)
	}
	if got := cb.CleanupLen(); got != 0 {
		t.Errorf("CleanupLen after cleanup = %d, want 0", got)
	}
	if got := allocStats(dev).Staging; got != base.Staging {
		t.Errorf("staging allocations = %d, want %d", got, base.Staging)
	}

	if err := b.Destroy(); err != nil {
		t.Fatal(err)
	}
	cb.Free()
	if got := allocStats(dev); got.Live != base.Live || got.UsedBytes != base.UsedBytes {
		t.Errorf("accounting did not return to baseline: %s, want %s", got, base)
	}
}

func TestCleanupListGrowsUntilCleanup(t *testing.T) {
	dev := openDevice(t)
	pool := newPool(t, dev)
	cb := begin(t, pool)

	var bufs []*Buffer
	for i := range 4 {
		b, err := NewBuffer(dev, cb, pattern(16, byte(i)), BufferUniform, false)
		if err != nil {
			t.Fatal(err)
		}
		bufs = append(bufs, b)
		if got := cb.CleanupLen(); got != i+1 {
			t.Fatalf("CleanupLen = %d, want %d", got, i+1)
		}
	}

	wantErr(t, "Begin with entries", func() error {
		if err := cb.End(); err != nil {
			return err
		}
		if err := Submit(dev, []*CommandBuffer{cb}, nil, nil, nil); err != nil {
			return err
		}
		return cb.Begin(0, nil)
	}(), ErrCleanupPending)
	wantErr(t, "Reset with entries", cb.Reset(), ErrCleanupPending)

	if err := cb.Cleanup(dev); err != nil {
		t.Fatal(err)
	}
	if got := cb.CleanupLen(); got != 0 {
		t.Errorf("CleanupLen = %d, want 0", got)
	}
	for _, b := range bufs {
		if err := b.Destroy(); err != nil {
			t.Fatal(err)
		}
	}
}

func TestCleanupDiscardsUnsubmittedRecording(t *testing.T) {
	dev := openDevice(t)
	pool := newPool(t, dev)
	base := allocStats(dev)

	cb := begin(t, pool)
	b, err := NewBuffer(dev, cb, pattern(32, 5), BufferIndex, false)
	if err != nil {
		t.Fatal(err)
	}
	if err := cb.Cleanup(dev); err != nil {
		t.Fatal(err)
	}
	if got := cb.State(); got != StateUnrecorded {
		t.Errorf("state = %s, want Unrecorded", got)
	}
	if got := allocStats(dev).Staging; got != base.Staging {
		t.Errorf("staging allocations = %d, want %d", got, base.Staging)
	}
	if err := b.Destroy(); err != nil {
		t.Fatal(err)
	}
}

func TestFreePanics(t *testing.T) {
	t.Run("cleanup leak", func(t *testing.T) {
		dev := openDevice(t)
		pool := newPool(t, dev)
		cb := begin(t, pool)
		b, err := NewBuffer(dev, cb, pattern(8, 1), BufferVertex, false)
		if err != nil {
			t.Fatal(err)
		}
		defer b.Destroy()

		err = panicErr(t, cb.Free)
		if !errors.Is(err, ErrCleanupLeak) {
			t.Errorf("panic = %v, want ErrCleanupLeak", err)
		}
		if got := cb.State(); got == StateFreed {
			t.Fatal("buffer freed despite the panic")
		}
		if err := cb.Cleanup(dev); err != nil {
			t.Fatal(err)
		}
		cb.Free()
	})

	t.Run("pending", func(t *testing.T) {
		dev, gates := gatedDevice(t, 1)
		pool := newPool(t, dev)
		cb := begin(t, pool)
		if err := cb.End(); err != nil {
			t.Fatal(err)
		}
		if err := Submit(dev, []*CommandBuffer{cb}, nil, nil, nil); err != nil {
			t.Fatal(err)
		}
		err := panicErr(t, cb.Free)
		if !errors.Is(err, ErrCommandBufferPending) {
			t.Errorf("panic = %v, want ErrCommandBufferPending", err)
		}
		gates[0].release()
		cb.Free()
	})
}

func TestFreeIsFinal(t *testing.T) {
	dev := openDevice(t)
	pool := newPool(t, dev)
	cb := begin(t, pool)
	if got := pool.Len(); got != 1 {
		t.Fatalf("pool.Len = %d, want 1", got)
	}

	cb.Free()
	cb.Free()
	if got := cb.State(); got != StateFreed {
		t.Errorf("state = %s, want Freed", got)
	}
	if got := pool.Len(); got != 0 {
		t.Errorf("pool.Len = %d, want 0", got)
	}
	wantErr(t, "Begin", cb.Begin(0, nil), ErrFreed)
	wantErr(t, "Reset", cb.Reset(), ErrFreed)
	wantErr(t, "DestroyDeferred onto freed buffer", func() error {
		rec := begin(t, pool)
		b, err := NewBuffer(dev, rec, pattern(4, 0), BufferVertex, true)
		if err != nil {
			return err
		}
		defer func() {
			_ = b.Destroy()
			_ = rec.Cleanup(dev)
			rec.Free()
		}()
		return b.DestroyDeferred(cb)
	}(), ErrFreed)
}

func TestSecondaryInheritance(t *testing.T) {
	dev := openDevice(t)
	pool := newPool(t, dev)

	cb, err := pool.Allocate(LevelSecondary)
	if err != nil {
		t.Fatal(err)
	}
	if cb.Level() != LevelSecondary || cb.Level().String() != "Secondary" {
		t.Errorf("Level = %s", cb.Level())
	}
	wantErr(t, "Begin without inheritance", cb.Begin(UsageRenderPassContinue, nil), ErrInheritanceRequired)

	inh := &Inheritance{RenderPass: "main", Subpass: 1, Framebuffer: "swapchain-0"}
	if err := cb.Begin(UsageRenderPassContinue, inh); err != nil {
		t.Fatal(err)
	}
	inh.Subpass = 7
	if got := cb.Inheritance(); got == nil || got.Subpass != 1 || got.RenderPass != "main" {
		t.Errorf("Inheritance = %+v, want a copy of the Begin argument", got)
	}

	// Primary buffers ignore inheritance info.
	primary := begin(t, pool)
	if primary.Inheritance() != nil {
		t.Error("primary buffer kept inheritance info")
	}
}

func TestCommandPoolReset(t *testing.T) {
	dev := openDevice(t)
	pool := newPool(t, dev)

	a := begin(t, pool)
	if err := a.End(); err != nil {
		t.Fatal(err)
	}
	b := begin(t, pool)
	buf, err := NewBuffer(dev, b, pattern(16, 2), BufferVertex, false)
	if err != nil {
		t.Fatal(err)
	}
	defer buf.Destroy()

	wantErr(t, "Reset with cleanup entries", pool.Reset(), ErrCleanupPending)
	if got := a.State(); got != StateRecorded {
		t.Errorf("a reset despite failure: state %s", got)
	}

	if err := b.Cleanup(dev); err != nil {
		t.Fatal(err)
	}
	if err := pool.Reset(); err != nil {
		t.Fatal(err)
	}
	for _, cb := range []*CommandBuffer{a, b} {
		if got := cb.State(); got != StateUnrecorded {
			t.Errorf("%s state = %s, want Unrecorded", cb.Label(), got)
		}
	}

	pool.Destroy()
	pool.Destroy()
	if got := pool.Len(); got != 0 {
		t.Errorf("Len after Destroy = %d", got)
	}
	if _, err := pool.Allocate(LevelPrimary); !errors.Is(err, ErrFreed) {
		t.Errorf("Allocate after Destroy: %v", err)
	}
	wantErr(t, "Reset after Destroy", pool.Reset(), ErrFreed)
	if a.State() != StateFreed {
		t.Error("pool Destroy did not free its buffers")
	}
}

func TestStateStrings(t *testing.T) {
	want := map[State]string{
		StateUnrecorded: "Unrecorded",
		StateRecording:  "Recording",
		StateRecorded:   "Recorded",
		StateSubmitted:  "Submitted",
		StateCleaned:    "Cleaned",
		StateFreed:      "Freed",
		State(42):       "State(42)",
	}
	for s, name := range want {
		if got := s.String(); got != name {
			t.Errorf("State(%d).String() = %q, want %q", uint8(s), got, name)
		}
	}
	if LevelPrimary.String() != "Primary" {
		t.Error("LevelPrimary name")
	}
}

func TestCommandPoolLabels(t *testing.T) {
	dev := openDevice(t)
	pool, err := NewCommandPool(dev, "frames")
	if err != nil {
		t.Fatal(err)
	}
	if pool.Device() != dev {
		t.Error("Device mismatch")
	}
	a, _ := pool.Allocate(LevelPrimary)
	b, _ := pool.Allocate(LevelPrimary)
	if a.Label() != "test:frames#1" || b.Label() != "test:frames#2" {
		t.Errorf("labels = %q, %q", a.Label(), b.Label())
	}
	if _, err := NewCommandPool(nil, "x"); !errors.Is(err, ErrNilDevice) {
		t.Errorf("NewCommandPool(nil): %v", err)
	}
}
