package gfx

import (
	"errors"
	"testing"
	"time"
)

func newTransfer(t *testing.T, pool *CommandPool, cfg TransferConfig) *Transfer {
	t.Helper()
	tr, err := NewTransfer(pool.Device(), pool, cfg)
	if err != nil {
		t.Fatalf("NewTransfer: %v", err)
	}
	return tr
}

func TestTransferFrames(t *testing.T) {
	dev := openDevice(t)
	pool := newPool(t, dev)
	readPool := newPool(t, dev)
	base := allocStats(dev)

	tr := newTransfer(t, pool, TransferConfig{Kind: BufferVertex, Label: "vertices"})
	if tr.Buffer() != nil {
		t.Fatal("buffer exists before the first frame")
	}

	frame := func(data []byte) {
		t.Helper()
		if err := tr.Frame(data); err != nil {
			t.Fatalf("Frame(%d bytes): %v", len(data), err)
		}
		if err := tr.Wait(); err != nil {
			t.Fatalf("Wait: %v", err)
		}
		assertBytes(t, "device buffer", readBuffer(t, dev, readPool, tr.Buffer()), data)
	}

	frame(pattern(32, 1))
	first := tr.Buffer()
	frame(pattern(32, 2))
	if tr.Buffer() != first {
		t.Error("same-length frame replaced the buffer")
	}

	frame(pattern(96, 3))
	if tr.Buffer() == first {
		t.Fatal("length change kept the old buffer")
	}
	if first.Size() != 0 {
		t.Error("replaced buffer not destroyed")
	}
	if got := allocStats(dev); got.DeviceLocal != base.DeviceLocal+1 || got.Staging != base.Staging+1 {
		t.Errorf("after recreate: %s", got)
	}

	if err := tr.Frame(nil); err != nil {
		t.Fatalf("empty frame: %v", err)
	}

	want := TransferStats{Frames: 3, Recreated: 1, Updated: 1, Skipped: 1}
	if got := tr.Stats(); got != want {
		t.Errorf("Stats = %+v, want %+v", got, want)
	}

	if err := tr.Destroy(); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	if err := tr.Destroy(); err != nil {
		t.Errorf("second Destroy: %v", err)
	}
	wantErr(t, "Frame after Destroy", tr.Frame(pattern(4, 0)), ErrTransferClosed)
	if got := allocStats(dev); got.Live != base.Live || got.UsedBytes != base.UsedBytes {
		t.Errorf("accounting = %s, want %s", got, base)
	}
	if got := pool.Len(); got != 0 {
		t.Errorf("transfer left %d command buffers in its pool", got)
	}
}

// A new frame requested while the previous cleanup task is
// still waiting on its fence blocks until that task has finished.
func TestTransferJoinsPreviousTask(t *testing.T) {
	dev, gates := gatedDevice(t, 1)
	pool := newPool(t, dev)
	tr := newTransfer(t, pool, TransferConfig{Kind: BufferUniform})

	if err := tr.Frame(pattern(16, 1)); err != nil {
		t.Fatal(err)
	}
	if !tr.Pending() {
		t.Fatal("no cleanup task after the first frame")
	}

	done := make(chan struct{})
	var ferr error
	go func() {
		defer close(done)
		ferr = tr.Frame(pattern(16, 2))
	}()

	if !blocked(done, 20*time.Millisecond) {
		t.Fatal("second frame did not wait for the first frame's cleanup")
	}
	if got := gates[0].submitted(); got != 1 {
		t.Fatalf("%d submissions while the first frame is pending, want 1", got)
	}

	gates[0].release()
	<-done
	if ferr != nil {
		t.Fatalf("second Frame: %v", ferr)
	}
	if got := gates[0].submitted(); got != 2 {
		t.Errorf("submissions = %d, want 2", got)
	}

	gates[0].release()
	if err := tr.Destroy(); err != nil {
		t.Fatal(err)
	}
}

func TestTransferFreesOldBufferAfterFence(t *testing.T) {
	dev, gates := gatedDevice(t, 1)
	pool := newPool(t, dev)
	base := allocStats(dev)
	tr := newTransfer(t, pool, TransferConfig{Kind: BufferStorage})

	if err := tr.Frame(pattern(32, 0)); err != nil {
		t.Fatal(err)
	}
	gates[0].release()
	if err := tr.Frame(pattern(64, 0)); err != nil {
		t.Fatal(err)
	}

	// Old and new device buffers, each with its persistent staging buffer.
	if got := allocStats(dev); got.DeviceLocal != base.DeviceLocal+2 || got.Staging != base.Staging+2 {
		t.Errorf("while pending: %s", got)
	}
	if !tr.Pending() {
		t.Fatal("no cleanup task while the frame is pending")
	}

	gates[0].release()
	if err := tr.Wait(); err != nil {
		t.Fatal(err)
	}
	if got := allocStats(dev); got.DeviceLocal != base.DeviceLocal+1 || got.Staging != base.Staging+1 {
		t.Errorf("after fence: %s", got)
	}
	if err := tr.Destroy(); err != nil {
		t.Fatal(err)
	}
}

func TestTransferRepanicsCleanupPanic(t *testing.T) {
	dev, gates := gatedDevice(t, 1)
	pool := newPool(t, dev)
	tr := newTransfer(t, pool, TransferConfig{Kind: BufferVertex})

	if err := tr.Frame(pattern(8, 0)); err != nil {
		t.Fatal(err)
	}
	gates[0].setPoison("device lost")

	v := recoverPanic(func() { _ = tr.Frame(pattern(8, 1)) })
	if v != "device lost" {
		t.Fatalf("recovered %v, want the cleanup goroutine's panic", v)
	}
	if tr.Pending() {
		t.Error("panicked task still outstanding")
	}

	gates[0].setPoison(nil)
	gates[0].release()
	if err := tr.Destroy(); err != nil {
		t.Fatal(err)
	}
}

func TestTransferSemaphore(t *testing.T) {
	dev := openDevice(t)
	pool := newPool(t, dev)
	tr := newTransfer(t, pool, TransferConfig{Kind: BufferVertex, SignalSemaphore: true})
	defer tr.Destroy()

	sem := tr.Semaphore()
	if sem == nil {
		t.Fatal("no semaphore")
	}
	if err := tr.Frame(pattern(12, 0)); err != nil {
		t.Fatal(err)
	}
	if !sem.Pending() {
		t.Fatal("frame did not signal the semaphore")
	}
	wantErr(t, "frame before the consumer waited", tr.Frame(pattern(12, 1)), ErrSemaphoreSignaled)

	draw := begin(t, pool)
	if err := draw.End(); err != nil {
		t.Fatal(err)
	}
	if err := Submit(dev, []*CommandBuffer{draw}, []SemaphoreWait{{sem, StageVertexInput}}, nil, nil); err != nil {
		t.Fatal(err)
	}
	if err := tr.Frame(pattern(12, 1)); err != nil {
		t.Fatalf("frame after consumer waited: %v", err)
	}
	if got := tr.Stats().Frames; got != 2 {
		t.Errorf("Frames = %d, want 2", got)
	}
	if err := tr.Wait(); err != nil {
		t.Fatal(err)
	}
	draw.Free()

	noSem := newTransfer(t, pool, TransferConfig{})
	defer noSem.Destroy()
	if noSem.Semaphore() != nil {
		t.Error("semaphore created without SignalSemaphore")
	}
}

func TestTransferExtraUpdates(t *testing.T) {
	dev := openDevice(t)
	pool := newPool(t, dev)
	readPool := newPool(t, dev)

	uniforms := uploadBuffer(t, dev, readPool, pattern(64, 0), BufferUniform, true)
	defer uniforms.Destroy()

	tr := newTransfer(t, pool, TransferConfig{Kind: BufferVertex})
	defer tr.Destroy()

	next := pattern(64, 200)
	if err := tr.Frame(pattern(16, 0), Update{Buffer: uniforms, Data: next}); err != nil {
		t.Fatal(err)
	}
	if err := tr.Wait(); err != nil {
		t.Fatal(err)
	}
	assertBytes(t, "extra buffer", readBuffer(t, dev, readPool, uniforms), next)

	err := tr.Frame(pattern(16, 1), Update{Buffer: uniforms, Data: next[:10]})
	wantErr(t, "mismatched extra", err, ErrSizeMismatch)

	gone := uploadBuffer(t, dev, readPool, pattern(4, 0), BufferUniform, true)
	if err := gone.Destroy(); err != nil {
		t.Fatal(err)
	}
	err = tr.Frame(pattern(16, 1), Update{Buffer: gone, Data: pattern(4, 0)})
	wantErr(t, "destroyed extra", err, ErrDestroyed)

	if got := tr.Stats().Frames; got != 1 {
		t.Errorf("refused frames were counted: Frames = %d", got)
	}
}

func TestNewTransferValidation(t *testing.T) {
	dev := openDevice(t)
	pool := newPool(t, dev)
	if _, err := NewTransfer(nil, pool, TransferConfig{}); !errors.Is(err, ErrNilDevice) {
		t.Errorf("nil device: %v", err)
	}
	pool.Destroy()
	if _, err := NewTransfer(dev, pool, TransferConfig{}); !errors.Is(err, ErrFreed) {
		t.Errorf("destroyed pool: %v", err)
	}
}
