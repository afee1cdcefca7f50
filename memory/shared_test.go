package memory

import (
	"errors"
	"slices"
	"sync"
	"testing"
)

func TestSharedLastReleaseCloses(t *testing.T) {
	a, err := New(createSoftwareDevice(t), Config{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	s := Share(a)
	if s.Refs() != 1 {
		t.Fatalf("Refs() = %d, want 1", s.Refs())
	}

	task := s.Retain()
	if s.Refs() != 2 {
		t.Fatalf("Refs() after Retain = %d, want 2", s.Refs())
	}

	s.Release()
	if a.Closed() {
		t.Fatal("allocator closed while a task still holds a reference")
	}
	if err := task.With(func(*Allocator) error { return nil }); err != nil {
		t.Errorf("With on live handle: %v", err)
	}

	task.Release()
	if !a.Closed() {
		t.Error("allocator not closed after last Release")
	}
	if err := s.With(func(*Allocator) error { return nil }); !errors.Is(err, ErrReleased) {
		t.Errorf("With after release error = %v, want ErrReleased", err)
	}
	if err := s.Exclusive(func(*Allocator) error { return nil }); !errors.Is(err, ErrReleased) {
		t.Errorf("Exclusive after release error = %v, want ErrReleased", err)
	}
	if st := s.Stats(); st.Live != 0 || st.BudgetBytes != 0 {
		t.Errorf("Stats after release = %s, want zero", st)
	}
}

func TestSharedMisuse(t *testing.T) {
	a, err := New(createSoftwareDevice(t), Config{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	s := Share(a)
	s.Release()

	assertPanics(t, "Retain after release", func() { s.Retain() })
	if n := s.Refs(); n != 0 {
		t.Errorf("Refs() after rejected Retain = %d, want 0", n)
	}
	assertPanics(t, "over-release", func() { s.Release() })
}

func TestSharedOnClose(t *testing.T) {
	a, err := New(createSoftwareDevice(t), Config{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	s := Share(a)

	var order []string
	s.OnClose(func() {
		if !a.Closed() {
			t.Error("hook ran before the allocator closed")
		}
		order = append(order, "device")
	})
	s.OnClose(func() { order = append(order, "surface") })

	task := s.Retain()
	s.Release()
	if len(order) != 0 {
		t.Fatalf("hooks ran with a reference outstanding: %v", order)
	}

	task.Release()
	if want := []string{"surface", "device"}; !slices.Equal(order, want) {
		t.Errorf("hook order = %v, want %v", order, want)
	}

	late := false
	s.OnClose(func() { late = true })
	if !late {
		t.Error("hook registered after release did not run")
	}
}

func TestSharedConcurrentUse(t *testing.T) {
	a, err := New(createSoftwareDevice(t), Config{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	s := Share(a)

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		h := s.Retain()
		go func() {
			defer wg.Done()
			defer h.Release()
			err := h.With(func(a *Allocator) error {
				buf, alloc, err := a.CreateBuffer("task", 16, KindStaging, 0)
				if err != nil {
					return err
				}
				return a.DestroyBuffer(buf, alloc)
			})
			if err != nil {
				t.Errorf("With: %v", err)
			}
		}()
	}
	if err := s.Exclusive(func(a *Allocator) error { return a.SetBudget(32) }); err != nil {
		t.Errorf("Exclusive: %v", err)
	}
	wg.Wait()

	if s.Refs() != 1 {
		t.Errorf("Refs() = %d after tasks, want 1", s.Refs())
	}
	s.Release()
	if !a.Closed() {
		t.Error("allocator should be closed")
	}
}

func assertPanics(t *testing.T, name string, fn func()) {
	t.Helper()
	defer func() {
		if recover() == nil {
			t.Errorf("%s: expected panic", name)
		}
	}()
	fn()
}
