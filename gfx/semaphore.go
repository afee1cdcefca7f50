package gfx

import (
	"fmt"
	"strings"
	"sync"

	"github.com/gogpu/wgpu/hal"
)

// PipelineStage is a set of pipeline stages used by semaphore waits and
// barriers.
type PipelineStage uint32

// Pipeline stages.
const (
	StageTopOfPipe PipelineStage = 1 << iota
	StageVertexInput
	StageVertexShader
	StageFragmentShader
	StageEarlyFragmentTests
	StageLateFragmentTests
	StageColorAttachmentOutput
	StageComputeShader
	StageTransfer
	StageBottomOfPipe

	StageNone        PipelineStage = 0
	StageAllCommands               = StageBottomOfPipe<<1 - 1
)

var stageNames = []string{
	"TopOfPipe", "VertexInput", "VertexShader", "FragmentShader",
	"EarlyFragmentTests", "LateFragmentTests", "ColorAttachmentOutput",
	"ComputeShader", "Transfer", "BottomOfPipe",
}

// String returns the stage names joined with "|".
func (s PipelineStage) String() string {
	if s == StageNone {
		return "None"
	}
	var parts []string
	for i, name := range stageNames {
		if s&(1<<i) != 0 {
			parts = append(parts, name)
		}
	}
	return strings.Join(parts, "|")
}

// Semaphore orders one submission after another on the GPU. A submission
// that lists it as a signal gives it a pending signal; the next submission
// that lists it as a wait consumes that signal and cannot start its waiting
// stages before the signaling submission has completed.
type Semaphore struct {
	mu      sync.Mutex
	label   string
	pending bool
	queue   hal.Queue
	index   uint64
}

// NewSemaphore creates an unsignaled semaphore.
func NewSemaphore(label string) *Semaphore {
	return &Semaphore{label: label}
}

// Label returns the debug label.
func (s *Semaphore) Label() string { return s.label }

// Pending reports whether the semaphore carries a signal that no
// submission has waited on yet.
func (s *Semaphore) Pending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending
}

// signalSource returns the submission that signals s.
func (s *Semaphore) signalSource() (hal.Queue, uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.pending {
		return nil, 0, fmt.Errorf("%w: %q", ErrSemaphoreNotSignaled, s.label)
	}
	return s.queue, s.index, nil
}

func (s *Semaphore) checkUnsignaled() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending {
		return fmt.Errorf("%w: %q", ErrSemaphoreSignaled, s.label)
	}
	return nil
}

func (s *Semaphore) consume() {
	s.mu.Lock()
	s.pending = false
	s.queue = nil
	s.index = 0
	s.mu.Unlock()
}

func (s *Semaphore) signal(q hal.Queue, index uint64) {
	s.mu.Lock()
	s.pending = true
	s.queue = q
	s.index = index
	s.mu.Unlock()
}
