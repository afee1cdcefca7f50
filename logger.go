package gpures

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/gogpu/wgpu/hal"
)

// nopHandler is a slog.Handler that silently discards all log records.
// The Enabled method returns false so the caller skips message formatting
// entirely.
type nopHandler struct{}

func (nopHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (nopHandler) Handle(context.Context, slog.Record) error { return nil }
func (nopHandler) WithAttrs([]slog.Attr) slog.Handler        { return nopHandler{} }
func (nopHandler) WithGroup(string) slog.Handler             { return nopHandler{} }

// newNopLogger creates a logger that silently discards all output.
func newNopLogger() *slog.Logger { return slog.New(nopHandler{}) }

// loggerPtr stores the active logger. Accessed atomically so that
// SetLogger can be called concurrently with logging from any goroutine,
// including background cleanup tasks.
var loggerPtr atomic.Pointer[slog.Logger]

func init() {
	l := newNopLogger()
	loggerPtr.Store(l)
}

// SetLogger configures the logger for gpures and all its sub-packages.
// The same logger is forwarded to the wgpu HAL so backend diagnostics end
// up in one place. By default nothing is logged.
//
// SetLogger is safe for concurrent use. Pass nil to restore silence.
//
// Log levels used by gpures:
//   - [slog.LevelDebug]: per-frame diagnostics (staging sizes, submissions, cleanups)
//   - [slog.LevelInfo]: lifecycle events (backend and adapter selected, device opened)
//   - [slog.LevelWarn]: recoverable problems (decode failure, update size mismatch)
//   - [slog.LevelError]: emitted right before a fatal GPU failure panics
//
// Example:
//
//	gpures.SetLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
//	    Level: slog.LevelDebug,
//	})))
func SetLogger(l *slog.Logger) {
	if l == nil {
		l = newNopLogger()
		loggerPtr.Store(l)
		hal.SetLogger(nil)
		return
	}
	loggerPtr.Store(l)
	hal.SetLogger(l)
}

// Logger returns the current logger.
// Sub-packages call this to share one logger configuration.
//
// Logger is safe for concurrent use.
func Logger() *slog.Logger {
	return loggerPtr.Load()
}
