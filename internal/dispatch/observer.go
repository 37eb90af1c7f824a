package dispatch

import (
	"time"

	"github.com/nerrad567/opcproxy/internal/item"
)

// Observer receives every committed item change.
//
// ItemChanged is called synchronously on the path that made the change and
// must not block; slow sinks buffer internally.
type Observer interface {
	ItemChanged(ch item.Change)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ch item.Change)

// ItemChanged calls f(ch).
func (f ObserverFunc) ItemChanged(ch item.Change) { f(ch) }

// Logger is the logging interface used by the dispatcher.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Metrics receives backend and reload events.
type Metrics interface {
	BackendWrite(ok bool)
	BackendPush(n int)
	GenerationLoaded(ok bool, items int)
}

type noopMetrics struct{}

func (noopMetrics) BackendWrite(bool)          {}
func (noopMetrics) BackendPush(int)            {}
func (noopMetrics) GenerationLoaded(bool, int) {}

// clock returns the current time; replaced in tests.
type clock func() time.Time
