package replica

import (
	"errors"
)

// error taxonomy for the consumer core. Everything except configuration
// errors is recoverable within a tick.

var (
	// transient connection errors. The source keeps its state and retries
	// on the next interval of its retry schedule.
	ErrServerDown = errors.New("provider unreachable")
	ErrTimeout    = errors.New("read timeout")
	ErrPoolPaused = errors.New("thread pool paused")

	// protocol errors. The connection is closed and re-established.
	ErrProtocol = errors.New("protocol error")

	// the provider signaled that the delta log no longer covers our state.
	ErrRefreshRequired = errors.New("refresh required")

	// causal errors. The update is older than committed or pending state
	// and is dropped silently.
	ErrStale = errors.New("stale update")

	// directory result conditions the applier maps to recovery actions.
	ErrNoSuchObject  = errors.New("no such object")
	ErrAlreadyExists = errors.New("already exists")
	ErrNonLeaf       = errors.New("not allowed on non-leaf")

	ErrShutdown = errors.New("shutting down")

	ErrConfig = errors.New("invalid configuration")
)

// TickResult is what a source tick reports back to the run queue.
type TickResult int

const (
	TickOk TickResult = iota
	TickTimeout
	TickRepoll
	TickPaused
	TickBusy
	TickShutdown
	TickError
)

func (self TickResult) String() string {
	switch self {
	case TickOk:
		return "ok"
	case TickTimeout:
		return "timeout"
	case TickRepoll:
		return "repoll"
	case TickPaused:
		return "paused"
	case TickBusy:
		return "busy"
	case TickShutdown:
		return "shutdown"
	case TickError:
		return "error"
	default:
		return "unknown"
	}
}
