// Package bridge lets any goroutine in the process publish a hub.Event
// without taking a direct dependency on the Hub's broadcast loop. It
// serializes publishes from every caller into a single channel consumed by
// one owning goroutine, so per-producer ordering holds without any lock
// on the Hub itself.
package bridge

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/frameflow/frameflow/pkg/hub"
)

// ErrNotReady is returned by Publish when called before Install.
var ErrNotReady = errors.New("bridge: not installed")

// queueDepth bounds how many pending publishes may be buffered before
// Publish starts dropping rather than blocking the caller.
const queueDepth = 1024

type publishCmd struct {
	chatID string
	event  hub.Event
}

// Bridge is a process-wide, install-once fan-in to a Hub. The zero value
// is usable as "not installed": Publish returns ErrNotReady until Install
// runs, and is a silent no-op after Shutdown.
type Bridge struct {
	installOnce sync.Once
	cmdCh       chan publishCmd
	stopCh      chan struct{}
	installed   atomic.Bool
	shutdown    atomic.Bool
	done        chan struct{}
}

// New constructs an uninstalled Bridge.
func New() *Bridge {
	return &Bridge{
		cmdCh:  make(chan publishCmd, queueDepth),
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Install starts the owning goroutine that drains published events into h.
// Install is idempotent: only the first call has any effect.
func (b *Bridge) Install(h *hub.Hub) {
	b.installOnce.Do(func() {
		b.installed.Store(true)
		go b.run(h)
	})
}

func (b *Bridge) run(h *hub.Hub) {
	defer close(b.done)
	for {
		select {
		case cmd := <-b.cmdCh:
			h.Broadcast(cmd.chatID, cmd.event)
		case <-b.stopCh:
			return
		}
	}
}

// Publish enqueues event for delivery to chatID's room. It never blocks:
// if the bridge is not yet installed, it returns ErrNotReady; if it has
// been shut down, the event is silently dropped (matching a producer that
// outlives the broadcast loop during process teardown); if the internal
// queue is saturated, the event is dropped and logged rather than stalling
// the caller. Events from a single calling goroutine are delivered in the
// order Publish was called, since all publishes funnel through one channel
// into one consumer loop.
func (b *Bridge) Publish(chatID string, event hub.Event) error {
	if !b.installed.Load() {
		return ErrNotReady
	}
	if b.shutdown.Load() {
		return nil
	}

	select {
	case b.cmdCh <- publishCmd{chatID: chatID, event: event}:
		return nil
	default:
		slog.Warn("bridge queue saturated, dropping event", "chat_id", chatID, "event_type", event.Type)
		return nil
	}
}

// Shutdown stops accepting new publishes, stops the broadcast loop and waits
// for it to exit; events still queued at that point are not delivered.
// After Shutdown returns, Publish is a permanent silent no-op.
func (b *Bridge) Shutdown() {
	if !b.shutdown.CompareAndSwap(false, true) {
		return
	}
	if b.installed.Load() {
		close(b.stopCh)
		<-b.done
	}
}
