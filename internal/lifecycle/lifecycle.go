// Package lifecycle gives the long-running components (the notifier and
// the worker pools) the same Start/Stop/Ready shape, without the
// broader manifest/dependency/quota machinery a dynamic service registry
// would need — this pipeline's component graph is fixed at compile time.
package lifecycle

import (
	"context"
	"sync/atomic"
)

// Base is embedded by components that run a background loop. It tracks
// readiness with an atomic flag so Ready() is safe to poll from an admin
// HTTP handler without taking a lock.
type Base struct {
	ready int32
}

// MarkReady flips the readiness flag on. Call it once the component has
// completed whatever warm-up its Start does (initial cursor load, initial
// cache fill) and is safe to report healthy.
func (b *Base) MarkReady() {
	atomic.StoreInt32(&b.ready, 1)
}

// MarkNotReady flips the readiness flag off, e.g. entering degraded mode.
func (b *Base) MarkNotReady() {
	atomic.StoreInt32(&b.ready, 0)
}

// Ready reports the current readiness flag.
func (b *Base) Ready() bool {
	return atomic.LoadInt32(&b.ready) == 1
}

// Component is the minimal lifecycle contract every cmd/ binary wires its
// parts through. Start takes a context because every component here runs a
// background loop tied to the process's shutdown signal, not a one-shot init.
type Component interface {
	Start(ctx context.Context) error
	Stop() error
	Ready() bool
}
