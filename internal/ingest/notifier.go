// Package ingest implements C1, the event store notifier: it bridges
// Postgres commit-time NOTIFY wake-ups to a durable, cursor-based read of
// the event log, so correctness never depends on a notification actually
// arriving.
package ingest

import (
	"context"
	"time"

	"github.com/lib/pq"

	"github.com/chainwatch/pulse/internal/lifecycle"
	"github.com/chainwatch/pulse/internal/store/eventstore"
	"github.com/chainwatch/pulse/pkg/logger"
	"github.com/chainwatch/pulse/pkg/metrics"
)

var _ lifecycle.Component = (*Notifier)(nil)

// Component is the checkpoint key the notifier persists its cursor under.
const Component = "notifier"

// Channel is the Postgres NOTIFY channel the upstream indexer publishes to
// on every committed event insert. Its payload is never parsed: a
// notification is only ever a hint to sweep, and the sweep re-reads from
// Postgres by cursor regardless of what (if anything) it carried.
const Channel = "pulse_events"

// Sink receives events the notifier has determined are new, in seq order.
type Sink interface {
	HandleEvent(ctx context.Context, se eventstore.SequencedEvent) error
}

// Notifier runs the catch-up sweep plus LISTEN fast path described in the
// component design: LISTEN/NOTIFY is a hint that triggers an immediate
// sweep; durable correctness only ever depends on reading events after the
// persisted cursor.
type Notifier struct {
	lifecycle.Base

	store  eventstore.Store
	sink   Sink
	log    *logger.Logger
	dsn    string

	catchupBatchSize  int
	reconnectMinDelay time.Duration
	reconnectMaxDelay time.Duration

	listener *pq.Listener
	cursor   int64

	cancel context.CancelFunc
	done   chan struct{}
}

// Config controls the notifier's batching and reconnect behavior.
type Config struct {
	CatchupBatchSize  int
	ReconnectMinDelay time.Duration
	ReconnectMaxDelay time.Duration
}

// New builds a Notifier. dsn is used only to open the pq.Listener
// connection that issues LISTEN; all durable reads go through store.
func New(dsn string, store eventstore.Store, sink Sink, log *logger.Logger, cfg Config) *Notifier {
	if cfg.CatchupBatchSize <= 0 {
		cfg.CatchupBatchSize = 500
	}
	if cfg.ReconnectMinDelay <= 0 {
		cfg.ReconnectMinDelay = 100 * time.Millisecond
	}
	if cfg.ReconnectMaxDelay <= 0 {
		cfg.ReconnectMaxDelay = 30 * time.Second
	}
	return &Notifier{
		store:             store,
		sink:              sink,
		log:               log,
		dsn:               dsn,
		catchupBatchSize:  cfg.CatchupBatchSize,
		reconnectMinDelay: cfg.ReconnectMinDelay,
		reconnectMaxDelay: cfg.ReconnectMaxDelay,
	}
}

// Start loads the persisted cursor, performs an initial catch-up sweep, then
// opens the LISTEN connection and begins the run loop in the background.
func (n *Notifier) Start(ctx context.Context) error {
	cursor, err := n.store.LoadCheckpoint(ctx, Component)
	if err != nil {
		return err
	}
	n.cursor = cursor

	if err := n.sweep(ctx); err != nil {
		return err
	}

	reportProblem := func(ev pq.ListenerEventType, err error) {
		if err != nil {
			n.log.WithField("component", Component).WithField("event", ev).Warn("listener connection problem")
			metrics.NotifierDegraded.Set(1)
		}
		if ev == pq.ListenerEventConnected || ev == pq.ListenerEventReconnected {
			metrics.NotifierDegraded.Set(0)
		}
	}
	n.listener = pq.NewListener(n.dsn, n.reconnectMinDelay, n.reconnectMaxDelay, reportProblem)
	if err := n.listener.Listen(Channel); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	n.cancel = cancel
	n.done = make(chan struct{})

	go n.run(runCtx)

	n.MarkReady()
	return nil
}

// Stop cancels the run loop and closes the listener.
func (n *Notifier) Stop() error {
	n.MarkNotReady()
	if n.cancel != nil {
		n.cancel()
	}
	if n.done != nil {
		<-n.done
	}
	if n.listener != nil {
		return n.listener.Close()
	}
	return nil
}

func (n *Notifier) run(ctx context.Context) {
	defer close(n.done)

	ticker := time.NewTicker(90 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case notification := <-n.listener.Notify:
			if notification == nil {
				// Connection dropped; the pq.Listener is already
				// reconnecting internally, and the next notification or
				// ping tick will trigger a fresh sweep that catches up
				// on anything missed in between.
				continue
			}
			if err := n.sweep(ctx); err != nil {
				n.log.WithField("component", Component).WithError(err).Error("sweep after notify failed")
			}
		case <-ticker.C:
			if err := n.listener.Ping(); err != nil {
				n.log.WithField("component", Component).WithError(err).Warn("listener ping failed")
			}
			// A ping-driven sweep bounds staleness even if a NOTIFY was
			// missed while the connection was down.
			if err := n.sweep(ctx); err != nil {
				n.log.WithField("component", Component).WithError(err).Error("periodic sweep failed")
			}
		}
	}
}

// sweep reads every event after the current cursor in catchupBatchSize
// pages, hands each to the sink, and advances the checkpoint after each
// successful batch. It is the sole source of ordering and durability
// guarantees; LISTEN/NOTIFY only decides when to call it sooner.
func (n *Notifier) sweep(ctx context.Context) error {
	for {
		batch, err := n.store.LoadAfter(ctx, n.cursor, n.catchupBatchSize)
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			return nil
		}

		for _, se := range batch {
			if err := n.sink.HandleEvent(ctx, se); err != nil {
				return err
			}
			metrics.EventsIngested.WithLabelValues(string(se.Event.Registry)).Inc()
		}

		last := batch[len(batch)-1].Seq
		if err := n.store.SaveCheckpoint(ctx, Component, last); err != nil {
			return err
		}
		n.cursor = last

		if len(batch) < n.catchupBatchSize {
			return nil
		}
	}
}
