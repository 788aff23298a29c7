package triggerengine

import (
	"context"

	"github.com/chainwatch/pulse/internal/queue"
)

// QueueEnqueuer adapts the C7 queue to the engine's ActionEnqueuer boundary,
// translating a matched trigger's action into a durable queue.Job carrying
// a full snapshot of the event that matched.
type QueueEnqueuer struct {
	Queue *queue.Queue
}

func (q *QueueEnqueuer) EnqueueAction(ctx context.Context, j ActionJob) error {
	return q.Queue.Enqueue(ctx, queue.Job{
		TriggerID: j.TriggerID,
		ActionID:  j.ActionID,
		Kind:      j.Kind,
		Config:    j.Config,
		Event:     j.Event,
	})
}

var _ ActionEnqueuer = (*QueueEnqueuer)(nil)
