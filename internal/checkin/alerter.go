package checkin

import (
	"context"
	"encoding/json"

	"gymgate/internal/queue"
)

// QueueAlerter publishes alerts onto the notifier queue for the worker to
// deliver.
type QueueAlerter struct {
	q queue.Queue
}

// NewQueueAlerter wraps a queue as an Alerter.
func NewQueueAlerter(q queue.Queue) *QueueAlerter {
	return &QueueAlerter{q: q}
}

// Alert enqueues the alert as a JSON message.
func (a *QueueAlerter) Alert(ctx context.Context, alert Alert) error {
	body, err := json.Marshal(alert)
	if err != nil {
		return err
	}
	return a.q.Publish(ctx, queue.Message{Type: "alert", Body: body})
}
