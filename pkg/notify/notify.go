// Package notify is the best-effort notification sink for governance events.
// Delivery failures are logged and swallowed: a lost notification must never
// fail the governance operation that produced it.
package notify

import (
	"context"

	"go.uber.org/zap"

	"github.com/melsheikh92/crm-governance/pkg/jobs"
)

// Message is one notification to reviewers or subjects.
type Message struct {
	Recipients []string
	Subject    string
	Body       string
}

// Notifier delivers a message to its recipients.
type Notifier interface {
	Notify(ctx context.Context, msg Message) error
}

// LogNotifier records notifications in the application log. It stands in for
// a mail or chat integration in environments that have none configured.
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier builds a log-backed notifier.
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogNotifier{logger: logger}
}

// Notify implements Notifier.
func (n *LogNotifier) Notify(_ context.Context, msg Message) error {
	n.logger.Info("notification",
		zap.Strings("recipients", msg.Recipients),
		zap.String("subject", msg.Subject),
		zap.String("body", msg.Body),
	)
	return nil
}

// AsyncNotifier dispatches messages through a job queue so callers never
// block on delivery.
type AsyncNotifier struct {
	queue  *jobs.Queue
	logger *zap.Logger
}

// NewAsyncNotifier wraps a sink with queue-backed dispatch. The returned
// notifier owns the queue lifecycle via Start/Stop.
func NewAsyncNotifier(sink Notifier, cfg jobs.QueueConfig, logger *zap.Logger) *AsyncNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	queue := jobs.NewQueue("notifications", func(ctx context.Context, job jobs.Job) error {
		msg, ok := job.Payload.(Message)
		if !ok {
			return nil
		}
		return sink.Notify(ctx, msg)
	}, cfg)
	return &AsyncNotifier{queue: queue, logger: logger}
}

// Start launches the dispatch workers.
func (n *AsyncNotifier) Start(ctx context.Context) {
	n.queue.Start(ctx)
}

// Stop drains the dispatch workers.
func (n *AsyncNotifier) Stop() {
	n.queue.Stop()
}

// Notify implements Notifier. Enqueue failures are logged, not returned.
func (n *AsyncNotifier) Notify(_ context.Context, msg Message) error {
	err := n.queue.Enqueue(jobs.Job{Type: "notification", Payload: msg})
	if err != nil {
		n.logger.Warn("notification dropped", zap.String("subject", msg.Subject), zap.Error(err))
	}
	return nil
}
