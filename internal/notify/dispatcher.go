package notify

import (
	"context"
	"time"

	"go.uber.org/zap"

	"usdt-custody-go/internal/models"
	"usdt-custody-go/internal/store"
)

// Compile-time check: *Dispatcher must satisfy store.Notifier.
var _ store.Notifier = (*Dispatcher)(nil)

// Sink delivers a single notification to one destination.
type Sink interface {
	Deliver(ctx context.Context, n models.Notification) error
}

// Dispatcher fans notifications out to its sinks from a bounded queue
// consumed by one background goroutine. Notify never blocks: a slow or dead
// sink cannot stall a ledger transition. When the queue is full the
// notification is dropped with a warning.
type Dispatcher struct {
	queue    chan models.Notification
	sinks    []Sink
	stopChan chan struct{}
	doneChan chan struct{}
}

func NewDispatcher(queueSize int, sinks ...Sink) *Dispatcher {
	if queueSize <= 0 {
		queueSize = 256
	}
	return &Dispatcher{
		queue:    make(chan models.Notification, queueSize),
		sinks:    sinks,
		stopChan: make(chan struct{}),
		doneChan: make(chan struct{}),
	}
}

// Start launches the consumer goroutine.
func (d *Dispatcher) Start(ctx context.Context) {
	go d.run(ctx)
	zap.L().Info("Notification dispatcher started",
		zap.Int("queue_size", cap(d.queue)),
		zap.Int("sinks", len(d.sinks)))
}

// Stop drains the queue and waits for the consumer to exit.
func (d *Dispatcher) Stop() {
	close(d.stopChan)
	<-d.doneChan
	zap.L().Info("Notification dispatcher stopped")
}

// Notify enqueues a notification, best-effort.
func (d *Dispatcher) Notify(recipient, title, body string) {
	n := models.Notification{
		Recipient: recipient,
		Title:     title,
		Body:      body,
		CreatedAt: time.Now().UTC(),
	}
	select {
	case d.queue <- n:
	default:
		zap.L().Warn("Notification queue full, dropping",
			zap.String("recipient", recipient),
			zap.String("title", title))
	}
}

func (d *Dispatcher) run(ctx context.Context) {
	defer close(d.doneChan)

	for {
		select {
		case n := <-d.queue:
			d.deliver(ctx, n)
		case <-d.stopChan:
			d.drain(ctx)
			return
		case <-ctx.Done():
			return
		}
	}
}

func (d *Dispatcher) drain(ctx context.Context) {
	for {
		select {
		case n := <-d.queue:
			d.deliver(ctx, n)
		default:
			return
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, n models.Notification) {
	for _, sink := range d.sinks {
		if err := sink.Deliver(ctx, n); err != nil {
			zap.L().Warn("Notification delivery failed",
				zap.String("recipient", n.Recipient),
				zap.String("title", n.Title),
				zap.Error(err))
		}
	}
}

// LogSink writes notifications to the structured log. It backs local
// development and doubles as the audit record for every dispatched message.
type LogSink struct{}

func (LogSink) Deliver(_ context.Context, n models.Notification) error {
	zap.L().Info("Notification",
		zap.String("recipient", n.Recipient),
		zap.String("title", n.Title),
		zap.String("body", n.Body))
	return nil
}
