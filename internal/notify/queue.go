package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/mbd888/escrowledger/internal/circuitbreaker"
	"github.com/mbd888/escrowledger/internal/metrics"
	"github.com/mbd888/escrowledger/internal/retry"
)

const (
	deliveryBaseDelay = 100 * time.Millisecond
	drainTimeout      = 5 * time.Second
	breakerThreshold  = 5
	breakerCooldown   = 30 * time.Second
)

// Queue buffers notifications and fans them out to sinks from a single
// worker goroutine. Notify never blocks.
type Queue struct {
	ch        chan Notification
	sinks     []Sink
	attempts  int
	baseDelay time.Duration
	breaker   *circuitbreaker.Breaker
	logger    *slog.Logger
	wg        sync.WaitGroup
}

// NewQueue creates a queue holding at most size pending notifications.
func NewQueue(size, maxAttempts int, logger *slog.Logger, sinks ...Sink) *Queue {
	if size <= 0 {
		size = 1
	}
	return &Queue{
		ch:        make(chan Notification, size),
		sinks:     sinks,
		attempts:  maxAttempts,
		baseDelay: deliveryBaseDelay,
		breaker:   circuitbreaker.New(breakerThreshold, breakerCooldown),
		logger:    logger,
	}
}

// Notify enqueues n. It returns false when the queue is full and n was dropped.
func (q *Queue) Notify(ctx context.Context, n Notification) bool {
	if n.DisplayAmount == "" {
		n.DisplayAmount = DisplayAmount(n.Amount, n.Currency)
	}
	select {
	case q.ch <- n:
		metrics.NotificationsTotal.WithLabelValues("enqueued").Inc()
		metrics.NotificationQueueDepth.Set(float64(len(q.ch)))
		return true
	default:
		metrics.NotificationsTotal.WithLabelValues("dropped").Inc()
		return false
	}
}

// Start runs the worker until ctx is done, then drains what is buffered.
func (q *Queue) Start(ctx context.Context) {
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		q.run(ctx)
	}()
}

// Wait blocks until the worker has exited.
func (q *Queue) Wait() {
	q.wg.Wait()
}

func (q *Queue) run(ctx context.Context) {
	q.logger.Info("notification worker started", "sinks", len(q.sinks))
	for {
		select {
		case <-ctx.Done():
			q.drain()
			q.logger.Info("notification worker stopped")
			return
		case n := <-q.ch:
			metrics.NotificationQueueDepth.Set(float64(len(q.ch)))
			q.deliver(ctx, n)
		}
	}
}

func (q *Queue) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	for {
		select {
		case n := <-q.ch:
			q.deliver(ctx, n)
		default:
			metrics.NotificationQueueDepth.Set(0)
			return
		}
	}
}

// deliver hands n to every sink. A failing sink never affects the others,
// and a sink whose circuit is open is skipped until its cooldown elapses.
func (q *Queue) deliver(ctx context.Context, n Notification) {
	for _, s := range q.sinks {
		if !q.breaker.Allow(s.Name()) {
			metrics.NotificationDeliveriesTotal.WithLabelValues(s.Name(), "skipped").Inc()
			continue
		}
		err := retry.Do(ctx, q.attempts, q.baseDelay, func() error {
			return s.Deliver(ctx, n)
		})
		if err != nil {
			q.breaker.Failure(s.Name())
			metrics.NotificationDeliveriesTotal.WithLabelValues(s.Name(), "failed").Inc()
			q.logger.Warn("notification delivery failed",
				"sink", s.Name(), "kind", string(n.Kind), "hold_id", n.HoldID, "error", err)
			continue
		}
		q.breaker.Success(s.Name())
		metrics.NotificationDeliveriesTotal.WithLabelValues(s.Name(), "delivered").Inc()
	}
}
