package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/garyjia/stageflow/internal/application/service"
)

// NotificationWorkerConfig holds configuration for the notification worker
type NotificationWorkerConfig struct {
	PollInterval time.Duration
	BatchSize    int
}

// DefaultNotificationWorkerConfig returns default configuration
func DefaultNotificationWorkerConfig() NotificationWorkerConfig {
	return NotificationWorkerConfig{
		PollInterval: 10 * time.Second,
		BatchSize:    50,
	}
}

// NotificationWorker drains the stage notification outbox on a ticker and
// whenever Wake is called
type NotificationWorker struct {
	config  NotificationWorkerConfig
	service service.NotificationService
	logger  *zap.Logger

	wake chan struct{}

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
	sent    int
	failed  int
}

// NewNotificationWorker creates a new notification worker
func NewNotificationWorker(config NotificationWorkerConfig, svc service.NotificationService, logger *zap.Logger) *NotificationWorker {
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultNotificationWorkerConfig().PollInterval
	}
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultNotificationWorkerConfig().BatchSize
	}
	return &NotificationWorker{
		config:  config,
		service: svc,
		logger:  logger,
		wake:    make(chan struct{}, 1),
	}
}

// Name returns the worker name for identification
func (w *NotificationWorker) Name() string {
	return "NotificationWorker"
}

// Start begins the delivery loop
func (w *NotificationWorker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return fmt.Errorf("notification worker already running")
	}

	loopCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.done = make(chan struct{})
	w.running = true

	w.logger.Info("NotificationWorker started",
		zap.Duration("poll_interval", w.config.PollInterval),
		zap.Int("batch_size", w.config.BatchSize))

	go w.loop(loopCtx, w.done)
	return nil
}

// Stop cancels the loop and waits for the current pass to finish
func (w *NotificationWorker) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	cancel, done := w.cancel, w.done
	w.mu.Unlock()

	cancel()
	<-done

	sent, failed := w.Stats()
	w.logger.Info("NotificationWorker stopped", zap.Int("sent", sent), zap.Int("failed", failed))
	return nil
}

// Wake asks the worker to run a pass now. It never blocks.
func (w *NotificationWorker) Wake() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// Stats returns the delivered and failed counts since start
func (w *NotificationWorker) Stats() (sent, failed int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.sent, w.failed
}

func (w *NotificationWorker) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-w.wake:
		}
		w.deliver(ctx)
	}
}

func (w *NotificationWorker) deliver(ctx context.Context) {
	// drain full batches before waiting again
	for ctx.Err() == nil {
		stats, err := w.service.DeliverPending(ctx, w.config.BatchSize)

		w.mu.Lock()
		w.sent += stats.Sent
		w.failed += stats.Failed
		w.mu.Unlock()

		if err != nil {
			if ctx.Err() == nil {
				w.logger.Error("Notification delivery pass failed", zap.Error(err))
			}
			return
		}
		if stats.Sent+stats.Failed < w.config.BatchSize || stats.Sent == 0 {
			return
		}
	}
}
