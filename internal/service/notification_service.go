package service

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/noah-isme/bansos-api/internal/models"
	"github.com/noah-isme/bansos-api/pkg/jobs"
	"github.com/noah-isme/bansos-api/pkg/logger"
)

// Notification outcome labels.
const (
	NotificationPublished = "published"
	NotificationDropped   = "dropped"
	NotificationFailed    = "failed"
)

type eventPublisher interface {
	Publish(ctx context.Context, event models.RecipientEvent) error
}

type notificationMetrics interface {
	RecordNotification(outcome string)
}

// NotificationConfig tunes the background publisher.
type NotificationConfig struct {
	Workers        int
	BufferSize     int
	MaxRetries     int
	RetryDelay     time.Duration
	PublishTimeout time.Duration
}

// NotificationService publishes recipient events in the background. Delivery
// is best effort and never blocks or fails the transition that produced it.
type NotificationService struct {
	queue          *jobs.Queue[models.RecipientEvent]
	publisher      eventPublisher
	metrics        notificationMetrics
	logger         *zap.Logger
	publishTimeout time.Duration
}

// NewNotificationService constructs NotificationService. Start must be called
// before events are accepted.
func NewNotificationService(publisher eventPublisher, metrics notificationMetrics, logger *zap.Logger, cfg NotificationConfig) *NotificationService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 3 * time.Second
	}
	s := &NotificationService{
		publisher:      publisher,
		metrics:        metrics,
		logger:         logger,
		publishTimeout: cfg.PublishTimeout,
	}
	s.queue = jobs.NewQueue("notifications", s.handle, s.giveUp, jobs.QueueConfig{
		Workers:    cfg.Workers,
		BufferSize: cfg.BufferSize,
		MaxRetries: cfg.MaxRetries,
		RetryDelay: cfg.RetryDelay,
		Logger:     logger,
	})
	return s
}

// Start launches the publishing workers.
func (s *NotificationService) Start(ctx context.Context) {
	s.queue.Start(ctx)
}

// Stop stops the workers. Events still buffered are dropped.
func (s *NotificationService) Stop() {
	s.queue.Stop()
}

// Notify enqueues the event without blocking.
func (s *NotificationService) Notify(ctx context.Context, event models.RecipientEvent) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	err := s.queue.TryEnqueue(jobs.Job[models.RecipientEvent]{ID: event.ID, Payload: event})
	if err != nil {
		logger.With(ctx, s.logger).Warn("recipient event dropped",
			zap.String("event_id", event.ID), zap.String("type", string(event.Type)),
			zap.String("recipient_id", event.RecipientID), zap.Error(err))
		s.record(NotificationDropped)
	}
}

func (s *NotificationService) handle(ctx context.Context, job jobs.Job[models.RecipientEvent]) error {
	event := job.Payload
	publishCtx, cancel := context.WithTimeout(ctx, s.publishTimeout)
	defer cancel()
	if err := s.publisher.Publish(publishCtx, event); err != nil {
		return err
	}
	s.record(NotificationPublished)
	s.logger.Debug("recipient event published", zap.String("event_id", event.ID), zap.String("type", string(event.Type)))
	return nil
}

func (s *NotificationService) giveUp(job jobs.Job[models.RecipientEvent], err error) {
	s.logger.Warn("recipient event abandoned", zap.String("event_id", job.ID), zap.Int("attempts", job.Attempt), zap.Error(err))
	s.record(NotificationFailed)
}

func (s *NotificationService) record(outcome string) {
	if s.metrics != nil {
		s.metrics.RecordNotification(outcome)
	}
}
