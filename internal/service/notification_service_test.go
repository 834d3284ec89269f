package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/noah-isme/bansos-api/internal/models"
)

type stubPublisher struct {
	mu       sync.Mutex
	failures int
	attempts int
	events   []models.RecipientEvent
	block    chan struct{}
}

func (p *stubPublisher) Publish(ctx context.Context, event models.RecipientEvent) error {
	if p.block != nil {
		select {
		case <-p.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.attempts++
	if p.failures > 0 {
		p.failures--
		return errors.New("broker unavailable")
	}
	p.events = append(p.events, event)
	return nil
}

func (p *stubPublisher) published() []models.RecipientEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]models.RecipientEvent(nil), p.events...)
}

func (p *stubPublisher) attemptCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.attempts
}

func notificationCount(m *MetricsService, outcome string) float64 {
	return testutil.ToFloat64(m.notifications.WithLabelValues(outcome))
}

func TestNotificationServicePublishes(t *testing.T) {
	publisher := &stubPublisher{}
	metrics := NewMetricsService()
	svc := NewNotificationService(publisher, metrics, zap.NewNop(), NotificationConfig{Workers: 2, RetryDelay: 5 * time.Millisecond})
	svc.Start(context.Background())
	defer svc.Stop()

	svc.Notify(context.Background(), models.RecipientEvent{Type: models.RecipientEventDistributed, RecipientID: "rec-1"})

	require.Eventually(t, func() bool { return len(publisher.published()) == 1 }, time.Second, 5*time.Millisecond)
	event := publisher.published()[0]
	assert.NotEmpty(t, event.ID)
	assert.False(t, event.OccurredAt.IsZero())
	assert.Equal(t, "rec-1", event.RecipientID)
	assert.Equal(t, float64(1), notificationCount(metrics, NotificationPublished))
}

func TestNotificationServiceRetriesThenSucceeds(t *testing.T) {
	publisher := &stubPublisher{failures: 2}
	metrics := NewMetricsService()
	svc := NewNotificationService(publisher, metrics, zap.NewNop(), NotificationConfig{MaxRetries: 3, RetryDelay: 5 * time.Millisecond})
	svc.Start(context.Background())
	defer svc.Stop()

	svc.Notify(context.Background(), models.RecipientEvent{Type: models.RecipientEventRejected, RecipientID: "rec-2"})

	require.Eventually(t, func() bool { return len(publisher.published()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 3, publisher.attemptCount())
	assert.Equal(t, float64(0), notificationCount(metrics, NotificationFailed))
}

func TestNotificationServiceGivesUp(t *testing.T) {
	publisher := &stubPublisher{failures: 100}
	metrics := NewMetricsService()
	svc := NewNotificationService(publisher, metrics, zap.NewNop(), NotificationConfig{MaxRetries: 1, RetryDelay: 5 * time.Millisecond})
	svc.Start(context.Background())
	defer svc.Stop()

	svc.Notify(context.Background(), models.RecipientEvent{Type: models.RecipientEventRejected, RecipientID: "rec-3"})

	require.Eventually(t, func() bool { return notificationCount(metrics, NotificationFailed) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, publisher.attemptCount())
	assert.Empty(t, publisher.published())
}

func TestNotificationServiceDropsWithoutBlocking(t *testing.T) {
	publisher := &stubPublisher{}
	metrics := NewMetricsService()
	svc := NewNotificationService(publisher, metrics, zap.NewNop(), NotificationConfig{})

	svc.Notify(context.Background(), models.RecipientEvent{RecipientID: "rec-4"})
	assert.Equal(t, float64(1), notificationCount(metrics, NotificationDropped), "queue not started")

	publisher.block = make(chan struct{})
	full := NewNotificationService(publisher, metrics, zap.NewNop(), NotificationConfig{Workers: 1, BufferSize: 1})
	full.Start(context.Background())
	defer full.Stop()
	defer close(publisher.block)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 5; i++ {
			full.Notify(context.Background(), models.RecipientEvent{RecipientID: "rec-5"})
		}
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Notify blocked on a full queue")
	}
	assert.GreaterOrEqual(t, notificationCount(metrics, NotificationDropped), float64(4))
}
