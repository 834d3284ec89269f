package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/noah-isme/bansos-api/internal/models"
)

// NotificationPublisher fans recipient events out over Redis Pub/Sub so that
// SMS/e-mail workers living outside this service can pick them up.
type NotificationPublisher struct {
	client  *redis.Client
	channel string
}

// NewNotificationPublisher constructs the publisher.
func NewNotificationPublisher(client *redis.Client, channel string) *NotificationPublisher {
	return &NotificationPublisher{client: client, channel: channel}
}

// Publish serialises the event and publishes it on the configured channel.
func (p *NotificationPublisher) Publish(ctx context.Context, event models.RecipientEvent) error {
	if p.client == nil {
		return nil
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal recipient event %s: %w", event.ID, err)
	}
	if err := p.client.Publish(ctx, p.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish recipient event %s to %s: %w", event.ID, p.channel, err)
	}
	return nil
}
