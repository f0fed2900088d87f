package handler

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/jrjohn/engage-cloud-go/internal/cache"
	"github.com/jrjohn/engage-cloud-go/internal/integration"
	"github.com/jrjohn/engage-cloud-go/internal/jobs"
)

// NotificationResult is returned by the notification handler
type NotificationResult struct {
	DeliveryID string `json:"deliveryId"`
	Duplicate  bool   `json:"duplicate,omitempty"`
}

// NotificationHandler delivers notifications at most once per notification id
type NotificationHandler struct {
	notifier    integration.Notifier
	idempotency *cache.Idempotency
	logger      *zap.Logger
}

// NewNotificationHandler creates the notification handler
func NewNotificationHandler(n integration.Notifier, idem *cache.Idempotency, logger *zap.Logger) *NotificationHandler {
	return &NotificationHandler{
		notifier:    n,
		idempotency: idem,
		logger:      logger.With(zap.String("queue", jobs.KindSendNotification.String())),
	}
}

// Handle delivers one notification. A notification id seen before succeeds
// as a duplicate without calling the provider.
func (h *NotificationHandler) Handle(ctx context.Context, job *jobs.Job, p jobs.SendNotification) (NotificationResult, error) {
	id := p.NotificationID
	if id == "" {
		id = job.ID
	}
	key := "notification:" + id

	claim, err := h.idempotency.Claim(ctx, key)
	switch {
	case errors.Is(err, cache.ErrAlreadyProcessed):
		_, deliveryID, err := h.idempotency.Check(ctx, key)
		if err != nil {
			return NotificationResult{}, err
		}
		h.logger.Info("Duplicate notification skipped",
			zap.String("job_id", job.ID),
			zap.String("notification_id", id),
		)
		return NotificationResult{DeliveryID: deliveryID, Duplicate: true}, nil
	case err != nil:
		return NotificationResult{}, err
	}

	deliveryID, err := h.notifier.Notify(ctx, integration.Notification{
		ID:             id,
		OrganizationID: p.OrganizationID,
		UserID:         p.UserID,
		Channel:        p.Channel,
		Title:          p.Title,
		Message:        p.Message,
		Data:           p.Data,
	})
	if err != nil {
		if rerr := claim.Release(ctx); rerr != nil {
			h.logger.Warn("Failed to release idempotency claim", zap.Error(rerr))
		}
		return NotificationResult{}, fmt.Errorf("failed to deliver notification: %w", err)
	}
	if err := claim.Complete(ctx, deliveryID); err != nil {
		h.logger.Warn("Failed to record delivered notification", zap.String("notification_id", id), zap.Error(err))
	}

	h.logger.Info("Notification delivered",
		zap.String("job_id", job.ID),
		zap.String("notification_id", id),
		zap.String("user_id", p.UserID),
		zap.String("channel", p.Channel),
	)
	return NotificationResult{DeliveryID: deliveryID}, nil
}
