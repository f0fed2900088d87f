package handler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/jrjohn/engage-cloud-go/internal/domain/entity"
	"github.com/jrjohn/engage-cloud-go/internal/jobs"
)

// ChannelInApp delivers notifications inside the product
const ChannelInApp = "in_app"

// CheckinStore is the data access of the check-in handler
type CheckinStore interface {
	PendingCheckins(ctx context.Context, orgID string) ([]entity.Checkin, error)
	FindCheckin(ctx context.Context, id string) (*entity.Checkin, error)
	FindUser(ctx context.Context, id string) (*entity.User, error)
}

// CheckinResult is returned by the check-in handler
type CheckinResult struct {
	Action              string `json:"action"`
	NotificationsQueued int    `json:"notificationsQueued"`
}

// CheckinHandler turns check-in events into notifications
type CheckinHandler struct {
	store    CheckinStore
	enqueuer Enqueuer
	now      func() time.Time
	logger   *zap.Logger
}

// NewCheckinHandler creates the check-in handler
func NewCheckinHandler(s CheckinStore, enqueuer Enqueuer, logger *zap.Logger) *CheckinHandler {
	return &CheckinHandler{
		store:    s,
		enqueuer: enqueuer,
		now:      time.Now,
		logger:   logger.With(zap.String("queue", jobs.KindProcessCheckin.String())),
	}
}

// Handle dispatches on the check-in action
func (h *CheckinHandler) Handle(ctx context.Context, job *jobs.Job, p jobs.ProcessCheckin) (CheckinResult, error) {
	var (
		queued int
		err    error
	)
	switch p.Action {
	case jobs.CheckinActionReminder:
		queued, err = h.remind(ctx, job, p.OrganizationID)
	case jobs.CheckinActionSubmitted:
		queued, err = h.submitted(ctx, p.CheckinID)
	default:
		err = fmt.Errorf("unknown check-in action %q", p.Action)
	}
	if err != nil {
		return CheckinResult{}, err
	}

	h.logger.Info("Check-in processed",
		zap.String("job_id", job.ID),
		zap.String("organization_id", p.OrganizationID),
		zap.String("action", p.Action),
		zap.Int("notifications_queued", queued),
	)
	return CheckinResult{Action: p.Action, NotificationsQueued: queued}, nil
}

// remind queues one reminder per pending check-in. Notification ids are
// fixed per check-in and day so a retried job does not remind twice.
func (h *CheckinHandler) remind(ctx context.Context, job *jobs.Job, orgID string) (int, error) {
	pending, err := h.store.PendingCheckins(ctx, orgID)
	if err != nil {
		return 0, fmt.Errorf("failed to load pending check-ins: %w", err)
	}

	day := h.now().UTC().Format(time.DateOnly)
	var (
		queued int
		errs   []error
	)
	for i, c := range pending {
		id := "checkin-reminder:" + c.ID + ":" + day
		err := h.notify(ctx, id, jobs.SendNotification{
			NotificationID: id,
			OrganizationID: orgID,
			UserID:         c.UserID,
			Channel:        ChannelInApp,
			Title:          "Check-in reminder",
			Message:        "Your weekly check-in is due " + c.DueAt.UTC().Format(time.DateOnly),
			Data:           map[string]any{"checkinId": c.ID},
		})
		if err != nil {
			errs = append(errs, err)
		} else {
			queued++
		}
		progress(ctx, job, h.logger, percentOf(i+1, len(pending)))
	}
	return queued, errors.Join(errs...)
}

// submitted tells the owner's manager about a submitted check-in
func (h *CheckinHandler) submitted(ctx context.Context, checkinID string) (int, error) {
	c, err := h.store.FindCheckin(ctx, checkinID)
	if err != nil {
		return 0, err
	}
	if c == nil {
		return 0, fmt.Errorf("check-in %s not found", checkinID)
	}
	owner, err := h.store.FindUser(ctx, c.UserID)
	if err != nil {
		return 0, err
	}
	if owner == nil || owner.ManagerID == nil {
		h.logger.Debug("Check-in owner has no manager", zap.String("checkin_id", c.ID))
		return 0, nil
	}

	id := "checkin-submitted:" + c.ID
	err = h.notify(ctx, id, jobs.SendNotification{
		NotificationID: id,
		OrganizationID: c.OrganizationID,
		UserID:         *owner.ManagerID,
		Channel:        ChannelInApp,
		Title:          "Check-in submitted",
		Message:        owner.DisplayName + " submitted their check-in",
		Data:           map[string]any{"checkinId": c.ID, "userId": owner.ID},
	})
	if err != nil {
		return 0, err
	}
	return 1, nil
}

func (h *CheckinHandler) notify(ctx context.Context, id string, n jobs.SendNotification) error {
	_, err := h.enqueuer.ScheduleOneTimeJob(ctx, jobs.KindSendNotification, n, 0, jobs.WithJobID(id))
	return err
}
