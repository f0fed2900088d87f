package handler

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jrjohn/engage-cloud-go/internal/jobs"
)

func TestNotificationHandler_DeliversOnce(t *testing.T) {
	env := newTestEnv(t)
	notifier := &fakeNotifier{}
	h := NewNotificationHandler(notifier, env.idem, env.logger)
	ctx := context.Background()

	p := jobs.SendNotification{
		NotificationID: "n-1",
		OrganizationID: "org1",
		UserID:         "ada",
		Channel:        ChannelInApp,
		Title:          "Hello",
		Message:        "Hi",
	}
	first, err := h.Handle(ctx, newJob(t, "job-1", p), p)
	require.NoError(t, err)
	assert.Equal(t, NotificationResult{DeliveryID: "delivery-n-1"}, first)

	// a second job for the same notification is a duplicate
	second, err := h.Handle(ctx, newJob(t, "job-2", p), p)
	require.NoError(t, err)
	assert.Equal(t, NotificationResult{DeliveryID: "delivery-n-1", Duplicate: true}, second)

	require.Len(t, notifier.notes, 1)
	assert.Equal(t, "n-1", notifier.notes[0].ID)
	assert.Equal(t, ChannelInApp, notifier.notes[0].Channel)
}

func TestNotificationHandler_FallsBackToJobID(t *testing.T) {
	env := newTestEnv(t)
	notifier := &fakeNotifier{}
	h := NewNotificationHandler(notifier, env.idem, env.logger)

	p := jobs.SendNotification{UserID: "ada", Channel: ChannelInApp}
	res, err := h.Handle(context.Background(), newJob(t, "job-7", p), p)
	require.NoError(t, err)
	assert.Equal(t, "delivery-job-7", res.DeliveryID)
}

func TestNotificationHandler_ProviderFailure(t *testing.T) {
	env := newTestEnv(t)
	notifier := &fakeNotifier{err: errProvider}
	h := NewNotificationHandler(notifier, env.idem, env.logger)
	ctx := context.Background()

	p := jobs.SendNotification{NotificationID: "n-1", UserID: "ada"}
	_, err := h.Handle(ctx, newJob(t, "job-1", p), p)
	require.ErrorIs(t, err, errProvider)

	notifier.err = nil
	res, err := h.Handle(ctx, newJob(t, "job-1", p), p)
	require.NoError(t, err)
	assert.False(t, res.Duplicate)
	assert.Len(t, notifier.notes, 1)
}
