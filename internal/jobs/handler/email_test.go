package handler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jrjohn/engage-cloud-go/internal/jobs"
)

func TestTemplates_Render(t *testing.T) {
	tpl := DefaultTemplates()

	subject, body, err := tpl.Render(TemplateWelcome, "", map[string]any{"name": "Ada", "organization": "Acme"})
	require.NoError(t, err)
	assert.Equal(t, "Welcome to Acme", subject)
	assert.Contains(t, body, "Hi Ada,")

	subject, _, err = tpl.Render(TemplateWelcome, "Custom subject", nil)
	require.NoError(t, err)
	assert.Equal(t, "Custom subject", subject)

	_, _, err = tpl.Render("missing", "", nil)
	assert.ErrorIs(t, err, ErrUnknownTemplate)

	assert.Error(t, NewTemplates().Add("broken", "{{.x", "body"))
}

func TestEmailHandler_Send(t *testing.T) {
	env := newTestEnv(t)
	mailer := &fakeMailer{}
	h := NewEmailHandler(mailer, DefaultTemplates(), env.idem, "noreply@engage.test", env.logger)
	h.now = func() time.Time { return testNow }

	job := newJob(t, "email-1", jobs.SendEmail{
		To:       "ada@example.com",
		Template: TemplateWelcome,
		Data:     map[string]any{"name": "Ada", "organization": "Acme"},
	})
	res, err := h.Handle(context.Background(), job, jobs.SendEmail{
		To:       "ada@example.com",
		Template: TemplateWelcome,
		Data:     map[string]any{"name": "Ada", "organization": "Acme"},
	})
	require.NoError(t, err)

	assert.Equal(t, "msg-ada@example.com", res.MessageID)
	assert.Equal(t, testNow, res.SentAt)
	assert.False(t, res.Duplicate)
	assert.Equal(t, 90, progressOf(t, job))

	require.Equal(t, 1, mailer.count())
	assert.Equal(t, "noreply@engage.test", mailer.sent[0].From)
	assert.Equal(t, "Welcome to Acme", mailer.sent[0].Subject)
}

func TestEmailHandler_RetryDoesNotResend(t *testing.T) {
	env := newTestEnv(t)
	mailer := &fakeMailer{}
	h := NewEmailHandler(mailer, DefaultTemplates(), env.idem, "noreply@engage.test", env.logger)
	p := jobs.SendEmail{To: "ada@example.com", Template: TemplateCheckinReminder}
	job := newJob(t, "email-1", p)

	first, err := h.Handle(context.Background(), job, p)
	require.NoError(t, err)

	second, err := h.Handle(context.Background(), job, p)
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.Equal(t, first.MessageID, second.MessageID)
	assert.Equal(t, 1, mailer.count())
}

func TestEmailHandler_ProviderFailureReleasesClaim(t *testing.T) {
	env := newTestEnv(t)
	mailer := &fakeMailer{err: errProvider}
	h := NewEmailHandler(mailer, DefaultTemplates(), env.idem, "noreply@engage.test", env.logger)
	p := jobs.SendEmail{To: "ada@example.com", Template: TemplateCheckinReminder}
	job := newJob(t, "email-1", p)

	_, err := h.Handle(context.Background(), job, p)
	require.ErrorIs(t, err, errProvider)

	done, _, err := env.idem.Check(context.Background(), "email:"+job.ID)
	require.NoError(t, err)
	assert.False(t, done)

	mailer.err = nil
	res, err := h.Handle(context.Background(), job, p)
	require.NoError(t, err)
	assert.False(t, res.Duplicate)
	assert.Equal(t, 1, mailer.count())
}

func TestEmailHandler_UnknownTemplate(t *testing.T) {
	env := newTestEnv(t)
	mailer := &fakeMailer{}
	h := NewEmailHandler(mailer, DefaultTemplates(), env.idem, "", env.logger)
	p := jobs.SendEmail{To: "ada@example.com", Template: "nope"}

	_, err := h.Handle(context.Background(), newJob(t, "email-1", p), p)
	assert.ErrorIs(t, err, ErrUnknownTemplate)
	assert.Zero(t, mailer.count())

	// the claim was released so a fixed template can be retried
	_, err = env.idem.Claim(context.Background(), "email:email-1")
	assert.NoError(t, err)
}
