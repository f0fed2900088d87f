package handler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"text/template"
	"time"

	"go.uber.org/zap"

	"github.com/jrjohn/engage-cloud-go/internal/cache"
	"github.com/jrjohn/engage-cloud-go/internal/integration"
	"github.com/jrjohn/engage-cloud-go/internal/jobs"
)

// Template names used by the job handlers
const (
	TemplateWelcome         = "welcome"
	TemplateCheckinReminder = "checkin-reminder"
	TemplateReport          = "engagement-report"
)

var ErrUnknownTemplate = errors.New("unknown email template")

type emailTemplate struct {
	subject *template.Template
	body    *template.Template
}

// Templates renders named email templates
type Templates struct {
	set map[string]emailTemplate
}

// NewTemplates creates an empty template set
func NewTemplates() *Templates {
	return &Templates{set: make(map[string]emailTemplate)}
}

// Add parses and stores a template pair under name
func (t *Templates) Add(name, subject, body string) error {
	s, err := template.New(name + ".subject").Option("missingkey=zero").Parse(subject)
	if err != nil {
		return fmt.Errorf("failed to parse subject of %s: %w", name, err)
	}
	b, err := template.New(name + ".body").Option("missingkey=zero").Parse(body)
	if err != nil {
		return fmt.Errorf("failed to parse body of %s: %w", name, err)
	}
	t.set[name] = emailTemplate{subject: s, body: b}
	return nil
}

// Render executes the named template. A non-empty subject overrides the
// template's own.
func (t *Templates) Render(name, subject string, data map[string]any) (string, string, error) {
	tpl, ok := t.set[name]
	if !ok {
		return "", "", fmt.Errorf("%w: %s", ErrUnknownTemplate, name)
	}
	var buf bytes.Buffer
	if subject == "" {
		if err := tpl.subject.Execute(&buf, data); err != nil {
			return "", "", fmt.Errorf("failed to render subject of %s: %w", name, err)
		}
		subject = buf.String()
		buf.Reset()
	}
	if err := tpl.body.Execute(&buf, data); err != nil {
		return "", "", fmt.Errorf("failed to render body of %s: %w", name, err)
	}
	return subject, buf.String(), nil
}

// DefaultTemplates returns the built-in templates
func DefaultTemplates() *Templates {
	t := NewTemplates()
	must := func(err error) {
		if err != nil {
			panic(err)
		}
	}
	must(t.Add(TemplateWelcome,
		"Welcome to {{.organization}}",
		"Hi {{.name}},\n\nYour account at {{.organization}} is ready.\n"))
	must(t.Add(TemplateCheckinReminder,
		"Your weekly check-in is due",
		"Hi {{.name}},\n\nPlease take a minute to submit your check-in before {{.dueAt}}.\n"))
	must(t.Add(TemplateReport,
		"{{.organization}} engagement report ({{.period}})",
		"Engagement report for {{.organization}}, {{.start}} to {{.end}}\n\n"+
			"Check-ins: {{.checkins}} ({{.checkinsSubmitted}} submitted)\n"+
			"Kudos: {{.kudos}}\n"+
			"Active users: {{.activeUsers}}\n"+
			"Average survey score: {{.averageSurveyScore}}\n\n"+
			"{{.csv}}"))
	return t
}

// EmailResult is returned by the email handler
type EmailResult struct {
	MessageID string    `json:"messageId"`
	SentAt    time.Time `json:"sentAt"`
	Duplicate bool      `json:"duplicate,omitempty"`
}

// EmailHandler renders and sends email jobs
type EmailHandler struct {
	mailer      integration.Mailer
	templates   *Templates
	idempotency *cache.Idempotency
	from        string
	now         func() time.Time
	logger      *zap.Logger
}

// NewEmailHandler creates the email handler
func NewEmailHandler(mailer integration.Mailer, templates *Templates, idem *cache.Idempotency, from string, logger *zap.Logger) *EmailHandler {
	return &EmailHandler{
		mailer:      mailer,
		templates:   templates,
		idempotency: idem,
		from:        from,
		now:         time.Now,
		logger:      logger.With(zap.String("queue", jobs.KindSendEmail.String())),
	}
}

// Handle sends one email. A job that already sent its email returns the
// recorded message id without sending again.
func (h *EmailHandler) Handle(ctx context.Context, job *jobs.Job, p jobs.SendEmail) (EmailResult, error) {
	claim, err := h.idempotency.Claim(ctx, "email:"+job.ID)
	switch {
	case errors.Is(err, cache.ErrAlreadyProcessed):
		_, messageID, err := h.idempotency.Check(ctx, "email:"+job.ID)
		if err != nil {
			return EmailResult{}, err
		}
		h.logger.Info("Email already sent", zap.String("job_id", job.ID), zap.String("message_id", messageID))
		return EmailResult{MessageID: messageID, Duplicate: true}, nil
	case err != nil:
		return EmailResult{}, err
	}

	subject, body, err := h.templates.Render(p.Template, p.Subject, p.Data)
	if err != nil {
		h.release(ctx, claim)
		return EmailResult{}, err
	}
	progress(ctx, job, h.logger, 30)

	messageID, err := h.mailer.Send(ctx, integration.Message{
		From:    h.from,
		To:      p.To,
		Subject: subject,
		Body:    body,
	})
	if err != nil {
		h.release(ctx, claim)
		return EmailResult{}, fmt.Errorf("failed to send email: %w", err)
	}
	progress(ctx, job, h.logger, 90)

	if err := claim.Complete(ctx, messageID); err != nil {
		h.logger.Warn("Failed to record sent email", zap.String("job_id", job.ID), zap.Error(err))
	}

	h.logger.Info("Email sent",
		zap.String("job_id", job.ID),
		zap.String("template", p.Template),
		zap.String("message_id", messageID),
	)
	return EmailResult{MessageID: messageID, SentAt: h.now().UTC()}, nil
}

func (h *EmailHandler) release(ctx context.Context, claim *cache.Claim) {
	if err := claim.Release(ctx); err != nil {
		h.logger.Warn("Failed to release idempotency claim", zap.Error(err))
	}
}
