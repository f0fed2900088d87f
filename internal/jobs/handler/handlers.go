package handler

import (
	"time"

	"go.uber.org/zap"

	"github.com/jrjohn/engage-cloud-go/internal/cache"
	"github.com/jrjohn/engage-cloud-go/internal/domain/store"
	"github.com/jrjohn/engage-cloud-go/internal/integration"
	"github.com/jrjohn/engage-cloud-go/internal/jobs/maintenance"
)

// Deps are the collaborators of the job handlers
type Deps struct {
	Store       *store.Store
	Mailer      integration.Mailer
	Notifier    integration.Notifier
	Directory   integration.Directory
	Idempotency *cache.Idempotency
	Metrics     *cache.Cache
	MetricsTTL  time.Duration
	Enqueuer    Enqueuer
	Cleaner     *maintenance.Cleaner
	Templates   *Templates
	MailFrom    string
	Logger      *zap.Logger
}

// NewDefaultRegistry registers a handler for every kind
func NewDefaultRegistry(d Deps) *Registry {
	templates := d.Templates
	if templates == nil {
		templates = DefaultTemplates()
	}

	r := NewRegistry(d.Logger)
	Register(r, NewEmailHandler(d.Mailer, templates, d.Idempotency, d.MailFrom, d.Logger).Handle)
	Register(r, NewSyncHandler(d.Store, d.Directory, d.Logger).Handle)
	Register(r, NewReportHandler(d.Store, d.Metrics, d.MetricsTTL, d.Enqueuer, d.Logger).Handle)
	Register(r, NewCleanupHandler(d.Cleaner, d.Logger).Handle)
	Register(r, NewNotificationHandler(d.Notifier, d.Idempotency, d.Logger).Handle)
	Register(r, NewCheckinHandler(d.Store, d.Enqueuer, d.Logger).Handle)
	Register(r, NewMetricsHandler(d.Store, d.Metrics, d.MetricsTTL, d.Logger).Handle)
	return r
}
