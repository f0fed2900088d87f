package handler

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/jrjohn/engage-cloud-go/internal/domain/entity"
	"github.com/jrjohn/engage-cloud-go/internal/domain/store"
	"github.com/jrjohn/engage-cloud-go/internal/integration"
	"github.com/jrjohn/engage-cloud-go/internal/jobs"
)

// MemberStore is the data access the workspace sync needs
type MemberStore interface {
	FindIntegration(ctx context.Context, orgID, provider string) (*entity.WorkspaceIntegration, error)
	UpsertMember(ctx context.Context, orgID string, m store.Member) (bool, error)
	MarkIntegrationSynced(ctx context.Context, id string, at time.Time) error
}

// SyncResult is returned by the workspace sync handler
type SyncResult struct {
	Total   int  `json:"total"`
	Created int  `json:"created"`
	Updated int  `json:"updated"`
	Failed  int  `json:"failed"`
	Skipped bool `json:"skipped,omitempty"`
}

// SyncHandler imports workspace directories into the user store
type SyncHandler struct {
	store     MemberStore
	directory integration.Directory
	now       func() time.Time
	logger    *zap.Logger
}

// NewSyncHandler creates the workspace sync handler
func NewSyncHandler(s MemberStore, dir integration.Directory, logger *zap.Logger) *SyncHandler {
	return &SyncHandler{
		store:     s,
		directory: dir,
		now:       time.Now,
		logger:    logger.With(zap.String("queue", jobs.KindSyncExternalWorkspace.String())),
	}
}

// Handle upserts every remote member. Members that fail are counted and
// logged; the others are kept.
func (h *SyncHandler) Handle(ctx context.Context, job *jobs.Job, p jobs.SyncExternalWorkspace) (SyncResult, error) {
	in, err := h.store.FindIntegration(ctx, p.OrganizationID, p.Provider)
	if err != nil {
		return SyncResult{}, err
	}
	if in == nil || !in.IsActive {
		h.logger.Warn("Workspace integration inactive, skipping sync",
			zap.String("job_id", job.ID),
			zap.String("organization_id", p.OrganizationID),
			zap.String("provider", p.Provider),
		)
		return SyncResult{Skipped: true}, nil
	}

	members, err := h.directory.ListMembers(ctx, p.OrganizationID, p.Provider)
	if err != nil {
		return SyncResult{}, fmt.Errorf("failed to list %s members: %w", p.Provider, err)
	}

	res := SyncResult{Total: len(members)}
	for i, m := range members {
		created, err := h.store.UpsertMember(ctx, p.OrganizationID, store.Member{
			ExternalID:  m.ExternalID,
			Email:       m.Email,
			DisplayName: m.DisplayName,
			Title:       m.Title,
			IsActive:    m.Active,
		})
		switch {
		case err != nil:
			res.Failed++
			h.logger.Warn("Failed to sync member",
				zap.String("job_id", job.ID),
				zap.String("external_id", m.ExternalID),
				zap.Error(err),
			)
		case created:
			res.Created++
		default:
			res.Updated++
		}
		progress(ctx, job, h.logger, percentOf(i+1, len(members)))
	}

	if err := h.store.MarkIntegrationSynced(ctx, in.ID, h.now().UTC()); err != nil {
		h.logger.Warn("Failed to mark integration synced", zap.String("integration_id", in.ID), zap.Error(err))
	}

	h.logger.Info("Workspace synced",
		zap.String("job_id", job.ID),
		zap.String("organization_id", p.OrganizationID),
		zap.String("provider", p.Provider),
		zap.Int("total", res.Total),
		zap.Int("created", res.Created),
		zap.Int("updated", res.Updated),
		zap.Int("failed", res.Failed),
	)
	return res, nil
}
