package service

import (
	"context"
	"strings"

	"github.com/pesio-ai/be-lo-verification/internal/client"
	"github.com/pesio-ai/be-lo-verification/internal/errors"
	"github.com/pesio-ai/be-lo-verification/internal/repository"
	"github.com/pesio-ai/be-lo-verification/internal/workflow"
)

// ApplicationStore reads applications and repairs their status.
// Implemented by repository.ApplicationRepository and memory.Store.
type ApplicationStore interface {
	GetByID(ctx context.Context, id, tenantID string) (*repository.Application, error)
	ListByStatuses(ctx context.Context, tenantID string, statuses []workflow.Status, branchID *string) ([]*repository.Application, error)
	CompareAndSetStatus(ctx context.Context, id, tenantID string, from, to workflow.Status) (bool, error)
}

// VerificationStore persists drafts and finalized reviews.
// Implemented by repository.VerificationRepository and memory.Store.
type VerificationStore interface {
	GetDraft(ctx context.Context, applicationID string, role workflow.Role) (*repository.ReviewDraft, bool, error)
	UpsertDraft(ctx context.Context, tenantID string, draft *repository.ReviewDraft) error
	DeleteDraft(ctx context.Context, applicationID string, role workflow.Role) error
	Finalize(ctx context.Context, req repository.FinalizeRequest) error
	LatestFinalizedByRole(ctx context.Context, applicationID string, role workflow.Role) (*repository.VerificationRecord, bool, error)
	ListFinalized(ctx context.Context, applicationID string) ([]*repository.VerificationRecord, error)
}

// EventPublisher announces finalized reviews. Implementations must not block
// or fail the caller.
type EventPublisher interface {
	PublishReviewEvent(ctx context.Context, ev *client.ReviewEvent)
}

// Session identifies the reviewer making a call. It is supplied by the auth
// gateway and passed explicitly into every operation.
type Session struct {
	UserID      string
	Role        workflow.Role
	TenantID    string
	DisplayName string
}

// Validate rejects sessions the gateway should never have produced.
func (s Session) Validate() error {
	if strings.TrimSpace(s.UserID) == "" || strings.TrimSpace(s.TenantID) == "" {
		return errors.New(errors.ErrCodeUnauthorized, "session is missing user or tenant")
	}
	if !s.Role.Valid() {
		return errors.New(errors.ErrCodeUnauthorized, "session role is not a reviewer role")
	}
	return nil
}

// actorName is what the audit trail shows for this reviewer.
func (s Session) actorName() string {
	if s.DisplayName != "" {
		return s.DisplayName
	}
	return s.UserID
}
