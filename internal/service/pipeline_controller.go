package service

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/pesio-ai/be-lo-verification/internal/client"
	"github.com/pesio-ai/be-lo-verification/internal/errors"
	"github.com/pesio-ai/be-lo-verification/internal/logger"
	"github.com/pesio-ai/be-lo-verification/internal/metrics"
	"github.com/pesio-ai/be-lo-verification/internal/repository"
	"github.com/pesio-ai/be-lo-verification/internal/validation"
	"github.com/pesio-ai/be-lo-verification/internal/workflow"
)

// PipelineOptions configures the controller.
type PipelineOptions struct {
	// EnforceMonotonicAmounts caps the scored amount at the latest amount
	// finalized by an earlier role.
	EnforceMonotonicAmounts bool
}

// PipelineController orchestrates one reviewer's load, save and submit calls.
type PipelineController struct {
	applications ApplicationStore
	records      VerificationStore
	drafts       *DraftManager
	trail        *AuditTrailBuilder
	events       EventPublisher
	log          *logger.Logger
	metrics      *metrics.Metrics
	opts         PipelineOptions
}

// NewPipelineController creates a new pipeline controller. events may be nil.
func NewPipelineController(
	applications ApplicationStore,
	records VerificationStore,
	drafts *DraftManager,
	trail *AuditTrailBuilder,
	events EventPublisher,
	log *logger.Logger,
	m *metrics.Metrics,
	opts PipelineOptions,
) *PipelineController {
	return &PipelineController{
		applications: applications,
		records:      records,
		drafts:       drafts,
		trail:        trail,
		events:       events,
		log:          log,
		metrics:      m,
		opts:         opts,
	}
}

// ReviewContext is everything a reviewer's form needs.
type ReviewContext struct {
	Application *repository.Application
	// Draft is the saved draft merged over defaults.
	Draft         *repository.ReviewDraft
	HasSavedDraft bool
	// ReadOnly is set when the caller's role does not own the current stage.
	ReadOnly bool
	Bounds   validation.Bounds
	// References holds the latest finalized review of each earlier role.
	References map[workflow.Role]*repository.VerificationRecord
}

// LoadForReview loads the application, repairs a stale status, and merges
// the caller's draft with defaults.
func (c *PipelineController) LoadForReview(ctx context.Context, applicationID string, session Session) (*ReviewContext, error) {
	if err := session.Validate(); err != nil {
		return nil, err
	}

	app, err := c.applications.GetByID(ctx, applicationID, session.TenantID)
	if err != nil {
		return nil, err
	}
	if app, err = c.repairStatus(ctx, app); err != nil {
		return nil, err
	}

	refs, err := c.loadReferences(ctx, app.ID, session.Role)
	if err != nil {
		return nil, err
	}
	bounds := c.boundsFor(app, session.Role, refs)

	draft, found, err := c.drafts.Load(ctx, app, session.Role, bounds.Max())
	if err != nil {
		return nil, err
	}

	return &ReviewContext{
		Application:   app,
		Draft:         draft,
		HasSavedDraft: found,
		ReadOnly:      repository.CheckWritable(app.Status, session.Role) != nil,
		Bounds:        bounds,
		References:    refs,
	}, nil
}

// SaveDraft stores the caller's in-progress review. Saving the same draft
// twice leaves the same stored state.
func (c *PipelineController) SaveDraft(ctx context.Context, applicationID string, session Session, draft *repository.ReviewDraft) (*repository.ReviewDraft, error) {
	if err := session.Validate(); err != nil {
		return nil, err
	}
	if draft == nil {
		return nil, errors.InvalidInput("draft", "draft is required")
	}

	work := c.ownDraft(applicationID, session, draft)
	if work.Step == 0 {
		work.Step = validation.StepCustomer
	}
	if work.Step < validation.StepCustomer || work.Step > validation.StepCount {
		return nil, errors.InvalidInput("step", fmt.Sprintf("step must be between 1 and %d", validation.StepCount))
	}

	if err := c.drafts.Save(ctx, session.TenantID, work); err != nil {
		c.countConflict("save_draft", err)
		return nil, err
	}

	c.log.Debug().
		Str("application_id", applicationID).
		Str("role", string(session.Role)).
		Int("step", work.Step).
		Msg("Review draft saved")
	return work, nil
}

// DiscardDraft deletes the caller's draft.
func (c *PipelineController) DiscardDraft(ctx context.Context, applicationID string, session Session) error {
	if err := session.Validate(); err != nil {
		return err
	}
	if _, err := c.applications.GetByID(ctx, applicationID, session.TenantID); err != nil {
		return err
	}
	return c.drafts.Discard(ctx, applicationID, session.Role)
}

// ValidateStep checks one step of draft against the application's bounds.
// Nothing is persisted.
func (c *PipelineController) ValidateStep(ctx context.Context, applicationID string, session Session, step int, draft *repository.ReviewDraft) ([]validation.FieldError, error) {
	if err := session.Validate(); err != nil {
		return nil, err
	}
	if draft == nil {
		return nil, errors.InvalidInput("draft", "draft is required")
	}

	app, err := c.applications.GetByID(ctx, applicationID, session.TenantID)
	if err != nil {
		return nil, err
	}
	bounds, err := c.submitBounds(ctx, app, session.Role)
	if err != nil {
		return nil, err
	}

	work := c.ownDraft(app.ID, session, draft)
	padGuarantors(work, app.GuarantorCount)
	return validation.ValidateStep(step, work, bounds), nil
}

// ListQueue returns the tenant's applications waiting on the caller's role.
func (c *PipelineController) ListQueue(ctx context.Context, session Session, branchID *string) ([]*repository.Application, error) {
	if err := session.Validate(); err != nil {
		return nil, err
	}
	apps, err := c.applications.ListByStatuses(ctx, session.TenantID, workflow.StatusesOwnedBy(session.Role), branchID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list review queue")
	}
	return apps, nil
}

// BuildTrail returns the application's audit trail.
func (c *PipelineController) BuildTrail(ctx context.Context, applicationID string, session Session) ([]AuditEntry, error) {
	if err := session.Validate(); err != nil {
		return nil, err
	}
	return c.trail.BuildTrail(ctx, applicationID, session.TenantID)
}

// Submit validates every step, finalizes the review and advances the
// application in one store transaction. It is never retried: a store failure
// leaves the draft in place for the reviewer to submit again.
func (c *PipelineController) Submit(ctx context.Context, applicationID string, session Session, draft *repository.ReviewDraft) (*repository.VerificationRecord, error) {
	if err := session.Validate(); err != nil {
		return nil, err
	}
	if draft == nil {
		return nil, errors.InvalidInput("draft", "draft is required")
	}

	app, err := c.applications.GetByID(ctx, applicationID, session.TenantID)
	if err != nil {
		return nil, err
	}
	if err := repository.CheckWritable(app.Status, session.Role); err != nil {
		c.countConflict("submit", err)
		return nil, err
	}

	bounds, err := c.submitBounds(ctx, app, session.Role)
	if err != nil {
		return nil, err
	}

	work := c.ownDraft(app.ID, session, draft)
	padGuarantors(work, app.GuarantorCount)
	if err := validation.AsError(validation.ValidateThrough(validation.StepDecision, work, bounds)); err != nil {
		return nil, err
	}

	next, err := workflow.NextStatus(session.Role, work.FinalDecision)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to compute next status")
	}

	rec := &repository.VerificationRecord{
		ID:                     uuid.NewString(),
		ApplicationID:          app.ID,
		TenantID:               app.TenantID,
		Role:                   session.Role,
		ReviewFields:           work.ReviewFields.Clone(),
		GuarantorIDVerified:    work.ReviewFields.GuarantorIDVerified(),
		GuarantorPhoneVerified: work.ReviewFields.GuarantorPhoneVerified(),
		GuarantorComment:       work.ReviewFields.GuarantorComment(),
		StatusBefore:           app.Status,
		StatusAfter:            next,
		VerifiedBy:             session.UserID,
		VerifiedByName:         session.actorName(),
	}

	err = c.records.Finalize(ctx, repository.FinalizeRequest{
		Record:         rec,
		ExpectedStatus: app.Status,
		NextStatus:     next,
	})
	if err != nil {
		c.countConflict("submit", err)
		c.log.Warn().Err(err).
			Str("application_id", app.ID).
			Str("role", string(session.Role)).
			Msg("Failed to finalize review")
		return nil, err
	}

	c.metrics.Submissions.WithLabelValues(string(session.Role), string(work.FinalDecision)).Inc()
	c.metrics.Transitions.WithLabelValues(string(app.Status), string(next)).Inc()

	c.log.Info().
		Str("application_id", app.ID).
		Str("tenant_id", app.TenantID).
		Str("role", string(session.Role)).
		Str("decision", string(work.FinalDecision)).
		Str("from", string(app.Status)).
		Str("to", string(next)).
		Int("visit", rec.VisitNumber).
		Msg("Review finalized")

	c.publish(ctx, app, rec)
	return rec, nil
}

// ── helpers ───────────────────────────────────────────────────────────────────

// ownDraft copies draft and stamps it with the caller's identity so clients
// cannot write into another role's namespace.
func (c *PipelineController) ownDraft(applicationID string, session Session, draft *repository.ReviewDraft) *repository.ReviewDraft {
	work := *draft
	work.ReviewFields = draft.ReviewFields.Clone()
	work.ApplicationID = applicationID
	work.Role = session.Role
	work.UpdatedBy = session.UserID
	return &work
}

func padGuarantors(draft *repository.ReviewDraft, count int) {
	for len(draft.Guarantors) < count {
		draft.Guarantors = append(draft.Guarantors, repository.GuarantorReview{})
	}
}

// loadReferences returns the latest finalized review of each role before role.
func (c *PipelineController) loadReferences(ctx context.Context, applicationID string, role workflow.Role) (map[workflow.Role]*repository.VerificationRecord, error) {
	refs := make(map[workflow.Role]*repository.VerificationRecord)
	for _, earlier := range role.Earlier() {
		rec, found, err := c.records.LatestFinalizedByRole(ctx, applicationID, earlier)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to load reference review")
		}
		if found {
			refs[earlier] = rec
		}
	}
	return refs, nil
}

func (c *PipelineController) submitBounds(ctx context.Context, app *repository.Application, role workflow.Role) (validation.Bounds, error) {
	if !c.opts.EnforceMonotonicAmounts {
		return validation.Bounds{Prequalified: app.PrequalifiedAmount}, nil
	}
	refs, err := c.loadReferences(ctx, app.ID, role)
	if err != nil {
		return validation.Bounds{}, err
	}
	return c.boundsFor(app, role, refs), nil
}

// boundsFor caps the amount at the prequalified amount and, when monotonic
// amounts are enforced, at the most recent amount an earlier role finalized.
func (c *PipelineController) boundsFor(app *repository.Application, role workflow.Role, refs map[workflow.Role]*repository.VerificationRecord) validation.Bounds {
	bounds := validation.Bounds{Prequalified: app.PrequalifiedAmount}
	if !c.opts.EnforceMonotonicAmounts {
		return bounds
	}

	var latest *repository.VerificationRecord
	for _, earlier := range role.Earlier() {
		rec := refs[earlier]
		if rec != nil && (latest == nil || rec.VerifiedAt.After(latest.VerifiedAt)) {
			latest = rec
		}
	}
	if latest != nil {
		bounds.Ceiling = latest.LoanScoredAmount
	}
	return bounds
}

// repairStatus recomputes the application's status from its latest finalized
// review when a finalize landed without the status update.
func (c *PipelineController) repairStatus(ctx context.Context, app *repository.Application) (*repository.Application, error) {
	records, err := c.records.ListFinalized(ctx, app.ID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list finalized reviews")
	}
	if len(records) == 0 {
		return app, nil
	}

	latest := records[len(records)-1]
	if !latest.VerifiedAt.After(app.UpdatedAt) || latest.StatusAfter == app.Status {
		return app, nil
	}

	want, err := workflow.NextStatus(latest.Role, latest.FinalDecision)
	if err != nil {
		c.log.Error().Err(err).Str("application_id", app.ID).Msg("Cannot repair status from latest review")
		return app, nil
	}

	swapped, err := c.applications.CompareAndSetStatus(ctx, app.ID, app.TenantID, app.Status, want)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to repair application status")
	}
	if swapped {
		c.log.Warn().
			Str("application_id", app.ID).
			Str("from", string(app.Status)).
			Str("to", string(want)).
			Str("record_id", latest.ID).
			Msg("Repaired stale application status")
		c.metrics.Transitions.WithLabelValues(string(app.Status), string(want)).Inc()
	}

	// Someone else may have moved it; reload either way.
	return c.applications.GetByID(ctx, app.ID, app.TenantID)
}

func (c *PipelineController) countConflict(operation string, err error) {
	if errors.CodeOf(err) == errors.ErrCodeConflict {
		c.metrics.Conflicts.WithLabelValues(operation).Inc()
	}
}

func (c *PipelineController) publish(ctx context.Context, app *repository.Application, rec *repository.VerificationRecord) {
	if c.events == nil {
		return
	}
	c.events.PublishReviewEvent(ctx, &client.ReviewEvent{
		EventType:        eventTypeFor(rec.StatusAfter),
		ApplicationID:    app.ID,
		TenantID:         app.TenantID,
		BranchID:         app.BranchID,
		RecordID:         rec.ID,
		ActorID:          rec.VerifiedBy,
		Role:             string(rec.Role),
		Decision:         string(rec.FinalDecision),
		VisitNumber:      rec.VisitNumber,
		StatusBefore:     string(rec.StatusBefore),
		StatusAfter:      string(rec.StatusAfter),
		LoanScoredAmount: rec.LoanScoredAmount.StringFixed(2),
		OccurredAt:       rec.VerifiedAt,
	})
}

func eventTypeFor(next workflow.Status) string {
	switch {
	case next == workflow.StatusApproved:
		return client.EventApplicationApproved
	case next == workflow.StatusRejected:
		return client.EventApplicationRejected
	case next.SentBack():
		return client.EventApplicationSentBack
	}
	return client.EventApplicationAdvanced
}
