package service

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/shopspring/decimal"

	"github.com/pesio-ai/be-lo-verification/internal/errors"
	"github.com/pesio-ai/be-lo-verification/internal/logger"
	"github.com/pesio-ai/be-lo-verification/internal/metrics"
	"github.com/pesio-ai/be-lo-verification/internal/repository"
	"github.com/pesio-ai/be-lo-verification/internal/validation"
	"github.com/pesio-ai/be-lo-verification/internal/workflow"
)

// DraftOptions tunes SaveDraft retries.
type DraftOptions struct {
	MaxTries       uint
	InitialBackoff time.Duration
}

// DraftManager loads and saves in-progress reviews. Drafts are keyed by
// (application, role); saves are last-write-wins.
type DraftManager struct {
	store   VerificationStore
	log     *logger.Logger
	metrics *metrics.Metrics
	opts    DraftOptions
}

// NewDraftManager creates a new draft manager
func NewDraftManager(store VerificationStore, log *logger.Logger, m *metrics.Metrics, opts DraftOptions) *DraftManager {
	if opts.MaxTries == 0 {
		opts.MaxTries = 3
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = 100 * time.Millisecond
	}
	return &DraftManager{store: store, log: log, metrics: m, opts: opts}
}

// Load returns role's draft for app merged over the defaults. found reports
// whether a saved draft existed.
func (m *DraftManager) Load(ctx context.Context, app *repository.Application, role workflow.Role, defaultAmount decimal.Decimal) (*repository.ReviewDraft, bool, error) {
	saved, found, err := m.store.GetDraft(ctx, app.ID, role)
	if err != nil {
		return nil, false, errors.Wrap(err, errors.ErrCodeInternal, "failed to load review draft")
	}
	return mergeDraft(app, role, saved, defaultAmount), found, nil
}

func mergeDraft(app *repository.Application, role workflow.Role, saved *repository.ReviewDraft, defaultAmount decimal.Decimal) *repository.ReviewDraft {
	draft := &repository.ReviewDraft{ApplicationID: app.ID, Role: role, Step: validation.StepCustomer}
	if saved != nil {
		draft = saved
		draft.ReviewFields = saved.ReviewFields.Clone()
	}

	if draft.Step < validation.StepCustomer || draft.Step > validation.StepCount {
		draft.Step = validation.StepCustomer
	}
	for len(draft.Guarantors) < app.GuarantorCount {
		draft.Guarantors = append(draft.Guarantors, repository.GuarantorReview{})
	}
	if draft.LoanScoredAmount.IsZero() {
		draft.LoanScoredAmount = defaultAmount
	}
	return draft
}

// Save upserts the draft. Store failures are retried with exponential backoff;
// conflicts, missing applications and closed applications are returned at once.
func (m *DraftManager) Save(ctx context.Context, tenantID string, draft *repository.ReviewDraft) error {
	op := func() (struct{}, error) {
		err := m.store.UpsertDraft(ctx, tenantID, draft)
		if err == nil {
			return struct{}{}, nil
		}
		if errors.CodeOf(err) != errors.ErrCodeInternal {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = m.opts.InitialBackoff

	_, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(eb),
		backoff.WithMaxTries(m.opts.MaxTries),
		backoff.WithNotify(func(err error, next time.Duration) {
			m.metrics.StoreRetries.WithLabelValues("save_draft").Inc()
			m.log.Warn().Err(err).
				Str("application_id", draft.ApplicationID).
				Str("role", string(draft.Role)).
				Dur("retry_in", next).
				Msg("Retrying draft save")
		}),
	)
	if err != nil {
		if errors.CodeOf(err) == errors.ErrCodeInternal {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to save review draft")
		}
		return err
	}

	m.metrics.DraftsSaved.WithLabelValues(string(draft.Role)).Inc()
	return nil
}

// Discard deletes role's draft. Deleting a missing draft is not an error.
func (m *DraftManager) Discard(ctx context.Context, applicationID string, role workflow.Role) error {
	if err := m.store.DeleteDraft(ctx, applicationID, role); err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to discard review draft")
	}
	return nil
}
