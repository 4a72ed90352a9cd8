// Package memory is an in-process implementation of the verification stores.
// A single mutex makes every operation, Finalize included, atomic.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pesio-ai/be-lo-verification/internal/errors"
	"github.com/pesio-ai/be-lo-verification/internal/repository"
	"github.com/pesio-ai/be-lo-verification/internal/workflow"
)

type draftKey struct {
	applicationID string
	role          workflow.Role
}

// Store keeps applications, drafts and finalized reviews in maps.
type Store struct {
	mu           sync.Mutex
	now          func() time.Time
	applications map[string]*repository.Application
	drafts       map[draftKey]*repository.ReviewDraft
	records      map[string][]*repository.VerificationRecord
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides time.Now for timestamps the store assigns.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates an empty Store.
func New(opts ...Option) *Store {
	s := &Store{
		now:          time.Now,
		applications: map[string]*repository.Application{},
		drafts:       map[draftKey]*repository.ReviewDraft{},
		records:      map[string][]*repository.VerificationRecord{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// PutApplication inserts or replaces an application. Origination owns this in
// production; here it seeds the store.
func (s *Store) PutApplication(app *repository.Application) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *app
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = cp.BookedAt
	}
	s.applications[app.ID] = &cp
}

// ── Applications ──────────────────────────────────────────────────────────────

// GetByID returns a copy of the tenant's application.
func (s *Store) GetByID(_ context.Context, id, tenantID string) (*repository.Application, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	app, err := s.application(id, tenantID)
	if err != nil {
		return nil, err
	}
	cp := *app
	return &cp, nil
}

// ListByStatuses returns the tenant's applications in any of statuses, oldest booking first.
func (s *Store) ListByStatuses(_ context.Context, tenantID string, statuses []workflow.Status, branchID *string) ([]*repository.Application, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	wanted := make(map[workflow.Status]bool, len(statuses))
	for _, st := range statuses {
		wanted[st] = true
	}

	out := make([]*repository.Application, 0)
	for _, app := range s.applications {
		if app.TenantID != tenantID || !wanted[app.Status] {
			continue
		}
		if branchID != nil && app.BranchID != *branchID {
			continue
		}
		cp := *app
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].BookedAt.Equal(out[j].BookedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].BookedAt.Before(out[j].BookedAt)
	})
	return out, nil
}

// CompareAndSetStatus moves the application from one status to another only if
// it is still in from.
func (s *Store) CompareAndSetStatus(_ context.Context, id, tenantID string, from, to workflow.Status) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	app, err := s.application(id, tenantID)
	if err != nil {
		return false, err
	}
	if app.Status != from {
		return false, nil
	}
	s.setStatus(app, to)
	return true, nil
}

// ── Drafts ────────────────────────────────────────────────────────────────────

// GetDraft returns a copy of the role's draft.
func (s *Store) GetDraft(_ context.Context, applicationID string, role workflow.Role) (*repository.ReviewDraft, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.drafts[draftKey{applicationID, role}]
	if !ok {
		return nil, false, nil
	}
	return cloneDraft(d), true, nil
}

// UpsertDraft creates or replaces the role's draft.
func (s *Store) UpsertDraft(_ context.Context, tenantID string, draft *repository.ReviewDraft) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	app, err := s.application(draft.ApplicationID, tenantID)
	if err != nil {
		return err
	}
	if err := repository.CheckWritable(app.Status, draft.Role); err != nil {
		return err
	}
	draft.UpdatedAt = s.now()
	s.drafts[draftKey{draft.ApplicationID, draft.Role}] = cloneDraft(draft)
	return nil
}

// DeleteDraft removes the role's draft if present.
func (s *Store) DeleteDraft(_ context.Context, applicationID string, role workflow.Role) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.drafts, draftKey{applicationID, role})
	return nil
}

// ── Finalize ──────────────────────────────────────────────────────────────────

// Finalize appends the record, clears the draft and advances the application.
func (s *Store) Finalize(_ context.Context, req repository.FinalizeRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := req.Record
	app, err := s.application(rec.ApplicationID, rec.TenantID)
	if err != nil {
		return err
	}
	if app.Status != req.ExpectedStatus {
		if app.Status.Terminal() {
			return errors.Wrap(repository.ErrApplicationClosed, errors.ErrCodeConflict,
				fmt.Sprintf("application is %s", app.Status))
		}
		return errors.Wrap(repository.ErrDraftConflict, errors.ErrCodeConflict,
			fmt.Sprintf("application moved from '%s' to '%s'", req.ExpectedStatus, app.Status))
	}

	visit := 1
	for _, existing := range s.records[rec.ApplicationID] {
		if existing.Role == rec.Role {
			visit++
		}
	}
	rec.VisitNumber = visit
	rec.VerifiedAt = s.timestamp()

	s.records[rec.ApplicationID] = append(s.records[rec.ApplicationID], rec.Clone())
	delete(s.drafts, draftKey{rec.ApplicationID, rec.Role})
	app.Status = req.NextStatus
	app.FormStatus = repository.FormStatusFor(req.NextStatus)
	app.UpdatedAt = rec.VerifiedAt
	return nil
}

// ── Finalized reads ───────────────────────────────────────────────────────────

// LatestFinalizedByRole returns the most recent finalized review by role.
func (s *Store) LatestFinalizedByRole(_ context.Context, applicationID string, role workflow.Role) (*repository.VerificationRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var latest *repository.VerificationRecord
	for _, rec := range s.records[applicationID] {
		if rec.Role != role {
			continue
		}
		if latest == nil || !rec.VerifiedAt.Before(latest.VerifiedAt) {
			latest = rec
		}
	}
	if latest == nil {
		return nil, false, nil
	}
	return latest.Clone(), true, nil
}

// ListFinalized returns every finalized review for an application, oldest first.
func (s *Store) ListFinalized(_ context.Context, applicationID string) ([]*repository.VerificationRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*repository.VerificationRecord, 0, len(s.records[applicationID]))
	for _, rec := range s.records[applicationID] {
		out = append(out, rec.Clone())
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].VerifiedAt.Before(out[j].VerifiedAt)
	})
	return out, nil
}

// ── helpers ───────────────────────────────────────────────────────────────────

func (s *Store) application(id, tenantID string) (*repository.Application, error) {
	app, ok := s.applications[id]
	if !ok || app.TenantID != tenantID {
		return nil, errors.Wrap(repository.ErrNotFound, errors.ErrCodeNotFound, fmt.Sprintf("application %s", id))
	}
	return app, nil
}

func (s *Store) setStatus(app *repository.Application, to workflow.Status) {
	app.Status = to
	app.FormStatus = repository.FormStatusFor(to)
	app.UpdatedAt = s.timestamp()
}

// timestamp matches the precision PostgreSQL keeps.
func (s *Store) timestamp() time.Time {
	return s.now().UTC().Truncate(time.Microsecond)
}

func cloneDraft(d *repository.ReviewDraft) *repository.ReviewDraft {
	cp := *d
	cp.ReviewFields = d.ReviewFields.Clone()
	return &cp
}
