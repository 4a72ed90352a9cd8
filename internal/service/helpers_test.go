package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/pesio-ai/be-lo-verification/internal/client"
	"github.com/pesio-ai/be-lo-verification/internal/logger"
	"github.com/pesio-ai/be-lo-verification/internal/metrics"
	"github.com/pesio-ai/be-lo-verification/internal/repository"
	"github.com/pesio-ai/be-lo-verification/internal/repository/memory"
	"github.com/pesio-ai/be-lo-verification/internal/workflow"
)

const tenantID = "tenant-1"

var bookedAt = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

var (
	bmSession  = Session{UserID: "u-bm", Role: workflow.RoleBranchManager, TenantID: tenantID, DisplayName: "Grace Wanjiru"}
	csoSession = Session{UserID: "u-cso", Role: workflow.RoleCustomerServiceOfficer, TenantID: tenantID, DisplayName: "Tom Mwangi"}
	caSession  = Session{UserID: "u-ca", Role: workflow.RoleCreditAnalyst, TenantID: tenantID, DisplayName: "Ruth Achieng"}
)

// stepClock advances one minute on every call.
type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func newStepClock() *stepClock {
	return &stepClock{now: bookedAt}
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Minute)
	return c.now
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []*client.ReviewEvent
}

func (p *recordingPublisher) PublishReviewEvent(_ context.Context, ev *client.ReviewEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
}

func (p *recordingPublisher) all() []*client.ReviewEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*client.ReviewEvent(nil), p.events...)
}

type fixture struct {
	store      *memory.Store
	records    VerificationStore
	controller *PipelineController
	events     *recordingPublisher
	clock      *stepClock
}

type fixtureOption func(*fixtureConfig)

type fixtureConfig struct {
	monotonic bool
	records   func(*memory.Store) VerificationStore
	now       func() time.Time
}

func withMonotonicAmounts() fixtureOption {
	return func(c *fixtureConfig) { c.monotonic = true }
}

// withStoreClock replaces the stepping clock the memory store reads.
func withStoreClock(now func() time.Time) fixtureOption {
	return func(c *fixtureConfig) { c.now = now }
}

func withRecords(wrap func(*memory.Store) VerificationStore) fixtureOption {
	return func(c *fixtureConfig) { c.records = wrap }
}

func newFixture(t *testing.T, opts ...fixtureOption) *fixture {
	t.Helper()
	cfg := fixtureConfig{records: func(s *memory.Store) VerificationStore { return s }}
	for _, opt := range opts {
		opt(&cfg)
	}

	clock := newStepClock()
	if cfg.now == nil {
		cfg.now = clock.Now
	}
	store := memory.New(memory.WithClock(cfg.now))
	records := cfg.records(store)
	log := logger.Nop()
	m := metrics.New("test")
	events := &recordingPublisher{}

	drafts := NewDraftManager(records, log, m, DraftOptions{MaxTries: 3, InitialBackoff: time.Millisecond})
	trail := NewAuditTrailBuilder(store, records)
	controller := NewPipelineController(store, records, drafts, trail, events, log, m, PipelineOptions{
		EnforceMonotonicAmounts: cfg.monotonic,
	})

	return &fixture{store: store, records: records, controller: controller, events: events, clock: clock}
}

func (f *fixture) seed(id string, status workflow.Status) *repository.Application {
	app := &repository.Application{
		ID:                 id,
		TenantID:           tenantID,
		BranchID:           "branch-1",
		CustomerName:       "Amina Njoroge",
		PrequalifiedAmount: decimal.NewFromInt(50000),
		Status:             status,
		FormStatus:         repository.FormStatusSubmitted,
		GuarantorCount:     2,
		BookedBy:           "u-officer",
		BookedByName:       "Peter Otieno",
		BookedAt:           bookedAt,
	}
	f.store.PutApplication(app)
	return app
}

func completeDraft(decision workflow.Decision, amount int64) *repository.ReviewDraft {
	return &repository.ReviewDraft{
		Step: 8,
		ReviewFields: repository.ReviewFields{
			CustomerIDVerified:    true,
			CustomerPhoneVerified: true,
			CustomerComment:       "customer met at the shop",
			BusinessVerified:      true,
			BusinessComment:       "retail stall, steady stock",
			Guarantors: []repository.GuarantorReview{
				{IDVerified: true, PhoneVerified: true, Comment: "brother, salaried"},
				{IDVerified: true, PhoneVerified: false, Comment: "neighbour, trader"},
			},
			BorrowerSecurityVerified:  true,
			BorrowerSecurityComment:   "motorbike logbook",
			GuarantorSecurityVerified: true,
			GuarantorSecurityComment:  "household goods",
			NextOfKinVerified:         true,
			NextOfKinComment:          "spouse reachable",
			DocumentVerified:          true,
			DocumentComment:           "all documents present",
			LoanScoredAmount:          decimal.NewFromInt(amount),
			LoanComment:               "within capacity",
			FinalDecision:             decision,
			OverallComment:            "recommend",
		},
	}
}
