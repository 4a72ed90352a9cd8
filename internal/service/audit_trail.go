package service

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/pesio-ai/be-lo-verification/internal/errors"
	"github.com/pesio-ai/be-lo-verification/internal/repository"
	"github.com/pesio-ai/be-lo-verification/internal/workflow"
)

// Audit actions that do not come from a reviewer role.
const (
	ActionLoanBooked     = "Loan Booked"
	ActionFundsDisbursed = "Funds Disbursed"

	actorLoanOfficer = "Loan Officer"
	actorFinance     = "Finance"
)

// AuditEntry is one row of an application's derived history.
type AuditEntry struct {
	Role             string            `json:"role"`
	ActorName        string            `json:"actor_name"`
	Action           string            `json:"action"`
	Decision         workflow.Decision `json:"decision,omitempty"`
	Comment          string            `json:"comment,omitempty"`
	LoanScoredAmount *decimal.Decimal  `json:"loan_scored_amount,omitempty"`
	VisitNumber      int               `json:"visit_number,omitempty"`
	Timestamp        time.Time         `json:"timestamp"`
}

// AuditTrailBuilder derives an application's history from stored data only.
type AuditTrailBuilder struct {
	applications ApplicationStore
	records      VerificationStore
}

// NewAuditTrailBuilder creates a new audit trail builder
func NewAuditTrailBuilder(applications ApplicationStore, records VerificationStore) *AuditTrailBuilder {
	return &AuditTrailBuilder{applications: applications, records: records}
}

// BuildTrail returns the booking entry, one entry per finalized review and,
// once disbursed, a funds entry, in ascending timestamp order. Equal
// timestamps keep construction order.
func (b *AuditTrailBuilder) BuildTrail(ctx context.Context, applicationID, tenantID string) ([]AuditEntry, error) {
	app, err := b.applications.GetByID(ctx, applicationID, tenantID)
	if err != nil {
		return nil, err
	}

	records, err := b.records.ListFinalized(ctx, app.ID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list finalized reviews")
	}

	return buildEntries(app, records), nil
}

func buildEntries(app *repository.Application, records []*repository.VerificationRecord) []AuditEntry {
	entries := make([]AuditEntry, 0, len(records)+2)
	entries = append(entries, AuditEntry{
		Role:      actorLoanOfficer,
		ActorName: firstNonEmpty(app.BookedByName, app.BookedBy),
		Action:    ActionLoanBooked,
		Timestamp: app.BookedAt,
	})

	for _, rec := range records {
		amount := rec.LoanScoredAmount
		entries = append(entries, AuditEntry{
			Role:             rec.Role.Label(),
			ActorName:        firstNonEmpty(rec.VerifiedByName, rec.VerifiedBy),
			Action:           fmt.Sprintf("%s Review", rec.Role.Label()),
			Decision:         rec.FinalDecision,
			Comment:          rec.OverallComment,
			LoanScoredAmount: &amount,
			VisitNumber:      rec.VisitNumber,
			Timestamp:        rec.VerifiedAt,
		})
	}

	if app.DisbursedAt != nil {
		actor := ""
		if app.DisbursedByName != nil {
			actor = *app.DisbursedByName
		}
		entries = append(entries, AuditEntry{
			Role:      actorFinance,
			ActorName: actor,
			Action:    ActionFundsDisbursed,
			Timestamp: *app.DisbursedAt,
		})
	}

	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Timestamp.Before(entries[j].Timestamp)
	})
	return entries
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
