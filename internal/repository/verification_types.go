package repository

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	apperrors "github.com/pesio-ai/be-lo-verification/internal/errors"
	"github.com/pesio-ai/be-lo-verification/internal/workflow"
)

// ── Store errors ─────────────────────────────────────────────────────────────

var (
	// ErrNotFound is returned when the application does not exist for the tenant.
	ErrNotFound = apperrors.New(apperrors.ErrCodeNotFound, "application not found")
	// ErrDraftConflict is returned when another writer changed the application
	// between load and finalize.
	ErrDraftConflict = apperrors.New(apperrors.ErrCodeConflict, "review draft conflict")
	// ErrApplicationClosed is returned for writes against an approved or rejected application.
	ErrApplicationClosed = apperrors.New(apperrors.ErrCodeConflict, "application is closed")
)

// Form status values of an application.
const (
	FormStatusDraft     = "draft"
	FormStatusSubmitted = "submitted"
)

// ── Domain types ─────────────────────────────────────────────────────────────

// Application is the loan request under review.
type Application struct {
	ID                 string
	TenantID           string
	BranchID           string
	CustomerName       string
	PrequalifiedAmount decimal.Decimal
	Status             workflow.Status
	FormStatus         string
	GuarantorCount     int
	BookedBy           string
	BookedByName       string
	BookedAt           time.Time
	DisbursedAt        *time.Time
	DisbursedByName    *string
	UpdatedAt          time.Time
}

// GuarantorReview is the evidence check for one guarantor.
type GuarantorReview struct {
	IDVerified    bool   `json:"id_verified"`
	PhoneVerified bool   `json:"phone_verified"`
	Comment       string `json:"comment"`
}

// ReviewFields is the body of one role's review. Drafts and finalized records
// share it so a draft can be finalized without a field-by-field copy.
type ReviewFields struct {
	CustomerIDVerified        bool              `json:"customer_id_verified"`
	CustomerPhoneVerified     bool              `json:"customer_phone_verified"`
	CustomerComment           string            `json:"customer_comment"`
	BusinessVerified          bool              `json:"business_verified"`
	BusinessComment           string            `json:"business_comment"`
	Guarantors                []GuarantorReview `json:"guarantors"`
	BorrowerSecurityVerified  bool              `json:"borrower_security_verified"`
	BorrowerSecurityComment   string            `json:"borrower_security_comment"`
	GuarantorSecurityVerified bool              `json:"guarantor_security_verified"`
	GuarantorSecurityComment  string            `json:"guarantor_security_comment"`
	NextOfKinVerified         bool              `json:"next_of_kin_verified"`
	NextOfKinComment          string            `json:"next_of_kin_comment"`
	DocumentVerified          bool              `json:"document_verified"`
	DocumentComment           string            `json:"document_comment"`
	LoanScoredAmount          decimal.Decimal   `json:"loan_scored_amount"`
	LoanComment               string            `json:"loan_comment"`
	FinalDecision             workflow.Decision `json:"final_decision,omitempty"`
	OverallComment            string            `json:"overall_comment"`
}

// Clone returns a deep copy.
func (f ReviewFields) Clone() ReviewFields {
	out := f
	if f.Guarantors != nil {
		out.Guarantors = append([]GuarantorReview(nil), f.Guarantors...)
	}
	return out
}

// GuarantorIDVerified is true when every guarantor's ID was verified. An
// application without guarantors has nothing left to verify.
func (f ReviewFields) GuarantorIDVerified() bool {
	for _, g := range f.Guarantors {
		if !g.IDVerified {
			return false
		}
	}
	return true
}

// GuarantorPhoneVerified is true when every guarantor's phone was verified,
// and true when there are none.
func (f ReviewFields) GuarantorPhoneVerified() bool {
	for _, g := range f.Guarantors {
		if !g.PhoneVerified {
			return false
		}
	}
	return true
}

// GuarantorComment joins the per-guarantor comments, one line each.
func (f ReviewFields) GuarantorComment() string {
	lines := make([]string, 0, len(f.Guarantors))
	for i, g := range f.Guarantors {
		if c := strings.TrimSpace(g.Comment); c != "" {
			lines = append(lines, fmt.Sprintf("Guarantor %d: %s", i+1, c))
		}
	}
	return strings.Join(lines, "\n")
}

// ReviewDraft is the single mutable in-progress review of one role for one application.
type ReviewDraft struct {
	ApplicationID string
	Role          workflow.Role
	Step          int
	ReviewFields
	UpdatedBy string
	UpdatedAt time.Time
}

// VerificationRecord is an immutable finalized review, one per role visit.
type VerificationRecord struct {
	ID            string
	ApplicationID string
	TenantID      string
	Role          workflow.Role
	VisitNumber   int
	ReviewFields
	// Aggregates over Guarantors, persisted for reporting.
	GuarantorIDVerified    bool
	GuarantorPhoneVerified bool
	GuarantorComment       string
	StatusBefore           workflow.Status
	StatusAfter            workflow.Status
	VerifiedBy             string
	VerifiedByName         string
	VerifiedAt             time.Time
}

// Clone returns a deep copy.
func (r *VerificationRecord) Clone() *VerificationRecord {
	out := *r
	out.ReviewFields = r.ReviewFields.Clone()
	return &out
}

// FinalizeRequest carries everything the store needs to finalize a review and
// advance the application in one transaction. The store assigns
// Record.VisitNumber and Record.VerifiedAt; VerifiedAt equals the application's
// new UpdatedAt, both read from the store's clock.
type FinalizeRequest struct {
	Record *VerificationRecord
	// ExpectedStatus is the status the caller loaded. Finalize fails with
	// ErrDraftConflict when the stored status differs.
	ExpectedStatus workflow.Status
	NextStatus     workflow.Status
}

// FormStatusFor returns the form status an application carries in status s.
func FormStatusFor(s workflow.Status) string {
	if s.SentBack() {
		return FormStatusDraft
	}
	return FormStatusSubmitted
}

// CheckWritable returns ErrApplicationClosed or ErrDraftConflict when role may
// not write against an application currently in status.
func CheckWritable(status workflow.Status, role workflow.Role) error {
	if status.Terminal() {
		return apperrors.Wrap(ErrApplicationClosed, apperrors.ErrCodeConflict,
			fmt.Sprintf("application is %s", status))
	}
	if !status.OwnedBy(role) {
		return apperrors.Wrap(ErrDraftConflict, apperrors.ErrCodeConflict,
			fmt.Sprintf("application is in status '%s', not awaiting %s", status, role.Label()))
	}
	return nil
}
