package handler

import (
	stderrors "errors"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/pesio-ai/be-lo-verification/internal/repository"
	"github.com/pesio-ai/be-lo-verification/internal/service"
	"github.com/pesio-ai/be-lo-verification/internal/validation"
	"github.com/pesio-ai/be-lo-verification/internal/workflow"
)

// ── Requests ──────────────────────────────────────────────────────────────────

type guarantorRequest struct {
	IDVerified    bool   `json:"id_verified"`
	PhoneVerified bool   `json:"phone_verified"`
	Comment       string `json:"comment" validate:"max=2000"`
}

// draftRequest is the body of save, validate and submit calls.
type draftRequest struct {
	Step                      int                `json:"step" validate:"gte=0,lte=8"`
	CustomerIDVerified        bool               `json:"customer_id_verified"`
	CustomerPhoneVerified     bool               `json:"customer_phone_verified"`
	CustomerComment           string             `json:"customer_comment" validate:"max=4000"`
	BusinessVerified          bool               `json:"business_verified"`
	BusinessComment           string             `json:"business_comment" validate:"max=4000"`
	Guarantors                []guarantorRequest `json:"guarantors" validate:"max=20,dive"`
	BorrowerSecurityVerified  bool               `json:"borrower_security_verified"`
	BorrowerSecurityComment   string             `json:"borrower_security_comment" validate:"max=4000"`
	GuarantorSecurityVerified bool               `json:"guarantor_security_verified"`
	GuarantorSecurityComment  string             `json:"guarantor_security_comment" validate:"max=4000"`
	NextOfKinVerified         bool               `json:"next_of_kin_verified"`
	NextOfKinComment          string             `json:"next_of_kin_comment" validate:"max=4000"`
	DocumentVerified          bool               `json:"document_verified"`
	DocumentComment           string             `json:"document_comment" validate:"max=4000"`
	LoanScoredAmount          decimal.Decimal    `json:"loan_scored_amount"`
	LoanComment               string             `json:"loan_comment" validate:"max=4000"`
	FinalDecision             string             `json:"final_decision" validate:"omitempty,oneof=approved rejected pending referred edit"`
	OverallComment            string             `json:"overall_comment" validate:"max=4000"`
}

func (r *draftRequest) toDraft() *repository.ReviewDraft {
	guarantors := make([]repository.GuarantorReview, len(r.Guarantors))
	for i, g := range r.Guarantors {
		guarantors[i] = repository.GuarantorReview{IDVerified: g.IDVerified, PhoneVerified: g.PhoneVerified, Comment: g.Comment}
	}
	return &repository.ReviewDraft{
		Step: r.Step,
		ReviewFields: repository.ReviewFields{
			CustomerIDVerified:        r.CustomerIDVerified,
			CustomerPhoneVerified:     r.CustomerPhoneVerified,
			CustomerComment:           r.CustomerComment,
			BusinessVerified:          r.BusinessVerified,
			BusinessComment:           r.BusinessComment,
			Guarantors:                guarantors,
			BorrowerSecurityVerified:  r.BorrowerSecurityVerified,
			BorrowerSecurityComment:   r.BorrowerSecurityComment,
			GuarantorSecurityVerified: r.GuarantorSecurityVerified,
			GuarantorSecurityComment:  r.GuarantorSecurityComment,
			NextOfKinVerified:         r.NextOfKinVerified,
			NextOfKinComment:          r.NextOfKinComment,
			DocumentVerified:          r.DocumentVerified,
			DocumentComment:           r.DocumentComment,
			LoanScoredAmount:          r.LoanScoredAmount,
			LoanComment:               r.LoanComment,
			FinalDecision:             workflow.Decision(r.FinalDecision),
			OverallComment:            r.OverallComment,
		},
	}
}

// newValidator reports json field names in validation errors.
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// requestFieldErrors converts validator output into field errors.
func requestFieldErrors(err error) []validation.FieldError {
	var verrs validator.ValidationErrors
	if !stderrors.As(err, &verrs) {
		return []validation.FieldError{{Field: "body", Message: err.Error()}}
	}
	out := make([]validation.FieldError, 0, len(verrs))
	for _, fe := range verrs {
		field := strings.TrimPrefix(fe.Namespace(), "draftRequest.")
		msg := "failed " + fe.Tag()
		if fe.Param() != "" {
			msg += "=" + fe.Param()
		}
		out = append(out, validation.FieldError{Field: field, Message: msg})
	}
	return out
}

// ── Responses ─────────────────────────────────────────────────────────────────

type applicationResponse struct {
	ID                 string     `json:"id"`
	BranchID           string     `json:"branch_id"`
	CustomerName       string     `json:"customer_name"`
	PrequalifiedAmount string     `json:"prequalified_amount"`
	Status             string     `json:"status"`
	FormStatus         string     `json:"form_status"`
	GuarantorCount     int        `json:"guarantor_count"`
	BookedByName       string     `json:"booked_by_name"`
	BookedAt           time.Time  `json:"booked_at"`
	DisbursedAt        *time.Time `json:"disbursed_at,omitempty"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

func toApplicationResponse(app *repository.Application) applicationResponse {
	return applicationResponse{
		ID:                 app.ID,
		BranchID:           app.BranchID,
		CustomerName:       app.CustomerName,
		PrequalifiedAmount: app.PrequalifiedAmount.StringFixed(2),
		Status:             string(app.Status),
		FormStatus:         app.FormStatus,
		GuarantorCount:     app.GuarantorCount,
		BookedByName:       app.BookedByName,
		BookedAt:           app.BookedAt,
		DisbursedAt:        app.DisbursedAt,
		UpdatedAt:          app.UpdatedAt,
	}
}

type draftResponse struct {
	ApplicationID string `json:"application_id"`
	Role          string `json:"role"`
	Step          int    `json:"step"`
	repository.ReviewFields
	UpdatedBy string     `json:"updated_by,omitempty"`
	UpdatedAt *time.Time `json:"updated_at,omitempty"`
}

func toDraftResponse(d *repository.ReviewDraft) draftResponse {
	resp := draftResponse{
		ApplicationID: d.ApplicationID,
		Role:          string(d.Role),
		Step:          d.Step,
		ReviewFields:  d.ReviewFields,
		UpdatedBy:     d.UpdatedBy,
	}
	if !d.UpdatedAt.IsZero() {
		at := d.UpdatedAt
		resp.UpdatedAt = &at
	}
	return resp
}

type recordResponse struct {
	ID          string `json:"id"`
	Role        string `json:"role"`
	VisitNumber int    `json:"visit_number"`
	repository.ReviewFields
	GuarantorIDVerified    bool      `json:"guarantor_id_verified"`
	GuarantorPhoneVerified bool      `json:"guarantor_phone_verified"`
	GuarantorComment       string    `json:"guarantor_comment"`
	StatusBefore           string    `json:"status_before"`
	StatusAfter            string    `json:"status_after"`
	VerifiedBy             string    `json:"verified_by"`
	VerifiedByName         string    `json:"verified_by_name"`
	VerifiedAt             time.Time `json:"verified_at"`
}

func toRecordResponse(rec *repository.VerificationRecord) *recordResponse {
	return &recordResponse{
		ID:                     rec.ID,
		Role:                   string(rec.Role),
		VisitNumber:            rec.VisitNumber,
		ReviewFields:           rec.ReviewFields,
		GuarantorIDVerified:    rec.GuarantorIDVerified,
		GuarantorPhoneVerified: rec.GuarantorPhoneVerified,
		GuarantorComment:       rec.GuarantorComment,
		StatusBefore:           string(rec.StatusBefore),
		StatusAfter:            string(rec.StatusAfter),
		VerifiedBy:             rec.VerifiedBy,
		VerifiedByName:         rec.VerifiedByName,
		VerifiedAt:             rec.VerifiedAt,
	}
}

type reviewContextResponse struct {
	Application   applicationResponse        `json:"application"`
	Draft         draftResponse              `json:"draft"`
	HasSavedDraft bool                       `json:"has_saved_draft"`
	ReadOnly      bool                       `json:"read_only"`
	MaxAmount     string                     `json:"max_loan_amount"`
	References    map[string]*recordResponse `json:"references"`
}

func toReviewContextResponse(rc *service.ReviewContext) reviewContextResponse {
	refs := make(map[string]*recordResponse, len(rc.References))
	for role, rec := range rc.References {
		refs[string(role)] = toRecordResponse(rec)
	}
	return reviewContextResponse{
		Application:   toApplicationResponse(rc.Application),
		Draft:         toDraftResponse(rc.Draft),
		HasSavedDraft: rc.HasSavedDraft,
		ReadOnly:      rc.ReadOnly,
		MaxAmount:     rc.Bounds.Max().StringFixed(2),
		References:    refs,
	}
}

type validateResponse struct {
	Step   int                     `json:"step"`
	Valid  bool                    `json:"valid"`
	Errors []validation.FieldError `json:"errors"`
}

type errorBody struct {
	Code    string                  `json:"code"`
	Message string                  `json:"message"`
	Fields  []validation.FieldError `json:"fields,omitempty"`
}

type errorResponse struct {
	Error errorBody `json:"error"`
}
