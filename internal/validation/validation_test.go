package validation

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-lo-verification/internal/errors"
	"github.com/pesio-ai/be-lo-verification/internal/repository"
	"github.com/pesio-ai/be-lo-verification/internal/workflow"
)

func completeDraft() *repository.ReviewDraft {
	return &repository.ReviewDraft{
		ReviewFields: repository.ReviewFields{
			CustomerComment: "met the customer",
			BusinessComment: "shop visited",
			Guarantors: []repository.GuarantorReview{
				{Comment: "brother, employed"},
				{Comment: "neighbour"},
			},
			BorrowerSecurityComment:  "logbook held",
			GuarantorSecurityComment: "title deed copy",
			NextOfKinComment:         "spouse",
			DocumentComment:          "all present",
			LoanScoredAmount:         decimal.NewFromInt(40000),
			FinalDecision:            workflow.DecisionApproved,
			OverallComment:           "good file",
		},
	}
}

var bounds = Bounds{Prequalified: decimal.NewFromInt(50000)}

func TestValidateStep_Complete(t *testing.T) {
	d := completeDraft()
	for step := StepCustomer; step <= StepCount; step++ {
		assert.Empty(t, ValidateStep(step, d, bounds), "step %d", step)
	}
	assert.Empty(t, ValidateThrough(StepDecision, d, bounds))
}

func TestValidateStep_RequiredComments(t *testing.T) {
	tests := []struct {
		name   string
		step   int
		mutate func(d *repository.ReviewDraft)
		fields []string
	}{
		{"customer", StepCustomer, func(d *repository.ReviewDraft) { d.CustomerComment = "  " }, []string{"customer_comment"}},
		{"business", StepBusiness, func(d *repository.ReviewDraft) { d.BusinessComment = "" }, []string{"business_comment"}},
		{"security both", StepSecurity, func(d *repository.ReviewDraft) {
			d.BorrowerSecurityComment = ""
			d.GuarantorSecurityComment = ""
		}, []string{"borrower_security_comment", "guarantor_security_comment"}},
		{"guarantor security", StepSecurity, func(d *repository.ReviewDraft) { d.GuarantorSecurityComment = "" }, []string{"guarantor_security_comment"}},
		{"next of kin", StepNextOfKin, func(d *repository.ReviewDraft) { d.NextOfKinComment = "" }, []string{"next_of_kin_comment"}},
		{"documents", StepDocuments, func(d *repository.ReviewDraft) { d.DocumentComment = "" }, []string{"document_comment"}},
		{"decision missing", StepDecision, func(d *repository.ReviewDraft) { d.FinalDecision = "" }, []string{"final_decision"}},
		{"overall comment missing", StepDecision, func(d *repository.ReviewDraft) { d.OverallComment = "" }, []string{"overall_comment"}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			d := completeDraft()
			tc.mutate(d)
			errs := ValidateStep(tc.step, d, bounds)
			require.Len(t, errs, len(tc.fields))
			for i, f := range tc.fields {
				assert.Equal(t, f, errs[i].Field)
				assert.Equal(t, tc.step, errs[i].Step)
			}
		})
	}
}

func TestValidateStep_GuarantorsReportFirstEmpty(t *testing.T) {
	d := completeDraft()
	d.Guarantors = []repository.GuarantorReview{{Comment: "ok"}, {Comment: ""}, {Comment: ""}}

	errs := ValidateStep(StepGuarantors, d, bounds)
	require.Len(t, errs, 1)
	require.NotNil(t, errs[0].Index)
	assert.Equal(t, 1, *errs[0].Index)

	d.Guarantors = nil
	assert.Empty(t, ValidateStep(StepGuarantors, d, bounds))
}

func TestValidateStep_LoanAmountBounds(t *testing.T) {
	p := decimal.NewFromInt(50000)
	amounts := []string{"-1", "0", "0.01", "1", "39999.99", "49999.99", "50000", "50000.01", "60000"}

	for _, a := range amounts {
		x := decimal.RequireFromString(a)
		d := completeDraft()
		d.LoanScoredAmount = x

		errs := ValidateStep(StepLoan, d, Bounds{Prequalified: p})
		wantFail := !x.IsPositive() || x.GreaterThan(p)
		assert.Equal(t, wantFail, len(errs) > 0, "amount %s", a)
	}
}

func TestValidateStep_LoanAmountPrecision(t *testing.T) {
	tests := []struct {
		amount string
		valid  bool
	}{
		{"0.001", false},
		{"100.555", false},
		{"40000.0001", false},
		{"100.5", true},
		{"100.55", true},
		{"100.550", true},
		{"40000", true},
	}

	for _, tc := range tests {
		t.Run(tc.amount, func(t *testing.T) {
			d := completeDraft()
			d.LoanScoredAmount = decimal.RequireFromString(tc.amount)

			errs := ValidateStep(StepLoan, d, bounds)
			if tc.valid {
				assert.Empty(t, errs)
				return
			}
			require.Len(t, errs, 1)
			assert.Equal(t, "loan_scored_amount", errs[0].Field)
			assert.Equal(t, StepLoan, errs[0].Step)
		})
	}
}

func TestValidateStep_Ceiling(t *testing.T) {
	b := Bounds{Prequalified: decimal.NewFromInt(50000), Ceiling: decimal.NewFromInt(40000)}
	d := completeDraft()

	d.LoanScoredAmount = decimal.NewFromInt(40000)
	assert.Empty(t, ValidateStep(StepLoan, d, b))

	d.LoanScoredAmount = decimal.NewFromInt(45000)
	assert.Len(t, ValidateStep(StepLoan, d, b), 1)

	// A ceiling above the prequalified amount never loosens the bound.
	loose := Bounds{Prequalified: decimal.NewFromInt(50000), Ceiling: decimal.NewFromInt(90000)}
	assert.True(t, loose.Max().Equal(decimal.NewFromInt(50000)))
}

func TestValidateStep_DoesNotMutate(t *testing.T) {
	d := completeDraft()
	d.CustomerComment = ""
	d.LoanScoredAmount = decimal.NewFromInt(90000)
	before := *d
	before.ReviewFields = d.ReviewFields.Clone()

	ValidateThrough(StepDecision, d, bounds)
	assert.Equal(t, before, *d)
}

func TestValidateStep_Revalidation(t *testing.T) {
	d := completeDraft()
	require.Empty(t, ValidateStep(StepBusiness, d, bounds))

	d.BusinessComment = ""
	assert.Len(t, ValidateStep(StepBusiness, d, bounds), 1)
}

func TestValidateThrough_UnknownStepAndError(t *testing.T) {
	assert.Len(t, ValidateStep(0, completeDraft(), bounds), 1)
	assert.Len(t, ValidateStep(9, completeDraft(), bounds), 1)

	d := completeDraft()
	d.CustomerComment = ""
	d.OverallComment = ""
	errs := ValidateThrough(StepDecision, d, bounds)
	require.Len(t, errs, 2)

	err := AsError(errs)
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeInvalidInput, errors.CodeOf(err))
	assert.NoError(t, AsError(nil))
}
