// Package validation checks each of the eight review steps before a reviewer
// may leave it. Rules are independent and never modify the draft.
package validation

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/pesio-ai/be-lo-verification/internal/errors"
	"github.com/pesio-ai/be-lo-verification/internal/repository"
)

// Review steps, in form order.
const (
	StepCustomer = iota + 1
	StepBusiness
	StepGuarantors
	StepSecurity
	StepNextOfKin
	StepDocuments
	StepLoan
	StepDecision
)

// StepCount is the number of review steps.
const StepCount = StepDecision

// AmountPlaces is the number of decimal places a scored amount may carry;
// amounts are stored as NUMERIC(18,2).
const AmountPlaces = 2

// FieldError is one user-correctable problem.
type FieldError struct {
	Step    int    `json:"step"`
	Field   string `json:"field"`
	Index   *int   `json:"index,omitempty"`
	Message string `json:"message"`
}

// Bounds limits the scored amount.
type Bounds struct {
	Prequalified decimal.Decimal
	// Ceiling is the effective upper bound; zero means Prequalified.
	Ceiling decimal.Decimal
}

// Max returns the effective upper bound.
func (b Bounds) Max() decimal.Decimal {
	if b.Ceiling.IsZero() || b.Ceiling.GreaterThan(b.Prequalified) {
		return b.Prequalified
	}
	return b.Ceiling
}

// Error aggregates field errors; it is coded invalid_input.
type Error struct {
	Fields []FieldError
}

func (e *Error) Error() string {
	msgs := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		msgs[i] = fmt.Sprintf("step %d %s: %s", f.Step, f.Field, f.Message)
	}
	return "validation failed: " + strings.Join(msgs, "; ")
}

// ErrorCode implements errors.Coder.
func (e *Error) ErrorCode() errors.Code {
	return errors.ErrCodeInvalidInput
}

// AsError returns nil for no field errors, otherwise an *Error.
func AsError(fields []FieldError) error {
	if len(fields) == 0 {
		return nil
	}
	return &Error{Fields: fields}
}

// ValidateStep checks a single step. An unknown step is reported as a field error.
func ValidateStep(step int, draft *repository.ReviewDraft, bounds Bounds) []FieldError {
	var errs []FieldError
	required := func(field, value, label string) {
		if strings.TrimSpace(value) == "" {
			errs = append(errs, FieldError{Step: step, Field: field, Message: label + " is required"})
		}
	}

	switch step {
	case StepCustomer:
		required("customer_comment", draft.CustomerComment, "customer comment")
	case StepBusiness:
		required("business_comment", draft.BusinessComment, "business comment")
	case StepGuarantors:
		for i, g := range draft.Guarantors {
			if strings.TrimSpace(g.Comment) == "" {
				idx := i
				errs = append(errs, FieldError{
					Step:    step,
					Field:   "guarantors.comment",
					Index:   &idx,
					Message: fmt.Sprintf("comment for guarantor %d is required", i+1),
				})
				break
			}
		}
	case StepSecurity:
		required("borrower_security_comment", draft.BorrowerSecurityComment, "borrower security comment")
		required("guarantor_security_comment", draft.GuarantorSecurityComment, "guarantor security comment")
	case StepNextOfKin:
		required("next_of_kin_comment", draft.NextOfKinComment, "next of kin comment")
	case StepDocuments:
		required("document_comment", draft.DocumentComment, "document comment")
	case StepLoan:
		amount := draft.LoanScoredAmount
		limit := bounds.Max()
		switch {
		case !amount.IsPositive():
			errs = append(errs, FieldError{Step: step, Field: "loan_scored_amount", Message: "scored amount must be greater than zero"})
		case !amount.Equal(amount.Round(AmountPlaces)):
			errs = append(errs, FieldError{
				Step:    step,
				Field:   "loan_scored_amount",
				Message: fmt.Sprintf("scored amount may have at most %d decimal places", AmountPlaces),
			})
		case amount.GreaterThan(limit):
			errs = append(errs, FieldError{
				Step:    step,
				Field:   "loan_scored_amount",
				Message: fmt.Sprintf("scored amount %s exceeds the limit of %s", amount.StringFixed(2), limit.StringFixed(2)),
			})
		}
	case StepDecision:
		if draft.FinalDecision == "" {
			errs = append(errs, FieldError{Step: step, Field: "final_decision", Message: "final decision is required"})
		}
		required("overall_comment", draft.OverallComment, "overall comment")
	default:
		errs = append(errs, FieldError{Step: step, Field: "step", Message: fmt.Sprintf("step must be between 1 and %d", StepCount)})
	}
	return errs
}

// ValidateThrough checks every step from 1 up to and including last.
func ValidateThrough(last int, draft *repository.ReviewDraft, bounds Bounds) []FieldError {
	var errs []FieldError
	for step := StepCustomer; step <= last && step <= StepCount; step++ {
		errs = append(errs, ValidateStep(step, draft, bounds)...)
	}
	return errs
}
