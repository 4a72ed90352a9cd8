// Package workflow holds the loan verification state machine: reviewer roles,
// review decisions, application statuses and the transition table between them.
//
// Everything here is pure. Persistence of the resulting status is the job of
// the repository layer.
package workflow

import (
	stderrors "errors"
	"fmt"
	"strings"
)

var (
	// ErrUnknownRole is returned for a role outside the pipeline.
	ErrUnknownRole = stderrors.New("unknown reviewer role")
	// ErrUnknownDecision is returned for a decision the role cannot render.
	ErrUnknownDecision = stderrors.New("unknown review decision")
)

// Role is a reviewer position in the pipeline.
type Role string

const (
	RoleBranchManager          Role = "branch_manager"
	RoleCustomerServiceOfficer Role = "customer_service_officer"
	RoleCreditAnalyst          Role = "credit_analyst"
)

// Pipeline lists the reviewer roles in the order an application visits them.
var Pipeline = []Role{RoleBranchManager, RoleCustomerServiceOfficer, RoleCreditAnalyst}

// ParseRole accepts the canonical value or the short BM/CSO/CA forms.
func ParseRole(s string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case string(RoleBranchManager), "bm":
		return RoleBranchManager, nil
	case string(RoleCustomerServiceOfficer), "cso":
		return RoleCustomerServiceOfficer, nil
	case string(RoleCreditAnalyst), "ca":
		return RoleCreditAnalyst, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownRole, s)
}

// Valid reports whether r is one of the pipeline roles.
func (r Role) Valid() bool {
	return r.position() >= 0
}

// Label is the human readable role name.
func (r Role) Label() string {
	switch r {
	case RoleBranchManager:
		return "Branch Manager"
	case RoleCustomerServiceOfficer:
		return "Customer Service Officer"
	case RoleCreditAnalyst:
		return "Credit Analyst"
	}
	return string(r)
}

// Earlier returns the roles that precede r in the pipeline, nearest first.
func (r Role) Earlier() []Role {
	pos := r.position()
	if pos <= 0 {
		return nil
	}
	out := make([]Role, 0, pos)
	for i := pos - 1; i >= 0; i-- {
		out = append(out, Pipeline[i])
	}
	return out
}

func (r Role) position() int {
	for i, p := range Pipeline {
		if p == r {
			return i
		}
	}
	return -1
}

// Decision is the outcome a reviewer renders.
type Decision string

const (
	DecisionApproved Decision = "approved"
	DecisionRejected Decision = "rejected"
	DecisionPending  Decision = "pending"
	DecisionReferred Decision = "referred"
	// DecisionEdit is a request for changes and behaves exactly like pending.
	DecisionEdit Decision = "edit"
)

// Status is the lifecycle status of an application.
type Status string

const (
	StatusBMReview       Status = "bm_review"
	StatusCSOReview      Status = "cso_review"
	StatusCAReview       Status = "ca_review"
	StatusBMReviewAmend  Status = "bm_review_amend"
	StatusCSOReviewAmend Status = "cso_review_amend"
	StatusCAReviewAmend  Status = "ca_review_amend"
	StatusSentBackByBM   Status = "sent_back_by_bm"
	StatusSentBackByCSO  Status = "sent_back_by_cso"
	StatusSentBackByCA   Status = "sent_back_by_ca"
	StatusApproved       Status = "approved"
	StatusRejected       Status = "rejected"
)

// Base folds an _amend status onto the review state it re-enters.
func (s Status) Base() Status {
	switch s {
	case StatusBMReviewAmend:
		return StatusBMReview
	case StatusCSOReviewAmend:
		return StatusCSOReview
	case StatusCAReviewAmend:
		return StatusCAReview
	}
	return s
}

// Terminal reports whether no further review is possible.
func (s Status) Terminal() bool {
	return s == StatusApproved || s == StatusRejected
}

// SentBack reports whether the application is back with the originating officer.
func (s Status) SentBack() bool {
	switch s {
	case StatusSentBackByBM, StatusSentBackByCSO, StatusSentBackByCA:
		return true
	}
	return false
}

// Owner returns the role whose review the application is waiting on.
func (s Status) Owner() (Role, bool) {
	switch s.Base() {
	case StatusBMReview:
		return RoleBranchManager, true
	case StatusCSOReview:
		return RoleCustomerServiceOfficer, true
	case StatusCAReview:
		return RoleCreditAnalyst, true
	}
	return "", false
}

// OwnedBy reports whether role may act on an application in status s.
func (s Status) OwnedBy(role Role) bool {
	owner, ok := s.Owner()
	return ok && owner == role
}

// StatusesOwnedBy lists every status, amend variants included, awaiting role.
func StatusesOwnedBy(role Role) []Status {
	switch role {
	case RoleBranchManager:
		return []Status{StatusBMReview, StatusBMReviewAmend}
	case RoleCustomerServiceOfficer:
		return []Status{StatusCSOReview, StatusCSOReviewAmend}
	case RoleCreditAnalyst:
		return []Status{StatusCAReview, StatusCAReviewAmend}
	}
	return nil
}

type transition struct {
	forward  Status // approved, referred
	reject   Status
	sendBack Status // pending, edit
}

var transitions = map[Role]transition{
	RoleBranchManager:          {forward: StatusCSOReview, reject: StatusRejected, sendBack: StatusSentBackByBM},
	RoleCustomerServiceOfficer: {forward: StatusCAReview, reject: StatusRejected, sendBack: StatusSentBackByCSO},
	RoleCreditAnalyst:          {forward: StatusApproved, reject: StatusRejected, sendBack: StatusSentBackByCA},
}

// NextStatus returns the status an application moves to when role renders decision.
func NextStatus(role Role, decision Decision) (Status, error) {
	t, ok := transitions[role]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownRole, role)
	}
	switch decision {
	case DecisionApproved, DecisionReferred:
		return t.forward, nil
	case DecisionRejected:
		return t.reject, nil
	case DecisionPending, DecisionEdit:
		return t.sendBack, nil
	}
	return "", fmt.Errorf("%w: %q for %s", ErrUnknownDecision, decision, role)
}
