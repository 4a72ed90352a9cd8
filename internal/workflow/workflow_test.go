package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNextStatus(t *testing.T) {
	tests := []struct {
		role     Role
		decision Decision
		want     Status
	}{
		{RoleBranchManager, DecisionApproved, StatusCSOReview},
		{RoleBranchManager, DecisionReferred, StatusCSOReview},
		{RoleBranchManager, DecisionRejected, StatusRejected},
		{RoleBranchManager, DecisionPending, StatusSentBackByBM},
		{RoleBranchManager, DecisionEdit, StatusSentBackByBM},
		{RoleCustomerServiceOfficer, DecisionApproved, StatusCAReview},
		{RoleCustomerServiceOfficer, DecisionReferred, StatusCAReview},
		{RoleCustomerServiceOfficer, DecisionRejected, StatusRejected},
		{RoleCustomerServiceOfficer, DecisionPending, StatusSentBackByCSO},
		{RoleCustomerServiceOfficer, DecisionEdit, StatusSentBackByCSO},
		{RoleCreditAnalyst, DecisionApproved, StatusApproved},
		{RoleCreditAnalyst, DecisionReferred, StatusApproved},
		{RoleCreditAnalyst, DecisionRejected, StatusRejected},
		{RoleCreditAnalyst, DecisionPending, StatusSentBackByCA},
		{RoleCreditAnalyst, DecisionEdit, StatusSentBackByCA},
	}

	for _, tc := range tests {
		t.Run(string(tc.role)+"/"+string(tc.decision), func(t *testing.T) {
			got, err := NextStatus(tc.role, tc.decision)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestNextStatus_Unknown(t *testing.T) {
	for _, role := range Pipeline {
		_, err := NextStatus(role, Decision("escalated"))
		assert.ErrorIs(t, err, ErrUnknownDecision)

		_, err = NextStatus(role, "")
		assert.ErrorIs(t, err, ErrUnknownDecision)
	}

	_, err := NextStatus(Role("loan_officer"), DecisionApproved)
	assert.ErrorIs(t, err, ErrUnknownRole)
}

func TestParse(t *testing.T) {
	role, err := ParseRole(" CSO ")
	require.NoError(t, err)
	assert.Equal(t, RoleCustomerServiceOfficer, role)

	_, err = ParseRole("teller")
	assert.ErrorIs(t, err, ErrUnknownRole)
}

func TestStatusOwnership(t *testing.T) {
	tests := []struct {
		status   Status
		owner    Role
		hasOwner bool
	}{
		{StatusBMReview, RoleBranchManager, true},
		{StatusBMReviewAmend, RoleBranchManager, true},
		{StatusCSOReview, RoleCustomerServiceOfficer, true},
		{StatusCSOReviewAmend, RoleCustomerServiceOfficer, true},
		{StatusCAReview, RoleCreditAnalyst, true},
		{StatusCAReviewAmend, RoleCreditAnalyst, true},
		{StatusSentBackByBM, "", false},
		{StatusSentBackByCA, "", false},
		{StatusApproved, "", false},
		{StatusRejected, "", false},
	}

	for _, tc := range tests {
		owner, ok := tc.status.Owner()
		assert.Equal(t, tc.hasOwner, ok, tc.status)
		assert.Equal(t, tc.owner, owner, tc.status)
	}

	assert.True(t, StatusApproved.Terminal())
	assert.True(t, StatusRejected.Terminal())
	assert.False(t, StatusCAReview.Terminal())
	assert.True(t, StatusSentBackByCSO.SentBack())
	assert.Equal(t, StatusCAReview, StatusCAReviewAmend.Base())
}

func TestRoleEarlier(t *testing.T) {
	assert.Empty(t, RoleBranchManager.Earlier())
	assert.Equal(t, []Role{RoleBranchManager}, RoleCustomerServiceOfficer.Earlier())
	assert.Equal(t, []Role{RoleCustomerServiceOfficer, RoleBranchManager}, RoleCreditAnalyst.Earlier())
}
