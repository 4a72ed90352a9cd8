package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-lo-verification/internal/repository"
	"github.com/pesio-ai/be-lo-verification/internal/workflow"
)

func TestBuildTrail_BookingAndOneReview(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seed("app-1", workflow.StatusBMReview)

	_, err := f.controller.Submit(ctx, "app-1", bmSession, completeDraft(workflow.DecisionApproved, 40000))
	require.NoError(t, err)

	trail, err := f.controller.BuildTrail(ctx, "app-1", csoSession)
	require.NoError(t, err)
	require.Len(t, trail, 2)

	assert.Equal(t, ActionLoanBooked, trail[0].Action)
	assert.Equal(t, "Peter Otieno", trail[0].ActorName)
	assert.Equal(t, bookedAt, trail[0].Timestamp)

	assert.Equal(t, "Branch Manager Review", trail[1].Action)
	assert.Equal(t, "Branch Manager", trail[1].Role)
	assert.Equal(t, "Grace Wanjiru", trail[1].ActorName)
	assert.Equal(t, workflow.DecisionApproved, trail[1].Decision)
	assert.Equal(t, "recommend", trail[1].Comment)
	assert.True(t, trail[0].Timestamp.Before(trail[1].Timestamp))
}

func TestBuildTrail_Disbursed(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seed("app-1", workflow.StatusBMReview)

	_, err := f.controller.Submit(ctx, "app-1", bmSession, completeDraft(workflow.DecisionApproved, 40000))
	require.NoError(t, err)
	_, err = f.controller.Submit(ctx, "app-1", csoSession, completeDraft(workflow.DecisionApproved, 40000))
	require.NoError(t, err)
	_, err = f.controller.Submit(ctx, "app-1", caSession, completeDraft(workflow.DecisionApproved, 40000))
	require.NoError(t, err)

	stored, err := f.store.GetByID(ctx, "app-1", tenantID)
	require.NoError(t, err)
	disbursed := f.clock.Now().Add(time.Hour)
	by := "Finance Desk"
	stored.DisbursedAt = &disbursed
	stored.DisbursedByName = &by
	f.store.PutApplication(stored)

	trail, err := f.controller.BuildTrail(ctx, "app-1", caSession)
	require.NoError(t, err)
	require.Len(t, trail, 5)

	actions := make([]string, len(trail))
	for i, e := range trail {
		actions[i] = e.Action
	}
	assert.Equal(t, []string{
		ActionLoanBooked,
		"Branch Manager Review",
		"Customer Service Officer Review",
		"Credit Analyst Review",
		ActionFundsDisbursed,
	}, actions)
	assert.Equal(t, "Finance Desk", trail[4].ActorName)
}

func TestBuildEntries_StableOnTies(t *testing.T) {
	app := &repository.Application{ID: "app-1", BookedBy: "u-officer", BookedAt: bookedAt}
	same := bookedAt.Add(time.Hour)
	records := []*repository.VerificationRecord{
		{Role: workflow.RoleBranchManager, VerifiedBy: "u-bm", VerifiedAt: same},
		{Role: workflow.RoleCustomerServiceOfficer, VerifiedBy: "u-cso", VerifiedAt: same},
	}

	trail := buildEntries(app, records)
	require.Len(t, trail, 3)
	assert.Equal(t, "u-officer", trail[0].ActorName)
	assert.Equal(t, "u-bm", trail[1].ActorName)
	assert.Equal(t, "u-cso", trail[2].ActorName)
}

func TestBuildTrail_NotFound(t *testing.T) {
	f := newFixture(t)
	_, err := f.controller.BuildTrail(context.Background(), "missing", bmSession)
	assert.Error(t, err)
}
