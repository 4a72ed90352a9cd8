package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/pesio-ai/be-lo-verification/internal/database"
	"github.com/pesio-ai/be-lo-verification/internal/errors"
	"github.com/pesio-ai/be-lo-verification/internal/workflow"
)

// ApplicationRepository reads loan applications. Applications are created by
// origination and disbursed by the payment gateway; this service only moves
// their status.
type ApplicationRepository struct {
	db *database.DB
}

// NewApplicationRepository creates a new ApplicationRepository.
func NewApplicationRepository(db *database.DB) *ApplicationRepository {
	return &ApplicationRepository{db: db}
}

const applicationColumns = `
	id, tenant_id, branch_id, customer_name, prequalified_amount::text,
	status, form_status, guarantor_count,
	booked_by, booked_by_name, booked_at,
	disbursed_at, disbursed_by_name, updated_at
`

// GetByID retrieves an application scoped to its tenant.
func (r *ApplicationRepository) GetByID(ctx context.Context, id, tenantID string) (*Application, error) {
	query := `SELECT ` + applicationColumns + `
		FROM applications
		WHERE id = $1 AND tenant_id = $2
	`

	app, err := scanApplication(r.db.QueryRow(ctx, query, id, tenantID))
	if err == pgx.ErrNoRows {
		return nil, errors.Wrap(ErrNotFound, errors.ErrCodeNotFound, fmt.Sprintf("application %s", id))
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get application")
	}
	return app, nil
}

// ListByStatuses returns the tenant's applications in any of statuses, oldest
// booking first. branchID narrows the result when non-nil.
func (r *ApplicationRepository) ListByStatuses(ctx context.Context, tenantID string, statuses []workflow.Status, branchID *string) ([]*Application, error) {
	names := make([]string, len(statuses))
	for i, s := range statuses {
		names[i] = string(s)
	}

	query := `SELECT ` + applicationColumns + `
		FROM applications
		WHERE tenant_id = $1
		  AND status = ANY($2)
		  AND ($3::text IS NULL OR branch_id = $3)
		ORDER BY booked_at ASC
	`

	rows, err := r.db.Query(ctx, query, tenantID, names, branchID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list applications")
	}
	defer rows.Close()

	apps := make([]*Application, 0)
	for rows.Next() {
		app, err := scanApplication(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan application")
		}
		apps = append(apps, app)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list applications")
	}
	return apps, nil
}

// CompareAndSetStatus moves an application from one status to another only if
// it is still in from. It reports whether the row changed.
func (r *ApplicationRepository) CompareAndSetStatus(ctx context.Context, id, tenantID string, from, to workflow.Status) (bool, error) {
	query := `
		UPDATE applications
		SET status      = $4,
		    form_status = $5,
		    updated_at  = NOW()
		WHERE id = $1 AND tenant_id = $2 AND status = $3
	`

	tag, err := r.db.Exec(ctx, query, id, tenantID, string(from), string(to), FormStatusFor(to))
	if err != nil {
		return false, errors.Wrap(err, errors.ErrCodeInternal, "failed to update application status")
	}
	return tag.RowsAffected() == 1, nil
}

// ── scan helper ───────────────────────────────────────────────────────────────

type applicationScanner interface {
	Scan(dest ...any) error
}

func scanApplication(row applicationScanner) (*Application, error) {
	app := &Application{}
	var amount, status string
	err := row.Scan(
		&app.ID,
		&app.TenantID,
		&app.BranchID,
		&app.CustomerName,
		&amount,
		&status,
		&app.FormStatus,
		&app.GuarantorCount,
		&app.BookedBy,
		&app.BookedByName,
		&app.BookedAt,
		&app.DisbursedAt,
		&app.DisbursedByName,
		&app.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	app.Status = workflow.Status(status)
	if app.PrequalifiedAmount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("prequalified_amount %q: %w", amount, err)
	}
	return app, nil
}
