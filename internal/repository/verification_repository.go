package repository

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"

	"github.com/pesio-ai/be-lo-verification/internal/database"
	"github.com/pesio-ai/be-lo-verification/internal/errors"
	"github.com/pesio-ai/be-lo-verification/internal/workflow"
)

const pgUniqueViolation = "23505"

// VerificationRepository stores review drafts and finalized role reviews.
// Drafts are keyed by (application_id, role); finalized rows are append-only
// and keyed by (application_id, role, visit_number).
type VerificationRepository struct {
	db *database.DB
}

// NewVerificationRepository creates a new VerificationRepository.
func NewVerificationRepository(db *database.DB) *VerificationRepository {
	return &VerificationRepository{db: db}
}

// ── Drafts ────────────────────────────────────────────────────────────────────

// GetDraft returns the role's in-progress review, if any.
func (r *VerificationRepository) GetDraft(ctx context.Context, applicationID string, role workflow.Role) (*ReviewDraft, bool, error) {
	query := `
		SELECT application_id, role, step, payload, updated_by, updated_at
		FROM review_drafts
		WHERE application_id = $1 AND role = $2
	`

	draft := &ReviewDraft{}
	var roleName string
	var payload []byte
	err := r.db.QueryRow(ctx, query, applicationID, string(role)).Scan(
		&draft.ApplicationID,
		&roleName,
		&draft.Step,
		&payload,
		&draft.UpdatedBy,
		&draft.UpdatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrap(err, errors.ErrCodeInternal, "failed to get review draft")
	}
	draft.Role = workflow.Role(roleName)
	if err := json.Unmarshal(payload, &draft.ReviewFields); err != nil {
		return nil, false, errors.Wrap(err, errors.ErrCodeInternal, "failed to unmarshal review draft")
	}
	return draft, true, nil
}

// UpsertDraft creates or replaces the role's draft. The application row is
// share-locked so a draft cannot land after the stage has moved on.
func (r *VerificationRepository) UpsertDraft(ctx context.Context, tenantID string, draft *ReviewDraft) error {
	payload, err := json.Marshal(draft.ReviewFields)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal review draft")
	}

	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		status, err := lockApplication(ctx, tx, draft.ApplicationID, tenantID, "FOR SHARE")
		if err != nil {
			return err
		}
		if err := CheckWritable(status, draft.Role); err != nil {
			return err
		}

		query := `
			INSERT INTO review_drafts
			    (application_id, role, step, payload, updated_by, updated_at)
			VALUES ($1, $2, $3, $4, $5, NOW())
			ON CONFLICT (application_id, role) DO UPDATE
			SET step       = EXCLUDED.step,
			    payload    = EXCLUDED.payload,
			    updated_by = EXCLUDED.updated_by,
			    updated_at = NOW()
			RETURNING updated_at
		`

		err = tx.QueryRow(ctx, query,
			draft.ApplicationID,
			string(draft.Role),
			draft.Step,
			payload,
			draft.UpdatedBy,
		).Scan(&draft.UpdatedAt)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to upsert review draft")
		}
		return nil
	})
}

// DeleteDraft removes the role's draft. Deleting a missing draft is not an error.
func (r *VerificationRepository) DeleteDraft(ctx context.Context, applicationID string, role workflow.Role) error {
	query := `DELETE FROM review_drafts WHERE application_id = $1 AND role = $2`

	if _, err := r.db.Exec(ctx, query, applicationID, string(role)); err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to delete review draft")
	}
	return nil
}

// ── Finalize ──────────────────────────────────────────────────────────────────

// Finalize inserts the immutable record, clears the role's draft and advances
// the application in one transaction. The application row is locked FOR UPDATE
// so concurrent finalizers for one application run one after the other; the
// loser sees a status other than the one it expected.
func (r *VerificationRepository) Finalize(ctx context.Context, req FinalizeRequest) error {
	rec := req.Record

	guarantorsJSON, err := json.Marshal(rec.Guarantors)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal guarantor reviews")
	}

	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		current, err := lockApplication(ctx, tx, rec.ApplicationID, rec.TenantID, "FOR UPDATE")
		if err != nil {
			return err
		}
		if current != req.ExpectedStatus {
			if current.Terminal() {
				return errors.Wrap(ErrApplicationClosed, errors.ErrCodeConflict,
					fmt.Sprintf("application is %s", current))
			}
			return errors.Wrap(ErrDraftConflict, errors.ErrCodeConflict,
				fmt.Sprintf("application moved from '%s' to '%s'", req.ExpectedStatus, current))
		}

		visitQuery := `
			SELECT COALESCE(MAX(visit_number), 0) + 1
			FROM role_reviews
			WHERE application_id = $1 AND role = $2
		`
		if err := tx.QueryRow(ctx, visitQuery, rec.ApplicationID, string(rec.Role)).Scan(&rec.VisitNumber); err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to compute visit number")
		}

		insertQuery := `
			INSERT INTO role_reviews
			    (id, application_id, tenant_id, role, visit_number,
			     customer_id_verified, customer_phone_verified, customer_comment,
			     business_verified, business_comment,
			     guarantor_id_verified, guarantor_phone_verified, guarantor_comment, guarantor_reviews,
			     borrower_security_verified, borrower_security_comment,
			     guarantor_security_verified, guarantor_security_comment,
			     next_of_kin_verified, next_of_kin_comment,
			     document_verified, document_comment,
			     loan_scored_amount, loan_comment,
			     final_decision, overall_comment,
			     status_before, status_after,
			     verified_by, verified_by_name, verified_at)
			VALUES ($1, $2, $3, $4, $5,
			        $6, $7, $8,
			        $9, $10,
			        $11, $12, $13, $14,
			        $15, $16,
			        $17, $18,
			        $19, $20,
			        $21, $22,
			        $23::numeric, $24,
			        $25, $26,
			        $27, $28,
			        $29, $30, NOW())
			RETURNING verified_at
		`

		err = tx.QueryRow(ctx, insertQuery,
			rec.ID,
			rec.ApplicationID,
			rec.TenantID,
			string(rec.Role),
			rec.VisitNumber,
			rec.CustomerIDVerified,
			rec.CustomerPhoneVerified,
			rec.CustomerComment,
			rec.BusinessVerified,
			rec.BusinessComment,
			rec.GuarantorIDVerified,
			rec.GuarantorPhoneVerified,
			rec.GuarantorComment,
			guarantorsJSON,
			rec.BorrowerSecurityVerified,
			rec.BorrowerSecurityComment,
			rec.GuarantorSecurityVerified,
			rec.GuarantorSecurityComment,
			rec.NextOfKinVerified,
			rec.NextOfKinComment,
			rec.DocumentVerified,
			rec.DocumentComment,
			rec.LoanScoredAmount.String(),
			rec.LoanComment,
			string(rec.FinalDecision),
			rec.OverallComment,
			string(rec.StatusBefore),
			string(rec.StatusAfter),
			rec.VerifiedBy,
			rec.VerifiedByName,
		).Scan(&rec.VerifiedAt)
		if err != nil {
			var pgErr *pgconn.PgError
			if stderrors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
				return errors.Wrap(ErrDraftConflict, errors.ErrCodeConflict, "review visit already finalized")
			}
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to insert role review")
		}
		rec.VerifiedAt = rec.VerifiedAt.UTC()

		if _, err := tx.Exec(ctx,
			`DELETE FROM review_drafts WHERE application_id = $1 AND role = $2`,
			rec.ApplicationID, string(rec.Role),
		); err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to clear review draft")
		}

		// NOW() is fixed for the transaction, so updated_at equals verified_at.
		updateQuery := `
			UPDATE applications
			SET status      = $2,
			    form_status = $3,
			    updated_at  = NOW()
			WHERE id = $1
		`
		if _, err := tx.Exec(ctx, updateQuery, rec.ApplicationID, string(req.NextStatus), FormStatusFor(req.NextStatus)); err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to update application status")
		}
		return nil
	})
}

// ── Finalized reads ───────────────────────────────────────────────────────────

const recordColumns = `
	id, application_id, tenant_id, role, visit_number,
	customer_id_verified, customer_phone_verified, customer_comment,
	business_verified, business_comment,
	guarantor_id_verified, guarantor_phone_verified, guarantor_comment, guarantor_reviews,
	borrower_security_verified, borrower_security_comment,
	guarantor_security_verified, guarantor_security_comment,
	next_of_kin_verified, next_of_kin_comment,
	document_verified, document_comment,
	loan_scored_amount::text, loan_comment,
	final_decision, overall_comment,
	status_before, status_after,
	verified_by, verified_by_name, verified_at
`

// LatestFinalizedByRole returns the most recent finalized review by role.
func (r *VerificationRepository) LatestFinalizedByRole(ctx context.Context, applicationID string, role workflow.Role) (*VerificationRecord, bool, error) {
	query := `SELECT ` + recordColumns + `
		FROM role_reviews
		WHERE application_id = $1 AND role = $2
		ORDER BY verified_at DESC, visit_number DESC
		LIMIT 1
	`

	rec, err := scanRecord(r.db.QueryRow(ctx, query, applicationID, string(role)))
	if err == pgx.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrap(err, errors.ErrCodeInternal, "failed to get latest role review")
	}
	return rec, true, nil
}

// ListFinalized returns every finalized review for an application, oldest first.
func (r *VerificationRepository) ListFinalized(ctx context.Context, applicationID string) ([]*VerificationRecord, error) {
	query := `SELECT ` + recordColumns + `
		FROM role_reviews
		WHERE application_id = $1
		ORDER BY verified_at ASC, visit_number ASC
	`

	rows, err := r.db.Query(ctx, query, applicationID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list role reviews")
	}
	defer rows.Close()

	records := make([]*VerificationRecord, 0)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan role review")
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list role reviews")
	}
	return records, nil
}

// ── helpers ───────────────────────────────────────────────────────────────────

func lockApplication(ctx context.Context, tx pgx.Tx, applicationID, tenantID, lock string) (workflow.Status, error) {
	query := `SELECT status FROM applications WHERE id = $1 AND tenant_id = $2 ` + lock

	var status string
	err := tx.QueryRow(ctx, query, applicationID, tenantID).Scan(&status)
	if err == pgx.ErrNoRows {
		return "", errors.Wrap(ErrNotFound, errors.ErrCodeNotFound, fmt.Sprintf("application %s", applicationID))
	}
	if err != nil {
		return "", errors.Wrap(err, errors.ErrCodeInternal, "failed to lock application")
	}
	return workflow.Status(status), nil
}

type recordScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row recordScanner) (*VerificationRecord, error) {
	rec := &VerificationRecord{}
	var role, decision, before, after, amount string
	var guarantorsJSON []byte

	err := row.Scan(
		&rec.ID,
		&rec.ApplicationID,
		&rec.TenantID,
		&role,
		&rec.VisitNumber,
		&rec.CustomerIDVerified,
		&rec.CustomerPhoneVerified,
		&rec.CustomerComment,
		&rec.BusinessVerified,
		&rec.BusinessComment,
		&rec.GuarantorIDVerified,
		&rec.GuarantorPhoneVerified,
		&rec.GuarantorComment,
		&guarantorsJSON,
		&rec.BorrowerSecurityVerified,
		&rec.BorrowerSecurityComment,
		&rec.GuarantorSecurityVerified,
		&rec.GuarantorSecurityComment,
		&rec.NextOfKinVerified,
		&rec.NextOfKinComment,
		&rec.DocumentVerified,
		&rec.DocumentComment,
		&amount,
		&rec.LoanComment,
		&decision,
		&rec.OverallComment,
		&before,
		&after,
		&rec.VerifiedBy,
		&rec.VerifiedByName,
		&rec.VerifiedAt,
	)
	if err != nil {
		return nil, err
	}

	rec.Role = workflow.Role(role)
	rec.FinalDecision = workflow.Decision(decision)
	rec.StatusBefore = workflow.Status(before)
	rec.StatusAfter = workflow.Status(after)
	if rec.LoanScoredAmount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("loan_scored_amount %q: %w", amount, err)
	}
	if guarantorsJSON != nil {
		if err := json.Unmarshal(guarantorsJSON, &rec.Guarantors); err != nil {
			return nil, fmt.Errorf("guarantor_reviews: %w", err)
		}
	}
	return rec, nil
}
