package repository

import (
	"context"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/bansos-api/internal/models"
)

const recipientColumns = `r.id, r.program_id, r.individual_id, r.enrolled_at, r.status, r.benefit_amount, r.remark, r.documents,
        r.verified_by, r.verified_at, r.distributed_by, r.distributed_at, r.distribution_proof, r.created_by, r.created_at, r.updated_at`

const recipientDetailSelect = `SELECT ` + recipientColumns + `,
        p.name AS program_name, p.category AS program_category, i.full_name AS individual_name, i.nik AS individual_nik
        FROM recipients r
        JOIN programs p ON p.id = r.program_id
        LEFT JOIN individuals i ON i.id = r.individual_id`

// RecipientRepository serves read paths for recipients. Writes go through AllocationStore.
type RecipientRepository struct {
	db *sqlx.DB
}

// NewRecipientRepository constructs the repository.
func NewRecipientRepository(db *sqlx.DB) *RecipientRepository {
	return &RecipientRepository{db: db}
}

// FindByID returns a recipient by its ID.
func (r *RecipientRepository) FindByID(ctx context.Context, id string) (*models.Recipient, error) {
	query := `SELECT ` + recipientColumns + ` FROM recipients r WHERE r.id = $1`
	var recipient models.Recipient
	if err := r.db.GetContext(ctx, &recipient, query, id); err != nil {
		return nil, err
	}
	return &recipient, nil
}

// FindDetailByID returns a recipient with program and individual display fields.
func (r *RecipientRepository) FindDetailByID(ctx context.Context, id string) (*models.RecipientDetail, error) {
	var detail models.RecipientDetail
	if err := r.db.GetContext(ctx, &detail, recipientDetailSelect+` WHERE r.id = $1`, id); err != nil {
		return nil, err
	}
	return &detail, nil
}

// List returns recipients filtered by the provided criteria.
func (r *RecipientRepository) List(ctx context.Context, filter models.RecipientFilter) ([]models.RecipientDetail, int, error) {
	var conditions []string
	var args []interface{}

	if filter.ProgramID != "" {
		conditions = append(conditions, fmt.Sprintf("r.program_id = $%d", len(args)+1))
		args = append(args, filter.ProgramID)
	}
	if filter.IndividualID != "" {
		conditions = append(conditions, fmt.Sprintf("r.individual_id = $%d", len(args)+1))
		args = append(args, filter.IndividualID)
	}
	if filter.Status != "" {
		conditions = append(conditions, fmt.Sprintf("r.status = $%d", len(args)+1))
		args = append(args, filter.Status)
	}

	clause := ""
	if len(conditions) > 0 {
		clause = " WHERE " + strings.Join(conditions, " AND ")
	}

	allowedSorts := map[string]string{
		"enrolled_at":     "r.enrolled_at",
		"distributed_at":  "r.distributed_at",
		"individual_name": "i.full_name",
		"program_name":    "p.name",
	}
	orderBy := allowedSorts[filter.SortBy]
	if orderBy == "" {
		orderBy = "r.enrolled_at"
	}
	order := strings.ToUpper(filter.SortOrder)
	if order != "ASC" && order != "DESC" {
		order = "DESC"
	}
	page, size := normalizePage(filter.Page, filter.PageSize)
	offset := (page - 1) * size

	query := fmt.Sprintf(`%s%s ORDER BY %s %s, r.id ASC LIMIT %d OFFSET %d`, recipientDetailSelect, clause, orderBy, order, size, offset)

	var recipients []models.RecipientDetail
	if err := r.db.SelectContext(ctx, &recipients, query, args...); err != nil {
		return nil, 0, fmt.Errorf("list recipients: %w", err)
	}

	var total int
	if err := r.db.GetContext(ctx, &total, "SELECT COUNT(*) FROM recipients r"+clause, args...); err != nil {
		return nil, 0, fmt.Errorf("count recipients: %w", err)
	}
	return recipients, total, nil
}

// ListByIndividual returns one keyset page of an individual's enrollments.
func (r *RecipientRepository) ListByIndividual(ctx context.Context, individualID string, after *models.RecipientCursor, limit int) ([]models.RecipientDetail, error) {
	return r.scan(ctx, "r.individual_id", individualID, after, limit)
}

// ListByProgram returns one keyset page of a program's enrollments.
func (r *RecipientRepository) ListByProgram(ctx context.Context, programID string, after *models.RecipientCursor, limit int) ([]models.RecipientDetail, error) {
	return r.scan(ctx, "r.program_id", programID, after, limit)
}

func (r *RecipientRepository) scan(ctx context.Context, column, value string, after *models.RecipientCursor, limit int) ([]models.RecipientDetail, error) {
	args := []interface{}{value}
	query := recipientDetailSelect + fmt.Sprintf(" WHERE %s = $1", column)
	if after != nil {
		args = append(args, after.EnrolledAt, after.ID)
		query += " AND (r.enrolled_at, r.id) > ($2, $3)"
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY r.enrolled_at ASC, r.id ASC LIMIT $%d", len(args))

	var recipients []models.RecipientDetail
	if err := r.db.SelectContext(ctx, &recipients, query, args...); err != nil {
		return nil, fmt.Errorf("scan recipients by %s: %w", column, err)
	}
	return recipients, nil
}
