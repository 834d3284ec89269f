package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/bansos-api/internal/models"
)

const programColumns = `id, name, category, benefit_type, description, validity_start, validity_end, status, quota,
        benefit_value, eligibility_criteria, required_documents, created_by, updated_by, created_at, updated_at`

// ProgramRepository handles persistence of assistance programs.
type ProgramRepository struct {
	db *sqlx.DB
}

// NewProgramRepository constructs the repository.
func NewProgramRepository(db *sqlx.DB) *ProgramRepository {
	return &ProgramRepository{db: db}
}

// FindByID returns a program by its ID.
func (r *ProgramRepository) FindByID(ctx context.Context, id string) (*models.Program, error) {
	query := `SELECT ` + programColumns + ` FROM programs WHERE id = $1`
	var program models.Program
	if err := r.db.GetContext(ctx, &program, query, id); err != nil {
		return nil, err
	}
	return &program, nil
}

// List returns programs filtered by the provided criteria.
func (r *ProgramRepository) List(ctx context.Context, filter models.ProgramFilter) ([]models.Program, int, error) {
	var conditions []string
	var args []interface{}

	if filter.Status != "" {
		conditions = append(conditions, fmt.Sprintf("status = $%d", len(args)+1))
		args = append(args, filter.Status)
	}
	if filter.Category != "" {
		conditions = append(conditions, fmt.Sprintf("category = $%d", len(args)+1))
		args = append(args, filter.Category)
	}
	if filter.Search != "" {
		conditions = append(conditions, fmt.Sprintf("(name ILIKE $%d OR description ILIKE $%d)", len(args)+1, len(args)+1))
		args = append(args, "%"+filter.Search+"%")
	}

	clause := ""
	if len(conditions) > 0 {
		clause = " WHERE " + strings.Join(conditions, " AND ")
	}

	allowedSorts := map[string]string{
		"name":           "name",
		"validity_start": "validity_start",
		"validity_end":   "validity_end",
		"created_at":     "created_at",
	}
	orderBy := allowedSorts[filter.SortBy]
	if orderBy == "" {
		orderBy = "created_at"
	}
	order := strings.ToUpper(filter.SortOrder)
	if order != "ASC" && order != "DESC" {
		order = "DESC"
	}
	page, size := normalizePage(filter.Page, filter.PageSize)
	offset := (page - 1) * size

	query := fmt.Sprintf(`SELECT %s FROM programs%s ORDER BY %s %s, id ASC LIMIT %d OFFSET %d`, programColumns, clause, orderBy, order, size, offset)

	var programs []models.Program
	if err := r.db.SelectContext(ctx, &programs, query, args...); err != nil {
		return nil, 0, fmt.Errorf("list programs: %w", err)
	}

	var total int
	if err := r.db.GetContext(ctx, &total, "SELECT COUNT(*) FROM programs"+clause, args...); err != nil {
		return nil, 0, fmt.Errorf("count programs: %w", err)
	}
	return programs, total, nil
}

// ListOpen returns up to limit programs open at now, ordered by ID, starting after afterID.
func (r *ProgramRepository) ListOpen(ctx context.Context, now time.Time, afterID string, limit int) ([]models.Program, error) {
	args := []interface{}{models.ProgramStatusActive, now}
	query := `SELECT ` + programColumns + ` FROM programs WHERE status = $1 AND validity_start <= $2 AND validity_end >= $2`
	if afterID != "" {
		args = append(args, afterID)
		query += fmt.Sprintf(" AND id > $%d", len(args))
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY id ASC LIMIT $%d", len(args))

	var programs []models.Program
	if err := r.db.SelectContext(ctx, &programs, query, args...); err != nil {
		return nil, fmt.Errorf("list open programs: %w", err)
	}
	return programs, nil
}

// Create persists a new program.
func (r *ProgramRepository) Create(ctx context.Context, program *models.Program) error {
	if program.ID == "" {
		program.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if program.CreatedAt.IsZero() {
		program.CreatedAt = now
	}
	program.UpdatedAt = program.CreatedAt
	if program.Status == "" {
		program.Status = models.ProgramStatusActive
	}
	const query = `INSERT INTO programs (id, name, category, benefit_type, description, validity_start, validity_end, status, quota,
        benefit_value, eligibility_criteria, required_documents, created_by, updated_by, created_at, updated_at)
        VALUES (:id, :name, :category, :benefit_type, :description, :validity_start, :validity_end, :status, :quota,
        :benefit_value, :eligibility_criteria, :required_documents, :created_by, :updated_by, :created_at, :updated_at)`
	if _, err := r.db.NamedExecContext(ctx, query, program); err != nil {
		return fmt.Errorf("create program: %w", err)
	}
	return nil
}

// MarkCompleted persists lazy completion. The guard keeps the write idempotent
// and prevents resurrecting a program an administrator changed meanwhile.
func (r *ProgramRepository) MarkCompleted(ctx context.Context, id string, now time.Time) (bool, error) {
	const query = `UPDATE programs SET status = $2, updated_at = $3 WHERE id = $1 AND status <> $2 AND validity_end < $3`
	res, err := r.db.ExecContext(ctx, query, id, models.ProgramStatusCompleted, now)
	if err != nil {
		return false, fmt.Errorf("complete program: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("complete program rows: %w", err)
	}
	return affected > 0, nil
}

// CountHoldingSlots counts recipients consuming quota for a program.
func (r *ProgramRepository) CountHoldingSlots(ctx context.Context, programID string) (int, error) {
	var count int
	if err := r.db.GetContext(ctx, &count, countHoldingSlotsQuery, programID, models.RecipientStatusQualified, models.RecipientStatusDistributed); err != nil {
		return 0, fmt.Errorf("count program recipients: %w", err)
	}
	return count, nil
}

const countHoldingSlotsQuery = `SELECT COUNT(*) FROM recipients WHERE program_id = $1 AND status IN ($2, $3)`

func normalizePage(page, size int) (int, int) {
	if page < 1 {
		page = 1
	}
	if size <= 0 || size > 100 {
		size = 20
	}
	return page, size
}
