package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/noah-isme/bansos-api/internal/models"
)

// Sentinel errors surfaced by AllocationStore.
var (
	// ErrDuplicateRecipient signals the partial unique index on live (program, individual) pairs fired.
	ErrDuplicateRecipient = errors.New("recipient already active for program")
	// ErrTxConflict signals that transient conflicts persisted past the retry budget.
	ErrTxConflict = errors.New("allocation transaction conflict")
)

const activeRecipientIndex = "uq_recipients_program_individual_active"

// postgres SQLSTATE codes treated as transient
const (
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
	codeLockNotAvailable     = "55P03"
	codeUniqueViolation      = "23505"
)

// AllocationTx is the unit of work handed to allocation callbacks. Every
// method runs inside the transaction holding the caller's row lock.
type AllocationTx interface {
	CountHoldingSlots(ctx context.Context, programID string) (int, error)
	ActiveRecipientExists(ctx context.Context, programID, individualID string) (bool, error)
	InsertRecipient(ctx context.Context, recipient *models.Recipient) error
	LockRecipient(ctx context.Context, id string) (*models.Recipient, error)
	UpdateRecipient(ctx context.Context, recipient *models.Recipient) error
	CompleteProgram(ctx context.Context, programID string, at time.Time) error
	UpdateProgram(ctx context.Context, program *models.Program) error
	FindProgram(ctx context.Context, id string) (*models.Program, error)
}

// AllocationStoreConfig tunes retries and lock waits.
type AllocationStoreConfig struct {
	MaxAttempts  int
	RetryBackoff time.Duration
	LockTimeout  time.Duration
	// OnRetry, when set, observes every retried attempt.
	OnRetry func(scope string, attempt int, err error)
}

// AllocationStore serializes quota-affecting writes on the program row.
type AllocationStore struct {
	db  *sqlx.DB
	cfg AllocationStoreConfig
}

// NewAllocationStore constructs the store.
func NewAllocationStore(db *sqlx.DB, cfg AllocationStoreConfig) *AllocationStore {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 25 * time.Millisecond
	}
	return &AllocationStore{db: db, cfg: cfg}
}

// WithinProgram locks the program row and runs fn in the same transaction.
// fn returning nil commits; any error rolls everything back. A missing
// program yields sql.ErrNoRows.
func (s *AllocationStore) WithinProgram(ctx context.Context, programID string, fn func(tx AllocationTx, program *models.Program) error) error {
	return s.run(ctx, "program", func(tx *sqlx.Tx) error {
		query := `SELECT ` + programColumns + ` FROM programs WHERE id = $1 FOR UPDATE`
		var program models.Program
		if err := tx.GetContext(ctx, &program, query, programID); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return err
			}
			return fmt.Errorf("lock program: %w", err)
		}
		return fn(&allocationTx{tx: tx}, &program)
	})
}

// WithinRecipient locks only the recipient row. It suits transitions that do
// not change how many slots a program has in use.
func (s *AllocationStore) WithinRecipient(ctx context.Context, recipientID string, fn func(tx AllocationTx, recipient *models.Recipient) error) error {
	return s.run(ctx, "recipient", func(tx *sqlx.Tx) error {
		atx := &allocationTx{tx: tx}
		recipient, err := atx.LockRecipient(ctx, recipientID)
		if err != nil {
			return err
		}
		return fn(atx, recipient)
	})
}

func (s *AllocationStore) run(ctx context.Context, scope string, fn func(tx *sqlx.Tx) error) error {
	for attempt := 1; ; attempt++ {
		err := s.runOnce(ctx, fn)
		if err == nil {
			return nil
		}
		if !IsRetryable(err) {
			return err
		}
		if attempt >= s.cfg.MaxAttempts {
			return fmt.Errorf("%w: %s scope gave up after %d attempts: %v", ErrTxConflict, scope, attempt, err)
		}
		if s.cfg.OnRetry != nil {
			s.cfg.OnRetry(scope, attempt, err)
		}
		timer := time.NewTimer(s.cfg.RetryBackoff * time.Duration(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (s *AllocationStore) runOnce(ctx context.Context, fn func(tx *sqlx.Tx) error) (err error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin allocation transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if s.cfg.LockTimeout > 0 {
		// SET does not take bind parameters; the value is an integer we format ourselves.
		stmt := fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", s.cfg.LockTimeout.Milliseconds())
		if _, err = tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("set lock timeout: %w", err)
		}
	}

	if err = fn(tx); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit allocation transaction: %w", err)
	}
	return nil
}

// IsRetryable reports whether err is a transient conflict worth retrying.
func IsRetryable(err error) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	switch string(pqErr.Code) {
	case codeSerializationFailure, codeDeadlockDetected, codeLockNotAvailable:
		return true
	}
	return false
}

type allocationTx struct {
	tx *sqlx.Tx
}

func (a *allocationTx) CountHoldingSlots(ctx context.Context, programID string) (int, error) {
	var count int
	if err := a.tx.GetContext(ctx, &count, countHoldingSlotsQuery, programID, models.RecipientStatusQualified, models.RecipientStatusDistributed); err != nil {
		return 0, fmt.Errorf("count holding slots: %w", err)
	}
	return count, nil
}

func (a *allocationTx) ActiveRecipientExists(ctx context.Context, programID, individualID string) (bool, error) {
	const query = `SELECT EXISTS (SELECT 1 FROM recipients WHERE program_id = $1 AND individual_id = $2 AND status <> $3)`
	var exists bool
	if err := a.tx.GetContext(ctx, &exists, query, programID, individualID, models.RecipientStatusRejected); err != nil {
		return false, fmt.Errorf("check active recipient: %w", err)
	}
	return exists, nil
}

func (a *allocationTx) InsertRecipient(ctx context.Context, recipient *models.Recipient) error {
	if recipient.ID == "" {
		recipient.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if recipient.EnrolledAt.IsZero() {
		recipient.EnrolledAt = now
	}
	recipient.CreatedAt = now
	recipient.UpdatedAt = now
	if recipient.Status == "" {
		recipient.Status = models.RecipientStatusQualified
	}
	const query = `INSERT INTO recipients (id, program_id, individual_id, enrolled_at, status, benefit_amount, remark, documents,
        verified_by, verified_at, distributed_by, distributed_at, distribution_proof, created_by, created_at, updated_at)
        VALUES (:id, :program_id, :individual_id, :enrolled_at, :status, :benefit_amount, :remark, :documents,
        :verified_by, :verified_at, :distributed_by, :distributed_at, :distribution_proof, :created_by, :created_at, :updated_at)`
	if _, err := a.tx.NamedExecContext(ctx, query, recipient); err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && string(pqErr.Code) == codeUniqueViolation && pqErr.Constraint == activeRecipientIndex {
			return ErrDuplicateRecipient
		}
		return fmt.Errorf("insert recipient: %w", err)
	}
	return nil
}

func (a *allocationTx) LockRecipient(ctx context.Context, id string) (*models.Recipient, error) {
	query := `SELECT ` + recipientColumns + ` FROM recipients r WHERE r.id = $1 FOR UPDATE`
	var recipient models.Recipient
	if err := a.tx.GetContext(ctx, &recipient, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("lock recipient: %w", err)
	}
	return &recipient, nil
}

func (a *allocationTx) UpdateRecipient(ctx context.Context, recipient *models.Recipient) error {
	recipient.UpdatedAt = time.Now().UTC()
	const query = `UPDATE recipients SET status = :status, benefit_amount = :benefit_amount, remark = :remark,
        verified_by = :verified_by, verified_at = :verified_at, distributed_by = :distributed_by,
        distributed_at = :distributed_at, distribution_proof = :distribution_proof, updated_at = :updated_at
        WHERE id = :id`
	if _, err := a.tx.NamedExecContext(ctx, query, recipient); err != nil {
		return fmt.Errorf("update recipient: %w", err)
	}
	return nil
}

func (a *allocationTx) CompleteProgram(ctx context.Context, programID string, at time.Time) error {
	const query = `UPDATE programs SET status = $2, updated_at = $3 WHERE id = $1 AND status <> $2`
	if _, err := a.tx.ExecContext(ctx, query, programID, models.ProgramStatusCompleted, at); err != nil {
		return fmt.Errorf("complete program: %w", err)
	}
	return nil
}

func (a *allocationTx) UpdateProgram(ctx context.Context, program *models.Program) error {
	program.UpdatedAt = time.Now().UTC()
	const query = `UPDATE programs SET name = :name, category = :category, benefit_type = :benefit_type, description = :description,
        validity_start = :validity_start, validity_end = :validity_end, status = :status, quota = :quota,
        benefit_value = :benefit_value, eligibility_criteria = :eligibility_criteria, required_documents = :required_documents,
        updated_by = :updated_by, updated_at = :updated_at
        WHERE id = :id`
	if _, err := a.tx.NamedExecContext(ctx, query, program); err != nil {
		return fmt.Errorf("update program: %w", err)
	}
	return nil
}

func (a *allocationTx) FindProgram(ctx context.Context, id string) (*models.Program, error) {
	query := `SELECT ` + programColumns + ` FROM programs WHERE id = $1`
	var program models.Program
	if err := a.tx.GetContext(ctx, &program, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("find program: %w", err)
	}
	return &program, nil
}
