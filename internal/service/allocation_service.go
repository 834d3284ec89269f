package service

import (
	"context"
	"database/sql"
	"errors"
	"iter"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/noah-isme/bansos-api/internal/models"
	"github.com/noah-isme/bansos-api/internal/repository"
	appErrors "github.com/noah-isme/bansos-api/pkg/errors"
	"github.com/noah-isme/bansos-api/pkg/logger"
)

// Operation names used in logs and metrics.
const (
	OperationEnroll     = "enroll"
	OperationVerify     = "verify"
	OperationDistribute = "distribute"
	OperationReject     = "reject"
)

type allocationStore interface {
	WithinProgram(ctx context.Context, programID string, fn func(tx repository.AllocationTx, program *models.Program) error) error
	WithinRecipient(ctx context.Context, recipientID string, fn func(tx repository.AllocationTx, recipient *models.Recipient) error) error
}

type recipientRepository interface {
	FindByID(ctx context.Context, id string) (*models.Recipient, error)
	FindDetailByID(ctx context.Context, id string) (*models.RecipientDetail, error)
	List(ctx context.Context, filter models.RecipientFilter) ([]models.RecipientDetail, int, error)
	ListByIndividual(ctx context.Context, individualID string, after *models.RecipientCursor, limit int) ([]models.RecipientDetail, error)
	ListByProgram(ctx context.Context, programID string, after *models.RecipientCursor, limit int) ([]models.RecipientDetail, error)
}

type programReader interface {
	FindByID(ctx context.Context, id string) (*models.Program, error)
}

type recipientNotifier interface {
	Notify(ctx context.Context, event models.RecipientEvent)
}

type allocationMetrics interface {
	ObserveAllocation(operation, code string, duration time.Duration)
}

// EnrollRequest describes an enrollment of an individual into a program.
type EnrollRequest struct {
	ProgramID    string         `json:"program_id" validate:"required,uuid"`
	IndividualID string         `json:"individual_id" validate:"required,max=64"`
	Remark       string         `json:"remark" validate:"max=1000"`
	Documents    types.JSONText `json:"documents" swaggertype:"object"`
}

// VerifyRequest records a verifier decision.
type VerifyRequest struct {
	Outcome models.VerificationOutcome `json:"outcome" validate:"required,oneof=confirm reject"`
	Remark  string                     `json:"remark" validate:"max=1000"`
}

// DistributeRequest records a benefit hand-over. BenefitAmount overrides the
// program's benefit value when set.
type DistributeRequest struct {
	ProofReference string           `json:"proof_reference" validate:"max=500"`
	BenefitAmount  *decimal.Decimal `json:"benefit_amount" swaggertype:"string"`
}

// RejectRequest records a rejection remark.
type RejectRequest struct {
	Remark string `json:"remark" validate:"max=1000"`
}

// AllocationServiceConfig tunes the engine.
type AllocationServiceConfig struct {
	PageSize int
	Now      func() time.Time
}

// AllocationService drives the recipient lifecycle: enrollment against
// program capacity, verification, distribution and rejection.
type AllocationService struct {
	store      allocationStore
	recipients recipientRepository
	programs   programReader
	notifier   recipientNotifier
	metrics    allocationMetrics
	validator  *validator.Validate
	logger     *zap.Logger
	pageSize   int
	now        func() time.Time
}

// NewAllocationService constructs AllocationService. notifier and metrics may be nil.
func NewAllocationService(store allocationStore, recipients recipientRepository, programs programReader, notifier recipientNotifier, metrics allocationMetrics, validate *validator.Validate, logger *zap.Logger, cfg AllocationServiceConfig) *AllocationService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 100
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &AllocationService{
		store:      store,
		recipients: recipients,
		programs:   programs,
		notifier:   notifier,
		metrics:    metrics,
		validator:  validate,
		logger:     logger,
		pageSize:   cfg.PageSize,
		now:        cfg.Now,
	}
}

// Enroll admits an individual into a program, reserving one unit of capacity.
// Concurrent callers racing for the last slot are serialized on the program
// row; losers observe the committed count and fail with QuotaExceeded.
func (s *AllocationService) Enroll(ctx context.Context, req EnrollRequest, actor models.Actor) (*models.Recipient, error) {
	start := time.Now()
	recipient, err := s.enroll(ctx, req, actor)
	s.observe(ctx, OperationEnroll, start, err, zap.String("program_id", req.ProgramID), zap.String("individual_id", req.IndividualID))
	return recipient, err
}

func (s *AllocationService) enroll(ctx context.Context, req EnrollRequest, actor models.Actor) (*models.Recipient, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid enrollment payload")
	}
	if err := requireActor(actor); err != nil {
		return nil, err
	}
	if req.Documents != nil {
		if err := req.Documents.Unmarshal(new(interface{})); err != nil {
			return nil, appErrors.WithDetails(appErrors.ErrValidation, "documents must be valid JSON", "program_id", req.ProgramID)
		}
	}

	now := s.now().UTC()
	var (
		created *models.Recipient
		refusal error
	)
	err := s.store.WithinProgram(ctx, req.ProgramID, func(tx repository.AllocationTx, program *models.Program) error {
		created, refusal = nil, nil
		if err := completeLocked(ctx, tx, program, now); err != nil {
			return err
		}
		// refusals still commit so the lazy completion above persists
		if !program.IsOpenAt(now) {
			refusal = appErrors.WithDetails(appErrors.ErrProgramNotOpen, "program is not open for enrollment",
				"program_id", program.ID, "status", program.Status,
				"validity_start", program.ValidityStart, "validity_end", program.ValidityEnd)
			return nil
		}
		exists, err := tx.ActiveRecipientExists(ctx, program.ID, req.IndividualID)
		if err != nil {
			return err
		}
		if exists {
			refusal = duplicateEnrollment(program.ID, req.IndividualID)
			return nil
		}
		used, err := tx.CountHoldingSlots(ctx, program.ID)
		if err != nil {
			return err
		}
		capacity := program.CapacityFor(used)
		if !capacity.HasRoom() {
			refusal = appErrors.WithDetails(appErrors.ErrQuotaExceeded, "program quota exhausted",
				"program_id", program.ID, "individual_id", req.IndividualID, "quota", *capacity.Quota, "remaining", 0)
			return nil
		}
		recipient := &models.Recipient{
			ProgramID:    program.ID,
			IndividualID: req.IndividualID,
			EnrolledAt:   now,
			Status:       models.RecipientStatusQualified,
			Remark:       req.Remark,
			Documents:    jsonOrEmpty(req.Documents, "[]"),
			CreatedBy:    actor.ID,
		}
		if err := tx.InsertRecipient(ctx, recipient); err != nil {
			return err
		}
		created = recipient
		return nil
	})
	if err != nil {
		if errors.Is(err, repository.ErrDuplicateRecipient) {
			return nil, duplicateEnrollment(req.ProgramID, req.IndividualID)
		}
		return nil, translateAllocationError(err, "program", req.ProgramID, "failed to enroll recipient")
	}
	if refusal != nil {
		return nil, refusal
	}
	return created, nil
}

// Verify records a verifier decision. Confirm keeps the recipient qualified;
// reject releases its capacity unit.
func (s *AllocationService) Verify(ctx context.Context, id string, req VerifyRequest, actor models.Actor) (*models.Recipient, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid verification payload")
	}
	if req.Outcome == models.VerificationReject {
		return s.Reject(ctx, id, RejectRequest{Remark: req.Remark}, actor)
	}
	start := time.Now()
	recipient, err := s.confirm(ctx, id, req.Remark, actor)
	s.observe(ctx, OperationVerify, start, err, zap.String("recipient_id", id))
	return recipient, err
}

func (s *AllocationService) confirm(ctx context.Context, id, remark string, actor models.Actor) (*models.Recipient, error) {
	if err := requireActor(actor); err != nil {
		return nil, err
	}
	if _, err := uuid.Parse(id); err != nil {
		return nil, recipientNotFound(id)
	}
	now := s.now().UTC()
	var (
		verified *models.Recipient
		refusal  error
	)
	err := s.store.WithinRecipient(ctx, id, func(tx repository.AllocationTx, recipient *models.Recipient) error {
		verified, refusal = nil, nil
		if recipient.Status != models.RecipientStatusQualified {
			refusal = invalidTransition(recipient, OperationVerify)
			return nil
		}
		recipient.VerifiedBy = &actor.ID
		recipient.VerifiedAt = &now
		if remark != "" {
			recipient.Remark = remark
		}
		if err := tx.UpdateRecipient(ctx, recipient); err != nil {
			return err
		}
		verified = recipient
		return nil
	})
	if err != nil {
		return nil, translateAllocationError(err, "recipient", id, "failed to verify recipient")
	}
	if refusal != nil {
		return nil, refusal
	}
	return verified, nil
}

// Distribute hands the benefit over and moves the recipient to distributed.
func (s *AllocationService) Distribute(ctx context.Context, id string, req DistributeRequest, actor models.Actor) (*models.Recipient, error) {
	start := time.Now()
	recipient, err := s.distribute(ctx, id, req, actor)
	s.observe(ctx, OperationDistribute, start, err, zap.String("recipient_id", id))
	if err == nil {
		s.notify(ctx, models.RecipientEventDistributed, recipient, actor)
	}
	return recipient, err
}

func (s *AllocationService) distribute(ctx context.Context, id string, req DistributeRequest, actor models.Actor) (*models.Recipient, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid distribution payload")
	}
	if req.BenefitAmount != nil {
		if msg := checkAmount(*req.BenefitAmount); msg != "" {
			return nil, appErrors.WithDetails(appErrors.ErrValidation, "benefit_amount "+msg,
				"recipient_id", id, "benefit_amount", req.BenefitAmount.String())
		}
	}
	if err := requireActor(actor); err != nil {
		return nil, err
	}
	if _, err := uuid.Parse(id); err != nil {
		return nil, recipientNotFound(id)
	}
	now := s.now().UTC()
	var (
		distributed *models.Recipient
		refusal     error
	)
	err := s.store.WithinRecipient(ctx, id, func(tx repository.AllocationTx, recipient *models.Recipient) error {
		distributed, refusal = nil, nil
		if recipient.Status != models.RecipientStatusQualified {
			refusal = invalidTransition(recipient, OperationDistribute)
			return nil
		}
		amount := req.BenefitAmount
		if amount == nil {
			program, err := tx.FindProgram(ctx, recipient.ProgramID)
			if err != nil {
				return err
			}
			amount = &program.BenefitValue
		}
		recipient.Status = models.RecipientStatusDistributed
		recipient.BenefitAmount = decimal.NewNullDecimal(*amount)
		recipient.DistributedBy = &actor.ID
		recipient.DistributedAt = &now
		if proof := strings.TrimSpace(req.ProofReference); proof != "" {
			recipient.DistributionProof = &proof
		}
		if err := tx.UpdateRecipient(ctx, recipient); err != nil {
			return err
		}
		distributed = recipient
		return nil
	})
	if err != nil {
		return nil, translateAllocationError(err, "recipient", id, "failed to distribute benefit")
	}
	if refusal != nil {
		return nil, refusal
	}
	return distributed, nil
}

// Reject moves a qualified recipient to rejected, returning its capacity unit
// to the program. The program lock is taken before the recipient lock, the
// same order Enroll uses.
func (s *AllocationService) Reject(ctx context.Context, id string, req RejectRequest, actor models.Actor) (*models.Recipient, error) {
	start := time.Now()
	recipient, err := s.reject(ctx, id, req, actor)
	s.observe(ctx, OperationReject, start, err, zap.String("recipient_id", id))
	if err == nil {
		s.notify(ctx, models.RecipientEventRejected, recipient, actor)
	}
	return recipient, err
}

func (s *AllocationService) reject(ctx context.Context, id string, req RejectRequest, actor models.Actor) (*models.Recipient, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid rejection payload")
	}
	if err := requireActor(actor); err != nil {
		return nil, err
	}
	if _, err := uuid.Parse(id); err != nil {
		return nil, recipientNotFound(id)
	}
	// program_id never changes, so reading it outside the transaction is safe
	current, err := s.recipients.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, recipientNotFound(id)
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load recipient")
	}

	now := s.now().UTC()
	var (
		rejected *models.Recipient
		refusal  error
	)
	err = s.store.WithinProgram(ctx, current.ProgramID, func(tx repository.AllocationTx, _ *models.Program) error {
		rejected, refusal = nil, nil
		recipient, err := tx.LockRecipient(ctx, id)
		if err != nil {
			return err
		}
		if recipient.Status != models.RecipientStatusQualified {
			refusal = invalidTransition(recipient, OperationReject)
			return nil
		}
		recipient.Status = models.RecipientStatusRejected
		recipient.VerifiedBy = &actor.ID
		recipient.VerifiedAt = &now
		if req.Remark != "" {
			recipient.Remark = req.Remark
		}
		if err := tx.UpdateRecipient(ctx, recipient); err != nil {
			return err
		}
		rejected = recipient
		return nil
	})
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, recipientNotFound(id)
		}
		return nil, translateAllocationError(err, "recipient", id, "failed to reject recipient")
	}
	if refusal != nil {
		return nil, refusal
	}
	return rejected, nil
}

// Get returns a recipient with its display references.
func (s *AllocationService) Get(ctx context.Context, id string) (*models.RecipientDetail, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, recipientNotFound(id)
	}
	detail, err := s.recipients.FindDetailByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, recipientNotFound(id)
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load recipient")
	}
	return detail, nil
}

// List returns recipients with pagination metadata.
func (s *AllocationService) List(ctx context.Context, filter models.RecipientFilter) ([]models.RecipientDetail, *models.Pagination, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, nil, appErrors.WithDetails(appErrors.ErrValidation, "invalid status filter", "status", filter.Status)
	}
	recipients, total, err := s.recipients.List(ctx, filter)
	if err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list recipients")
	}
	page := filter.Page
	if page < 1 {
		page = 1
	}
	size := filter.PageSize
	if size <= 0 || size > 100 {
		size = 20
	}
	return recipients, &models.Pagination{Page: page, PageSize: size, TotalCount: total}, nil
}

// FindByIndividual yields every enrollment of an individual in enrollment order.
func (s *AllocationService) FindByIndividual(ctx context.Context, individualID string) iter.Seq2[models.RecipientDetail, error] {
	return s.scan(ctx, func(after *models.RecipientCursor) ([]models.RecipientDetail, error) {
		return s.recipients.ListByIndividual(ctx, individualID, after, s.pageSize)
	}, nil)
}

// FindByProgram yields every enrollment of a program in enrollment order. An
// unknown program yields a single NotFound error.
func (s *AllocationService) FindByProgram(ctx context.Context, programID string) iter.Seq2[models.RecipientDetail, error] {
	check := func() error {
		if _, err := uuid.Parse(programID); err != nil {
			return programNotFound(programID)
		}
		if _, err := s.programs.FindByID(ctx, programID); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return programNotFound(programID)
			}
			return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load program")
		}
		return nil
	}
	return s.scan(ctx, func(after *models.RecipientCursor) ([]models.RecipientDetail, error) {
		return s.recipients.ListByProgram(ctx, programID, after, s.pageSize)
	}, check)
}

func (s *AllocationService) scan(ctx context.Context, fetch func(after *models.RecipientCursor) ([]models.RecipientDetail, error), check func() error) iter.Seq2[models.RecipientDetail, error] {
	return func(yield func(models.RecipientDetail, error) bool) {
		if check != nil {
			if err := check(); err != nil {
				yield(models.RecipientDetail{}, err)
				return
			}
		}
		var after *models.RecipientCursor
		for {
			if err := ctx.Err(); err != nil {
				yield(models.RecipientDetail{}, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "recipient scan cancelled"))
				return
			}
			page, err := fetch(after)
			if err != nil {
				yield(models.RecipientDetail{}, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list recipients"))
				return
			}
			for _, detail := range page {
				if !yield(detail, nil) {
					return
				}
			}
			if len(page) < s.pageSize {
				return
			}
			last := page[len(page)-1]
			after = &models.RecipientCursor{EnrolledAt: last.EnrolledAt, ID: last.ID}
		}
	}
}

func (s *AllocationService) observe(ctx context.Context, operation string, start time.Time, err error, fields ...zap.Field) {
	duration := time.Since(start)
	code := ""
	log := logger.With(ctx, s.logger).With(fields...)
	if err != nil {
		appErr := appErrors.FromError(err)
		code = appErr.Code
		if appErr.Status >= 500 {
			log.Error("allocation operation failed", zap.String("operation", operation), zap.Error(err))
		} else {
			log.Debug("allocation operation refused", zap.String("operation", operation), zap.String("code", code), zap.Any("details", appErr.Details))
		}
	} else {
		log.Info("allocation operation committed", zap.String("operation", operation), zap.Duration("duration", duration))
	}
	if s.metrics != nil {
		s.metrics.ObserveAllocation(operation, code, duration)
	}
}

func (s *AllocationService) notify(ctx context.Context, eventType models.RecipientEventType, recipient *models.Recipient, actor models.Actor) {
	if s.notifier == nil || recipient == nil {
		return
	}
	s.notifier.Notify(ctx, models.RecipientEvent{
		ID:            uuid.NewString(),
		Type:          eventType,
		RecipientID:   recipient.ID,
		ProgramID:     recipient.ProgramID,
		IndividualID:  recipient.IndividualID,
		ActorID:       actor.ID,
		Status:        recipient.Status,
		BenefitAmount: recipient.BenefitAmount,
		Remark:        recipient.Remark,
		OccurredAt:    s.now().UTC(),
	})
}

func requireActor(actor models.Actor) error {
	if strings.TrimSpace(actor.ID) == "" {
		return appErrors.Clone(appErrors.ErrUnauthorized, "actor is required")
	}
	return nil
}

func translateAllocationError(err error, entity, id, message string) error {
	var appErr *appErrors.Error
	switch {
	case errors.As(err, &appErr):
		return appErr
	case errors.Is(err, sql.ErrNoRows):
		if entity == "program" {
			return programNotFound(id)
		}
		return recipientNotFound(id)
	case errors.Is(err, repository.ErrTxConflict):
		return appErrors.WithDetails(appErrors.ErrConflict, "concurrent update conflict, retry later", entity+"_id", id)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "operation cancelled before commit")
	}
	return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, message)
}

func recipientNotFound(id string) *appErrors.Error {
	return appErrors.WithDetails(appErrors.ErrNotFound, "recipient not found", "recipient_id", id)
}

func duplicateEnrollment(programID, individualID string) *appErrors.Error {
	return appErrors.WithDetails(appErrors.ErrDuplicateEnrollment, "individual already enrolled in program",
		"program_id", programID, "individual_id", individualID)
}

func invalidTransition(recipient *models.Recipient, operation string) *appErrors.Error {
	return appErrors.WithDetails(appErrors.ErrInvalidTransition, "recipient is not qualified",
		"recipient_id", recipient.ID, "program_id", recipient.ProgramID, "status", recipient.Status, "operation", operation)
}
