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

type programRepository interface {
	FindByID(ctx context.Context, id string) (*models.Program, error)
	List(ctx context.Context, filter models.ProgramFilter) ([]models.Program, int, error)
	ListOpen(ctx context.Context, now time.Time, afterID string, limit int) ([]models.Program, error)
	Create(ctx context.Context, program *models.Program) error
	MarkCompleted(ctx context.Context, id string, now time.Time) (bool, error)
	CountHoldingSlots(ctx context.Context, programID string) (int, error)
}

type programLocker interface {
	WithinProgram(ctx context.Context, programID string, fn func(tx repository.AllocationTx, program *models.Program) error) error
}

// CreateProgramRequest describes the payload for program creation.
type CreateProgramRequest struct {
	Name                string               `json:"name" validate:"required,max=200"`
	Category            string               `json:"category" validate:"required,max=64"`
	BenefitType         models.BenefitType   `json:"benefit_type" validate:"omitempty,oneof=cash in_kind"`
	Description         string               `json:"description" validate:"max=2000"`
	ValidityStart       time.Time            `json:"validity_start" validate:"required"`
	ValidityEnd         time.Time            `json:"validity_end" validate:"required"`
	Status              models.ProgramStatus `json:"status" validate:"omitempty,oneof=active inactive"`
	Quota               *int                 `json:"quota" validate:"omitempty,gte=0"`
	BenefitValue        decimal.Decimal      `json:"benefit_value" swaggertype:"string"`
	EligibilityCriteria types.JSONText       `json:"eligibility_criteria" swaggertype:"object"`
	RequiredDocuments   types.JSONText       `json:"required_documents" swaggertype:"object"`
}

// UpdateProgramRequest describes a partial program update. Nil fields are left untouched.
type UpdateProgramRequest struct {
	Name                *string             `json:"name" validate:"omitempty,min=1,max=200"`
	Category            *string             `json:"category" validate:"omitempty,min=1,max=64"`
	BenefitType         *models.BenefitType `json:"benefit_type" validate:"omitempty,oneof=cash in_kind"`
	Description         *string             `json:"description" validate:"omitempty,max=2000"`
	ValidityStart       *time.Time          `json:"validity_start"`
	ValidityEnd         *time.Time          `json:"validity_end"`
	Quota               *int                `json:"quota" validate:"omitempty,gte=0"`
	ClearQuota          bool                `json:"clear_quota"`
	BenefitValue        *decimal.Decimal    `json:"benefit_value" swaggertype:"string"`
	EligibilityCriteria *types.JSONText     `json:"eligibility_criteria" swaggertype:"object"`
	RequiredDocuments   *types.JSONText     `json:"required_documents" swaggertype:"object"`
}

// UpdateProgramStatusRequest changes the administrative status.
type UpdateProgramStatusRequest struct {
	Status models.ProgramStatus `json:"status" validate:"required,oneof=active inactive completed"`
}

// ProgramServiceConfig tunes the registry.
type ProgramServiceConfig struct {
	PageSize int
	Now      func() time.Time
}

// ProgramService is the program registry: administration, eligibility and capacity.
type ProgramService struct {
	repo      programRepository
	locker    programLocker
	validator *validator.Validate
	logger    *zap.Logger
	pageSize  int
	now       func() time.Time
}

// NewProgramService constructs ProgramService.
func NewProgramService(repo programRepository, locker programLocker, validate *validator.Validate, logger *zap.Logger, cfg ProgramServiceConfig) *ProgramService {
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
	return &ProgramService{repo: repo, locker: locker, validator: validate, logger: logger, pageSize: cfg.PageSize, now: cfg.Now}
}

// List returns programs with pagination metadata.
func (s *ProgramService) List(ctx context.Context, filter models.ProgramFilter) ([]models.Program, *models.Pagination, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, nil, appErrors.WithDetails(appErrors.ErrValidation, "invalid status filter", "status", filter.Status)
	}
	programs, total, err := s.repo.List(ctx, filter)
	if err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list programs")
	}
	now := s.now().UTC()
	for i := range programs {
		if err := s.complete(ctx, &programs[i], now); err != nil {
			return nil, nil, err
		}
	}
	page := filter.Page
	if page < 1 {
		page = 1
	}
	size := filter.PageSize
	if size <= 0 || size > 100 {
		size = 20
	}
	return programs, &models.Pagination{Page: page, PageSize: size, TotalCount: total}, nil
}

// Get loads a program, completing it first when its window has ended.
func (s *ProgramService) Get(ctx context.Context, id string) (*models.Program, error) {
	return s.load(ctx, id, s.now().UTC())
}

// Create registers a new program.
func (s *ProgramService) Create(ctx context.Context, req CreateProgramRequest, actor models.Actor) (*models.Program, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid program payload")
	}
	if strings.TrimSpace(actor.ID) == "" {
		return nil, appErrors.Clone(appErrors.ErrUnauthorized, "actor is required")
	}
	program := &models.Program{
		Name:                strings.TrimSpace(req.Name),
		Category:            strings.TrimSpace(req.Category),
		BenefitType:         req.BenefitType,
		Description:         req.Description,
		ValidityStart:       req.ValidityStart.UTC(),
		ValidityEnd:         req.ValidityEnd.UTC(),
		Status:              req.Status,
		Quota:               req.Quota,
		BenefitValue:        req.BenefitValue,
		EligibilityCriteria: jsonOrEmpty(req.EligibilityCriteria, "{}"),
		RequiredDocuments:   jsonOrEmpty(req.RequiredDocuments, "[]"),
		CreatedBy:           actor.ID,
	}
	if program.BenefitType == "" {
		program.BenefitType = models.BenefitTypeCash
	}
	if program.Status == "" {
		program.Status = models.ProgramStatusActive
	}
	if err := validateProgram(program); err != nil {
		return nil, err
	}
	now := s.now().UTC()
	if program.ApplyLazyCompletion(now) {
		s.logger.Debug("program created after its window ended", zap.String("name", program.Name))
	}
	if err := s.repo.Create(ctx, program); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create program")
	}
	logger.With(ctx, s.logger).Info("program created", zap.String("program_id", program.ID), zap.String("actor_id", actor.ID))
	return program, nil
}

// Update applies a partial update under the program lock so quota changes
// cannot race with enrollments.
func (s *ProgramService) Update(ctx context.Context, id string, req UpdateProgramRequest, actor models.Actor) (*models.Program, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid program payload")
	}
	if req.ClearQuota && req.Quota != nil {
		return nil, appErrors.WithDetails(appErrors.ErrValidation, "quota and clear_quota are mutually exclusive", "program_id", id)
	}
	if _, err := uuid.Parse(id); err != nil {
		return nil, programNotFound(id)
	}
	now := s.now().UTC()
	var (
		updated *models.Program
		refusal error
	)
	err := s.locker.WithinProgram(ctx, id, func(tx repository.AllocationTx, program *models.Program) error {
		updated, refusal = nil, nil
		if err := completeLocked(ctx, tx, program, now); err != nil {
			return err
		}
		// refusals still commit so the lazy completion above persists
		applyProgramUpdate(program, req)
		if err := validateProgram(program); err != nil {
			refusal = err
			return nil
		}
		if program.Quota != nil {
			used, err := tx.CountHoldingSlots(ctx, program.ID)
			if err != nil {
				return err
			}
			if *program.Quota < used {
				refusal = appErrors.WithDetails(appErrors.ErrValidation, "quota below recipients already holding a slot",
					"program_id", program.ID, "quota", *program.Quota, "used", used)
				return nil
			}
		}
		program.ApplyLazyCompletion(now)
		program.UpdatedBy = &actor.ID
		if err := tx.UpdateProgram(ctx, program); err != nil {
			return err
		}
		updated = program
		return nil
	})
	if err != nil {
		return nil, translateProgramError(err, id, "failed to update program")
	}
	if refusal != nil {
		return nil, refusal
	}
	logger.With(ctx, s.logger).Info("program updated", zap.String("program_id", id), zap.String("actor_id", actor.ID))
	return updated, nil
}

// SetStatus changes the administrative status. Reactivating a program whose
// window has ended is rejected.
func (s *ProgramService) SetStatus(ctx context.Context, id string, req UpdateProgramStatusRequest, actor models.Actor) (*models.Program, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid status payload")
	}
	if _, err := uuid.Parse(id); err != nil {
		return nil, programNotFound(id)
	}
	now := s.now().UTC()
	var (
		updated *models.Program
		refusal error
	)
	err := s.locker.WithinProgram(ctx, id, func(tx repository.AllocationTx, program *models.Program) error {
		updated, refusal = nil, nil
		if err := completeLocked(ctx, tx, program, now); err != nil {
			return err
		}
		if req.Status == models.ProgramStatusActive && program.Expired(now) {
			refusal = appErrors.WithDetails(appErrors.ErrValidation, "program validity window has ended",
				"program_id", program.ID, "validity_end", program.ValidityEnd)
			return nil
		}
		program.Status = req.Status
		// an ended window wins over any requested status
		program.ApplyLazyCompletion(now)
		program.UpdatedBy = &actor.ID
		if err := tx.UpdateProgram(ctx, program); err != nil {
			return err
		}
		updated = program
		return nil
	})
	if err != nil {
		return nil, translateProgramError(err, id, "failed to update program status")
	}
	if refusal != nil {
		return nil, refusal
	}
	logger.With(ctx, s.logger).Info("program status changed",
		zap.String("program_id", id), zap.String("status", string(updated.Status)), zap.String("actor_id", actor.ID))
	return updated, nil
}

// IsOpenForEnrollment reports whether the program accepts enrollments at now.
func (s *ProgramService) IsOpenForEnrollment(ctx context.Context, id string, now time.Time) (bool, error) {
	program, err := s.load(ctx, id, now)
	if err != nil {
		return false, err
	}
	return program.IsOpenAt(now), nil
}

// RemainingCapacity reports how many recipients the program can still admit.
func (s *ProgramService) RemainingCapacity(ctx context.Context, id string) (*models.Capacity, error) {
	program, err := s.load(ctx, id, s.now().UTC())
	if err != nil {
		return nil, err
	}
	used, err := s.repo.CountHoldingSlots(ctx, program.ID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to count program recipients")
	}
	capacity := program.CapacityFor(used)
	return &capacity, nil
}

// ListActivePrograms yields every program open at now, one page at a time.
// Each range over the sequence starts a fresh scan.
func (s *ProgramService) ListActivePrograms(ctx context.Context, now time.Time) iter.Seq2[models.Program, error] {
	return func(yield func(models.Program, error) bool) {
		afterID := ""
		for {
			page, err := s.repo.ListOpen(ctx, now, afterID, s.pageSize)
			if err != nil {
				yield(models.Program{}, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list active programs"))
				return
			}
			for _, program := range page {
				if !yield(program, nil) {
					return
				}
			}
			if len(page) < s.pageSize {
				return
			}
			afterID = page[len(page)-1].ID
		}
	}
}

func (s *ProgramService) load(ctx context.Context, id string, now time.Time) (*models.Program, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, programNotFound(id)
	}
	program, err := s.repo.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, programNotFound(id)
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load program")
	}
	if err := s.complete(ctx, program, now); err != nil {
		return nil, err
	}
	return program, nil
}

// complete applies lazy completion and persists it. The write is conditional,
// so concurrent readers racing on the same program are harmless.
func (s *ProgramService) complete(ctx context.Context, program *models.Program, now time.Time) error {
	if !program.ApplyLazyCompletion(now) {
		return nil
	}
	changed, err := s.repo.MarkCompleted(ctx, program.ID, now)
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to complete program")
	}
	if changed {
		logger.With(ctx, s.logger).Info("program completed", zap.String("program_id", program.ID), zap.Time("validity_end", program.ValidityEnd))
	}
	return nil
}

// completeLocked applies lazy completion to a program read under its row lock
// and queues the conditional write on tx.
func completeLocked(ctx context.Context, tx repository.AllocationTx, program *models.Program, now time.Time) error {
	if !program.ApplyLazyCompletion(now) {
		return nil
	}
	return tx.CompleteProgram(ctx, program.ID, now)
}

func applyProgramUpdate(program *models.Program, req UpdateProgramRequest) {
	if req.Name != nil {
		program.Name = strings.TrimSpace(*req.Name)
	}
	if req.Category != nil {
		program.Category = strings.TrimSpace(*req.Category)
	}
	if req.BenefitType != nil {
		program.BenefitType = *req.BenefitType
	}
	if req.Description != nil {
		program.Description = *req.Description
	}
	if req.ValidityStart != nil {
		program.ValidityStart = req.ValidityStart.UTC()
	}
	if req.ValidityEnd != nil {
		program.ValidityEnd = req.ValidityEnd.UTC()
	}
	if req.ClearQuota {
		program.Quota = nil
	}
	if req.Quota != nil {
		quota := *req.Quota
		program.Quota = &quota
	}
	if req.BenefitValue != nil {
		program.BenefitValue = *req.BenefitValue
	}
	if req.EligibilityCriteria != nil {
		program.EligibilityCriteria = jsonOrEmpty(*req.EligibilityCriteria, "{}")
	}
	if req.RequiredDocuments != nil {
		program.RequiredDocuments = jsonOrEmpty(*req.RequiredDocuments, "[]")
	}
}

func validateProgram(program *models.Program) error {
	if program.ValidityStart.IsZero() || program.ValidityEnd.IsZero() {
		return appErrors.WithDetails(appErrors.ErrValidation, "validity window is required", "program_id", program.ID)
	}
	if program.ValidityStart.After(program.ValidityEnd) {
		return appErrors.WithDetails(appErrors.ErrValidation, "validity_start must not be after validity_end",
			"program_id", program.ID, "validity_start", program.ValidityStart, "validity_end", program.ValidityEnd)
	}
	if program.Quota != nil && *program.Quota < 0 {
		return appErrors.WithDetails(appErrors.ErrValidation, "quota must not be negative", "program_id", program.ID, "quota", *program.Quota)
	}
	if msg := checkAmount(program.BenefitValue); msg != "" {
		return appErrors.WithDetails(appErrors.ErrValidation, "benefit_value "+msg,
			"program_id", program.ID, "benefit_value", program.BenefitValue.String())
	}
	if program.EligibilityCriteria != nil {
		if err := program.EligibilityCriteria.Unmarshal(new(interface{})); err != nil {
			return appErrors.WithDetails(appErrors.ErrValidation, "eligibility_criteria must be valid JSON", "program_id", program.ID)
		}
	}
	if program.RequiredDocuments != nil {
		if err := program.RequiredDocuments.Unmarshal(new(interface{})); err != nil {
			return appErrors.WithDetails(appErrors.ErrValidation, "required_documents must be valid JSON", "program_id", program.ID)
		}
	}
	return nil
}

// maxAmount is the first value a NUMERIC(18,2) column cannot hold.
var maxAmount = decimal.New(1, 16)

// checkAmount reports why v cannot be stored as a money column, or "" when it can.
func checkAmount(v decimal.Decimal) string {
	switch {
	case v.IsNegative():
		return "must not be negative"
	case !v.Equal(v.Round(2)):
		return "must have at most two decimal places"
	case v.GreaterThanOrEqual(maxAmount):
		return "exceeds the supported range"
	}
	return ""
}

func translateProgramError(err error, id, message string) error {
	var appErr *appErrors.Error
	switch {
	case errors.As(err, &appErr):
		return appErr
	case errors.Is(err, sql.ErrNoRows):
		return programNotFound(id)
	case errors.Is(err, repository.ErrTxConflict):
		return appErrors.WithDetails(appErrors.ErrConflict, "program is busy, retry later", "program_id", id)
	}
	return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, message)
}

func programNotFound(id string) *appErrors.Error {
	return appErrors.WithDetails(appErrors.ErrNotFound, "program not found", "program_id", id)
}

func jsonOrEmpty(value types.JSONText, empty string) types.JSONText {
	if len(strings.TrimSpace(string(value))) == 0 || string(value) == "null" {
		return types.JSONText(empty)
	}
	return value
}
