package models

import (
	"time"

	"github.com/jmoiron/sqlx/types"
	"github.com/shopspring/decimal"
)

// ProgramStatus represents the administrative lifecycle of a program.
type ProgramStatus string

// Possible program statuses.
const (
	ProgramStatusActive    ProgramStatus = "active"
	ProgramStatusInactive  ProgramStatus = "inactive"
	ProgramStatusCompleted ProgramStatus = "completed"
)

// Valid reports whether s is a known status.
func (s ProgramStatus) Valid() bool {
	switch s {
	case ProgramStatusActive, ProgramStatusInactive, ProgramStatusCompleted:
		return true
	}
	return false
}

// BenefitType distinguishes cash transfers from goods.
type BenefitType string

// Supported benefit types.
const (
	BenefitTypeCash   BenefitType = "cash"
	BenefitTypeInKind BenefitType = "in_kind"
)

// Program is a time-bounded assistance offering with an optional quota.
type Program struct {
	ID                  string          `db:"id" json:"id"`
	Name                string          `db:"name" json:"name"`
	Category            string          `db:"category" json:"category"`
	BenefitType         BenefitType     `db:"benefit_type" json:"benefit_type"`
	Description         string          `db:"description" json:"description"`
	ValidityStart       time.Time       `db:"validity_start" json:"validity_start"`
	ValidityEnd         time.Time       `db:"validity_end" json:"validity_end"`
	Status              ProgramStatus   `db:"status" json:"status"`
	Quota               *int            `db:"quota" json:"quota"`
	BenefitValue        decimal.Decimal `db:"benefit_value" json:"benefit_value"`
	EligibilityCriteria types.JSONText  `db:"eligibility_criteria" json:"eligibility_criteria" swaggertype:"object"`
	RequiredDocuments   types.JSONText  `db:"required_documents" json:"required_documents" swaggertype:"object"`
	CreatedBy           string          `db:"created_by" json:"created_by"`
	UpdatedBy           *string         `db:"updated_by" json:"updated_by,omitempty"`
	CreatedAt           time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt           time.Time       `db:"updated_at" json:"updated_at"`
}

// Unbounded reports whether the program admits any number of recipients.
func (p *Program) Unbounded() bool {
	return p.Quota == nil
}

// Expired reports whether the validity window closed before now.
func (p *Program) Expired(now time.Time) bool {
	return now.After(p.ValidityEnd)
}

// ApplyLazyCompletion moves an expired program to completed.
// It returns true only when the status actually changed.
func (p *Program) ApplyLazyCompletion(now time.Time) bool {
	if p.Status == ProgramStatusCompleted || !p.Expired(now) {
		return false
	}
	p.Status = ProgramStatusCompleted
	return true
}

// IsOpenAt reports whether enrollment is allowed at now. Callers are expected
// to run ApplyLazyCompletion first so the persisted status stays truthful.
func (p *Program) IsOpenAt(now time.Time) bool {
	if p.Status != ProgramStatusActive {
		return false
	}
	return !now.Before(p.ValidityStart) && !now.After(p.ValidityEnd)
}

// CapacityFor derives remaining capacity given the number of recipients
// currently holding a slot.
func (p *Program) CapacityFor(used int) Capacity {
	c := Capacity{ProgramID: p.ID, Used: used}
	if p.Quota == nil {
		c.Unbounded = true
		return c
	}
	quota := *p.Quota
	remaining := quota - used
	if remaining < 0 {
		// quota lowered below the admitted count by an administrator
		remaining = 0
	}
	c.Quota = &quota
	c.Remaining = &remaining
	return c
}

// Capacity is the derived view of a program's quota usage.
type Capacity struct {
	ProgramID string `json:"program_id"`
	Unbounded bool   `json:"unbounded"`
	Quota     *int   `json:"quota"`
	Used      int    `json:"used"`
	Remaining *int   `json:"remaining"`
}

// HasRoom reports whether one more recipient can be admitted.
func (c Capacity) HasRoom() bool {
	return c.Unbounded || (c.Remaining != nil && *c.Remaining > 0)
}

// ProgramFilter provides filters for listing programs.
type ProgramFilter struct {
	Status    ProgramStatus
	Category  string
	Search    string
	Page      int
	PageSize  int
	SortBy    string
	SortOrder string
}
