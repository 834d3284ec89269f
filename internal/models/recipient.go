package models

import (
	"time"

	"github.com/jmoiron/sqlx/types"
	"github.com/shopspring/decimal"
)

// RecipientStatus represents the lifecycle of a program enrollment.
type RecipientStatus string

// Possible recipient statuses. Qualified is the initial state; the other two are terminal.
const (
	RecipientStatusQualified   RecipientStatus = "qualified"
	RecipientStatusDistributed RecipientStatus = "distributed"
	RecipientStatusRejected    RecipientStatus = "rejected"
)

// Valid reports whether s is a known status.
func (s RecipientStatus) Valid() bool {
	switch s {
	case RecipientStatusQualified, RecipientStatusDistributed, RecipientStatusRejected:
		return true
	}
	return false
}

// HoldsSlot reports whether a recipient in this status consumes program quota.
func (s RecipientStatus) HoldsSlot() bool {
	return s == RecipientStatusQualified || s == RecipientStatusDistributed
}

// Terminal reports whether no further transitions are possible.
func (s RecipientStatus) Terminal() bool {
	return s == RecipientStatusDistributed || s == RecipientStatusRejected
}

// VerificationOutcome is the decision recorded by a verifier.
type VerificationOutcome string

// Verification outcomes.
const (
	VerificationConfirm VerificationOutcome = "confirm"
	VerificationReject  VerificationOutcome = "reject"
)

// Recipient links one individual to one program through qualification and distribution.
type Recipient struct {
	ID                string              `db:"id" json:"id"`
	ProgramID         string              `db:"program_id" json:"program_id"`
	IndividualID      string              `db:"individual_id" json:"individual_id"`
	EnrolledAt        time.Time           `db:"enrolled_at" json:"enrolled_at"`
	Status            RecipientStatus     `db:"status" json:"status"`
	BenefitAmount     decimal.NullDecimal `db:"benefit_amount" json:"benefit_amount" swaggertype:"string"`
	Remark            string              `db:"remark" json:"remark"`
	Documents         types.JSONText      `db:"documents" json:"documents" swaggertype:"object"`
	VerifiedBy        *string             `db:"verified_by" json:"verified_by,omitempty"`
	VerifiedAt        *time.Time          `db:"verified_at" json:"verified_at,omitempty"`
	DistributedBy     *string             `db:"distributed_by" json:"distributed_by,omitempty"`
	DistributedAt     *time.Time          `db:"distributed_at" json:"distributed_at,omitempty"`
	DistributionProof *string             `db:"distribution_proof" json:"distribution_proof,omitempty"`
	CreatedBy         string              `db:"created_by" json:"created_by"`
	CreatedAt         time.Time           `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time           `db:"updated_at" json:"updated_at"`
}

// RecipientDetail enriches Recipient with display fields of its program and individual.
type RecipientDetail struct {
	Recipient
	ProgramName     string  `db:"program_name" json:"program_name"`
	ProgramCategory string  `db:"program_category" json:"program_category"`
	IndividualName  *string `db:"individual_name" json:"individual_name,omitempty"`
	IndividualNIK   *string `db:"individual_nik" json:"individual_nik,omitempty"`
}

// RecipientFilter provides filters for listing recipients.
type RecipientFilter struct {
	ProgramID    string
	IndividualID string
	Status       RecipientStatus
	Page         int
	PageSize     int
	SortBy       string
	SortOrder    string
}

// RecipientCursor marks the last row read by a keyset scan.
type RecipientCursor struct {
	EnrolledAt time.Time
	ID         string
}
