package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// RecipientEventType names recipient lifecycle notifications.
type RecipientEventType string

// Published event types.
const (
	RecipientEventDistributed RecipientEventType = "recipient.distributed"
	RecipientEventRejected    RecipientEventType = "recipient.rejected"
)

// RecipientEvent is emitted after a terminal transition commits.
type RecipientEvent struct {
	ID            string              `json:"id"`
	Type          RecipientEventType  `json:"type"`
	RecipientID   string              `json:"recipient_id"`
	ProgramID     string              `json:"program_id"`
	IndividualID  string              `json:"individual_id"`
	ActorID       string              `json:"actor_id"`
	Status        RecipientStatus     `json:"status"`
	BenefitAmount decimal.NullDecimal `json:"benefit_amount"`
	Remark        string              `json:"remark,omitempty"`
	OccurredAt    time.Time           `json:"occurred_at"`
}
