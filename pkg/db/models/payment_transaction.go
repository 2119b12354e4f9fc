package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/angelmondragon/billing-reconciler/pkg/enums"
)

// ExternalTransactionIDConstraint names the unique index guarding the ledger key.
const ExternalTransactionIDConstraint = "payment_transactions_external_transaction_id_key"

// PaymentTransaction is one ledger row per real-world charge attempt, keyed by
// the gateway-assigned ExternalTransactionID.
type PaymentTransaction struct {
	ID                    uuid.UUID               `gorm:"type:uuid;primaryKey"`
	UserID                uuid.UUID               `gorm:"column:user_id;type:uuid;not null;index"`
	SubscriptionID        *uuid.UUID              `gorm:"column:subscription_id;type:uuid;index"`
	ExternalTransactionID string                  `gorm:"column:external_transaction_id;not null;uniqueIndex:payment_transactions_external_transaction_id_key"`
	Gateway               string                  `gorm:"column:gateway;not null"`
	Amount                decimal.Decimal         `gorm:"column:amount;type:numeric(12,2);not null"`
	Currency              string                  `gorm:"column:currency;not null"`
	Status                enums.TransactionStatus `gorm:"column:status;not null;default:'pending'"`
	Type                  enums.TransactionType   `gorm:"column:type;not null"`
	PaymentDetails        json.RawMessage         `gorm:"column:payment_details;type:jsonb"`
	GatewayResponse       json.RawMessage         `gorm:"column:gateway_response;type:jsonb"`
	PaidAt                *time.Time              `gorm:"column:paid_at"`
	Notes                 *string                 `gorm:"column:notes"`
	CreatedAt             time.Time               `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt             time.Time               `gorm:"column:updated_at;autoUpdateTime"`
}

func (t *PaymentTransaction) BeforeCreate(*gorm.DB) error { return assignID(&t.ID) }
