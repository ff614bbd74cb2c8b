package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// TransactionType enumerates every cause of a balance mutation. The ledger
// rejects anything outside this set so the audit trail stays enumerable.
type TransactionType string

const (
	TransactionPurchase           TransactionType = "purchase"
	TransactionSubscriptionGrant  TransactionType = "subscription_grant"
	TransactionPetitionCharge     TransactionType = "petition_charge"
	TransactionManualVerification TransactionType = "manual_verification"
	TransactionAdjustment         TransactionType = "adjustment"
)

// Valid reports whether t is a known transaction type
func (t TransactionType) Valid() bool {
	switch t {
	case TransactionPurchase, TransactionSubscriptionGrant, TransactionPetitionCharge,
		TransactionManualVerification, TransactionAdjustment:
		return true
	}
	return false
}

// Metadata carries provenance fields on a transaction (session ids, team and
// petition ids, plan names). Opaque to the ledger itself.
type Metadata map[string]string

// Value implements the driver.Valuer interface for JSONB
func (m Metadata) Value() (driver.Value, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

// Scan implements the sql.Scanner interface for JSONB
func (m *Metadata) Scan(value interface{}) error {
	if value == nil {
		*m = nil
		return nil
	}

	var bytes []byte
	switch v := value.(type) {
	case []byte:
		bytes = v
	case string:
		bytes = []byte(v)
	default:
		return fmt.Errorf("unsupported metadata type %T", value)
	}

	return json.Unmarshal(bytes, m)
}

// TokenBalance is the single prepaid counter per account
type TokenBalance struct {
	AccountID string    `json:"account_id" db:"account_id"`
	Balance   int64     `json:"balance" db:"balance"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// TokenTransaction is one immutable ledger entry. Positive amounts credit,
// negative amounts debit.
type TokenTransaction struct {
	ID             string          `json:"id" db:"id"`
	AccountID      string          `json:"account_id" db:"account_id"`
	Amount         int64           `json:"amount" db:"amount"`
	BalanceAfter   int64           `json:"balance_after" db:"balance_after"`
	Type           TransactionType `json:"transaction_type" db:"transaction_type"`
	IdempotencyKey *string         `json:"idempotency_key,omitempty" db:"idempotency_key"`
	Description    string          `json:"description" db:"description"`
	Metadata       Metadata        `json:"metadata" db:"metadata"`
	CreatedAt      time.Time       `json:"created_at" db:"created_at"`
}

// Billing cycles for subscription renewals
const (
	BillingCycleMonthly = "monthly"
	BillingCycleAnnual  = "annual"
)

// Subscription statuses
const (
	SubscriptionActive   = "active"
	SubscriptionCanceled = "canceled"
	SubscriptionExpired  = "expired"
)

// AnnualGrantCycles is the number of monthly installments funded by one
// up-front annual payment.
const AnnualGrantCycles = 12

// SubscriptionRenewal tracks the monthly token-grant schedule of a recurring
// plan. Annual plans grant monthly for twelve cycles and then expire until
// the next external checkout renews them.
type SubscriptionRenewal struct {
	ID                     string    `json:"id" db:"id"`
	AccountID              string    `json:"account_id" db:"account_id"`
	ExternalSubscriptionID string    `json:"external_subscription_id" db:"external_subscription_id"`
	PlanType               string    `json:"plan_type" db:"plan_type"`
	BillingCycle           string    `json:"billing_cycle" db:"billing_cycle"`
	TokensPerCycle         int64     `json:"tokens_per_cycle" db:"tokens_per_cycle"`
	NextGrantDate          time.Time `json:"next_grant_date" db:"next_grant_date"`
	GrantedCyclesCount     int       `json:"granted_cycles_count" db:"granted_cycles_count"`
	Status                 string    `json:"status" db:"status"`
	CreatedAt              time.Time `json:"created_at" db:"created_at"`
	UpdatedAt              time.Time `json:"updated_at" db:"updated_at"`
}
