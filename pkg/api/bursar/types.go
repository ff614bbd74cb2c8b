// Package bursar defines the request and response bodies of the bursar HTTP
// API. Kept separate from handlers so clients can import the wire types.
package bursar

import "argumentum/bursar/pkg/models"

// ChargeRequest debits the team owner's balance for a petition
type ChargeRequest struct {
	TeamID     string `json:"team_id" binding:"required"`
	PetitionID string `json:"petition_id" binding:"required"`
	TokenCost  int64  `json:"token_cost" binding:"required,gt=0"`
}

// ChargeResponse reports the owner debited and the resulting balance
type ChargeResponse struct {
	OwnerID    string `json:"owner_id"`
	NewBalance int64  `json:"new_balance"`
	TokenCost  int64  `json:"token_cost"`
}

// ReconcileRequest replays a payment customer's completed sessions
type ReconcileRequest struct {
	AccountID          string `json:"account_id" binding:"required"`
	ExternalCustomerID string `json:"external_customer_id" binding:"required"`
}

// SessionOutcome is the per-session result of a reconciliation run
type SessionOutcome struct {
	SessionID string `json:"session_id"`
	Outcome   string `json:"outcome"` // credited, already_applied, skipped, error
	Tokens    int64  `json:"tokens,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// ReconcileResponse summarizes a reconciliation run
type ReconcileResponse struct {
	AccountID     string           `json:"account_id"`
	TotalCredited int64            `json:"total_credited"`
	Sessions      []SessionOutcome `json:"sessions"`
}

// RenewalOutcome is the per-subscription result of a renewal sweep
type RenewalOutcome struct {
	SubscriptionID string `json:"subscription_id"`
	Outcome        string `json:"outcome"` // granted, already_granted, expired, error
	Tokens         int64  `json:"tokens,omitempty"`
	Reason         string `json:"reason,omitempty"`
}

// ProcessRenewalsResponse summarizes a renewal sweep
type ProcessRenewalsResponse struct {
	Processed int              `json:"processed"`
	Results   []RenewalOutcome `json:"results"`
}

// BalanceResponse reports an account's current balance
type BalanceResponse struct {
	AccountID string `json:"account_id"`
	Balance   int64  `json:"balance"`
}

// TeamBalanceResponse reports the team owner's balance for team dashboards
type TeamBalanceResponse struct {
	TeamID  string `json:"team_id"`
	OwnerID string `json:"owner_id"`
	Balance int64  `json:"balance"`
}

// ListTransactionsResponse returns recent ledger entries for an account
type ListTransactionsResponse struct {
	AccountID    string                    `json:"account_id"`
	Transactions []models.TokenTransaction `json:"transactions"`
	Count        int                       `json:"count"`
}

// TokenCheckoutRequest creates a one-off token purchase checkout session
type TokenCheckoutRequest struct {
	Tokens   int64  `json:"tokens" binding:"required,gt=0"`
	PlanName string `json:"plan_name"`
}

// SubscriptionCheckoutRequest creates a recurring-plan checkout session.
// Tokens is the monthly installment the plan grants; it is stamped into the
// session metadata so the webhook can build the grant schedule.
type SubscriptionCheckoutRequest struct {
	PriceID      string `json:"price_id" binding:"required"`
	BillingCycle string `json:"billing_cycle" binding:"required,oneof=monthly annual"`
	Tokens       int64  `json:"tokens" binding:"required,gt=0"`
	PlanName     string `json:"plan_name"`
}

// CheckoutResponse carries the provider redirect for the client
type CheckoutResponse struct {
	SessionID   string `json:"session_id"`
	CheckoutURL string `json:"checkout_url"`
}

// UploadResponse reports a stored attachment
type UploadResponse struct {
	Key string `json:"key"`
	URL string `json:"url"`
}

// ErrorResponse is the uniform error body
type ErrorResponse struct {
	Error string `json:"error"`
}

// InsufficientBalanceResponse carries both sides of a failed debit so the
// client can render a precise message
type InsufficientBalanceResponse struct {
	Error     string `json:"error"`
	Required  int64  `json:"required"`
	Available int64  `json:"available"`
}
