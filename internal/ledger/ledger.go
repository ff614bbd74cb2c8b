// Package ledger owns the token balance and transaction tables. Every
// balance mutation in the system goes through Apply; no other code writes
// either table.
package ledger

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"argumentum/bursar/pkg/logging"
	"argumentum/bursar/pkg/models"
)

// Ledger applies balance mutations atomically and idempotently
type Ledger struct {
	db     *sql.DB
	logger logging.Logger
}

// New creates a ledger over the given database
func New(db *sql.DB, logger logging.Logger) *Ledger {
	return &Ledger{db: db, logger: logger}
}

// ApplyParams describes one balance mutation. Amount is signed: positive
// credits, negative debits. IdempotencyKey, when set, makes the mutation
// safe to replay; the uniqueness lives in the database, not here, so two
// concurrent deliveries of the same event cannot both apply.
type ApplyParams struct {
	AccountID      string
	Amount         int64
	Type           models.TransactionType
	IdempotencyKey *string
	Description    string
	Metadata       models.Metadata
}

// ApplyResult reports the outcome of a mutation. Applied=false means the
// idempotency key had already been processed; that is a success, not an
// error, and NewBalance carries the balance the original application left
// behind.
type ApplyResult struct {
	Applied       bool
	NewBalance    int64
	TransactionID string
}

// Apply performs the mutation as one atomic unit: lock the balance row,
// check the debit guard, append the transaction, update the balance. A
// failure at any step leaves neither table written.
func (l *Ledger) Apply(ctx context.Context, p ApplyParams) (ApplyResult, error) {
	if p.AccountID == "" {
		return ApplyResult{}, fmt.Errorf("account id is required")
	}
	if p.Amount == 0 {
		return ApplyResult{}, fmt.Errorf("amount must be non-zero")
	}
	if !p.Type.Valid() {
		return ApplyResult{}, fmt.Errorf("unknown transaction type %q", p.Type)
	}
	if p.IdempotencyKey != nil && *p.IdempotencyKey == "" {
		return ApplyResult{}, fmt.Errorf("idempotency key must not be empty when set")
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return ApplyResult{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback is best-effort

	// Create the balance row lazily, then lock it. The row lock serializes
	// every mutation against this account, so two concurrent debits cannot
	// both pass the guard against a stale balance.
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO bursar.token_balances (account_id, balance)
		VALUES ($1, 0)
		ON CONFLICT (account_id) DO NOTHING
	`, p.AccountID); err != nil {
		return ApplyResult{}, fmt.Errorf("failed to ensure balance row: %w", err)
	}

	var balance int64
	if err := tx.QueryRowContext(ctx, `
		SELECT balance FROM bursar.token_balances
		WHERE account_id = $1
		FOR UPDATE
	`, p.AccountID).Scan(&balance); err != nil {
		return ApplyResult{}, fmt.Errorf("failed to lock balance row: %w", err)
	}

	if p.Amount < 0 && balance+p.Amount < 0 {
		return ApplyResult{}, &InsufficientBalanceError{
			AccountID: p.AccountID,
			Required:  -p.Amount,
			Available: balance,
		}
	}
	newBalance := balance + p.Amount

	txID := uuid.New().String()
	if p.IdempotencyKey != nil {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO bursar.token_transactions
			(id, account_id, amount, balance_after, transaction_type, idempotency_key, description, metadata)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (idempotency_key) WHERE idempotency_key IS NOT NULL DO NOTHING
		`, txID, p.AccountID, p.Amount, newBalance, string(p.Type), *p.IdempotencyKey, p.Description, p.Metadata)
		if err != nil {
			return ApplyResult{}, fmt.Errorf("failed to insert transaction: %w", err)
		}
		rows, err := res.RowsAffected()
		if err != nil {
			return ApplyResult{}, fmt.Errorf("failed to read insert result: %w", err)
		}
		if rows == 0 {
			// Replayed delivery. Nothing was written in this unit; surface
			// the outcome the original application produced.
			if rbErr := tx.Rollback(); rbErr != nil && rbErr != sql.ErrTxDone {
				l.logger.WithError(rbErr).Warn("Rollback after idempotency hit failed")
			}
			var existingBalance int64
			var existingAccount string
			if err := l.db.QueryRowContext(ctx, `
				SELECT account_id, balance_after FROM bursar.token_transactions
				WHERE idempotency_key = $1
			`, *p.IdempotencyKey).Scan(&existingAccount, &existingBalance); err != nil {
				return ApplyResult{}, fmt.Errorf("failed to load prior transaction: %w", err)
			}
			l.logger.WithFields(logging.Fields{
				"account_id":      existingAccount,
				"idempotency_key": *p.IdempotencyKey,
			}).Info("Mutation already applied, skipping")
			return ApplyResult{Applied: false, NewBalance: existingBalance}, nil
		}
	} else {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO bursar.token_transactions
			(id, account_id, amount, balance_after, transaction_type, description, metadata)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, txID, p.AccountID, p.Amount, newBalance, string(p.Type), p.Description, p.Metadata); err != nil {
			return ApplyResult{}, fmt.Errorf("failed to insert transaction: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE bursar.token_balances
		SET balance = $1, updated_at = NOW()
		WHERE account_id = $2
	`, newBalance, p.AccountID); err != nil {
		return ApplyResult{}, fmt.Errorf("failed to update balance: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return ApplyResult{}, fmt.Errorf("failed to commit transaction: %w", err)
	}

	l.logger.WithFields(logging.Fields{
		"account_id":       p.AccountID,
		"amount":           p.Amount,
		"new_balance":      newBalance,
		"transaction_type": p.Type,
		"transaction_id":   txID,
	}).Info("Applied ledger mutation")

	return ApplyResult{Applied: true, NewBalance: newBalance, TransactionID: txID}, nil
}

// GetBalance returns an account's current balance. Accounts without a row
// yet report zero; the row itself is created on first mutation.
func (l *Ledger) GetBalance(ctx context.Context, accountID string) (int64, error) {
	var balance int64
	err := l.db.QueryRowContext(ctx, `
		SELECT balance FROM bursar.token_balances WHERE account_id = $1
	`, accountID).Scan(&balance)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read balance: %w", err)
	}
	return balance, nil
}

// ListTransactions returns an account's most recent ledger entries
func (l *Ledger) ListTransactions(ctx context.Context, accountID string, limit int) ([]models.TokenTransaction, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	rows, err := l.db.QueryContext(ctx, `
		SELECT id, account_id, amount, balance_after, transaction_type, idempotency_key, description, metadata, created_at
		FROM bursar.token_transactions
		WHERE account_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	var transactions []models.TokenTransaction
	for rows.Next() {
		var t models.TokenTransaction
		if err := rows.Scan(&t.ID, &t.AccountID, &t.Amount, &t.BalanceAfter, &t.Type,
			&t.IdempotencyKey, &t.Description, &t.Metadata, &t.CreatedAt); err != nil {
			l.logger.WithError(err).Error("Error scanning transaction")
			continue
		}
		transactions = append(transactions, t)
	}
	return transactions, rows.Err()
}
