package handlers

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"argumentum/bursar/internal/ledger"
	bursarapi "argumentum/bursar/pkg/api/bursar"
	"argumentum/bursar/pkg/config"
	"argumentum/bursar/pkg/logging"
	"argumentum/bursar/pkg/middleware"
	"argumentum/bursar/pkg/models"
)

// RenewalService grants the monthly token installment of active
// subscriptions. Annual plans are paid up front and drawn down as twelve
// monthly grants; after the twelfth the row expires until an external
// checkout renews it.
type RenewalService struct {
	db          *sql.DB
	ledger      *ledger.Ledger
	logger      logging.Logger
	itemTimeout time.Duration
}

// NewRenewalService creates a new renewal service
func NewRenewalService(database *sql.DB, l *ledger.Ledger, log logging.Logger) *RenewalService {
	return &RenewalService{
		db:          database,
		ledger:      l,
		logger:      log,
		itemTimeout: config.GetEnvDuration("RENEWAL_ITEM_TIMEOUT", 30*time.Second),
	}
}

type dueRenewal struct {
	ID                     string
	AccountID              string
	ExternalSubscriptionID string
	PlanType               string
	BillingCycle           string
	TokensPerCycle         int64
	GrantedCyclesCount     int
}

// ProcessDueRenewals grants tokens for every active subscription whose
// next_grant_date has passed. One bad row never aborts the sweep; each
// outcome is reported individually.
func (s *RenewalService) ProcessDueRenewals(ctx context.Context, now time.Time) ([]bursarapi.RenewalOutcome, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, account_id, external_subscription_id, plan_type, billing_cycle, tokens_per_cycle, granted_cycles_count
		FROM bursar.subscription_renewals
		WHERE status = 'active' AND next_grant_date <= $1
		ORDER BY next_grant_date ASC
	`, now)
	if err != nil {
		return nil, fmt.Errorf("failed to query due renewals: %w", err)
	}
	defer rows.Close()

	var due []dueRenewal
	for rows.Next() {
		var r dueRenewal
		if err := rows.Scan(&r.ID, &r.AccountID, &r.ExternalSubscriptionID, &r.PlanType,
			&r.BillingCycle, &r.TokensPerCycle, &r.GrantedCyclesCount); err != nil {
			s.logger.WithError(err).Error("Error scanning due renewal")
			continue
		}
		due = append(due, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read due renewals: %w", err)
	}

	outcomes := make([]bursarapi.RenewalOutcome, 0, len(due))
	for _, r := range due {
		outcomes = append(outcomes, s.processOne(ctx, r))
	}
	return outcomes, nil
}

func (s *RenewalService) processOne(ctx context.Context, r dueRenewal) bursarapi.RenewalOutcome {
	itemCtx, cancel := context.WithTimeout(ctx, s.itemTimeout)
	defer cancel()

	countOutcome := func(outcome string) {
		if metrics != nil && metrics.RenewalOutcomes != nil {
			metrics.RenewalOutcomes.WithLabelValues(r.BillingCycle, outcome).Inc()
		}
	}

	// Paid-up annual rows grant nothing further.
	if r.BillingCycle == models.BillingCycleAnnual && r.GrantedCyclesCount >= models.AnnualGrantCycles {
		if err := s.expire(itemCtx, r.ID); err != nil {
			s.logger.WithError(err).WithField("renewal_id", r.ID).Error("Failed to expire renewal")
			countOutcome("error")
			return bursarapi.RenewalOutcome{SubscriptionID: r.ExternalSubscriptionID, Outcome: "error", Reason: err.Error()}
		}
		countOutcome("expired")
		return bursarapi.RenewalOutcome{SubscriptionID: r.ExternalSubscriptionID, Outcome: "expired"}
	}

	// The cycle count keys the grant, so a sweep that granted but crashed
	// before advancing cannot grant the same cycle twice.
	key := r.ExternalSubscriptionID + "-" + strconv.Itoa(r.GrantedCyclesCount)
	result, err := s.ledger.Apply(itemCtx, ledger.ApplyParams{
		AccountID:      r.AccountID,
		Amount:         r.TokensPerCycle,
		Type:           models.TransactionSubscriptionGrant,
		IdempotencyKey: &key,
		Description:    fmt.Sprintf("Subscription grant (%s, cycle %d)", r.PlanType, r.GrantedCyclesCount+1),
		Metadata: models.Metadata{
			"subscription_id": r.ExternalSubscriptionID,
			"plan_type":       r.PlanType,
			"billing_cycle":   r.BillingCycle,
		},
	})
	if err != nil {
		s.logger.WithError(err).WithFields(logging.Fields{
			"renewal_id":      r.ID,
			"subscription_id": r.ExternalSubscriptionID,
		}).Error("Failed to grant renewal tokens")
		countOutcome("error")
		return bursarapi.RenewalOutcome{SubscriptionID: r.ExternalSubscriptionID, Outcome: "error", Reason: err.Error()}
	}

	// Advance the schedule even for an already-applied grant; that is the
	// recovery path for a sweep that granted but failed to advance.
	if err := s.advance(itemCtx, r); err != nil {
		s.logger.WithError(err).WithField("renewal_id", r.ID).Error("Failed to advance renewal schedule")
		countOutcome("error")
		return bursarapi.RenewalOutcome{SubscriptionID: r.ExternalSubscriptionID, Outcome: "error", Reason: err.Error()}
	}

	if !result.Applied {
		countOutcome("already_granted")
		return bursarapi.RenewalOutcome{SubscriptionID: r.ExternalSubscriptionID, Outcome: "already_granted", Tokens: r.TokensPerCycle}
	}

	s.logger.WithFields(logging.Fields{
		"subscription_id": r.ExternalSubscriptionID,
		"account_id":      r.AccountID,
		"tokens":          r.TokensPerCycle,
		"cycle":           r.GrantedCyclesCount + 1,
	}).Info("Granted subscription tokens")
	countOutcome("granted")
	return bursarapi.RenewalOutcome{SubscriptionID: r.ExternalSubscriptionID, Outcome: "granted", Tokens: r.TokensPerCycle}
}

// advance moves next_grant_date forward one month and bumps the cycle
// count; an annual row completing its final cycle expires in the same
// statement.
func (s *RenewalService) advance(ctx context.Context, r dueRenewal) error {
	newCount := r.GrantedCyclesCount + 1
	status := models.SubscriptionActive
	if r.BillingCycle == models.BillingCycleAnnual && newCount >= models.AnnualGrantCycles {
		status = models.SubscriptionExpired
	}

	_, err := s.db.ExecContext(ctx, `
		UPDATE bursar.subscription_renewals
		SET next_grant_date = next_grant_date + INTERVAL '1 month',
		    granted_cycles_count = $1,
		    status = $2,
		    updated_at = NOW()
		WHERE id = $3
	`, newCount, status, r.ID)
	return err
}

func (s *RenewalService) expire(ctx context.Context, renewalID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE bursar.subscription_renewals
		SET status = 'expired', updated_at = NOW()
		WHERE id = $1
	`, renewalID)
	return err
}

// ProcessRenewals handles POST /renewals/process (service token). External
// cron triggers the same sweep the background job runs.
func ProcessRenewals(c middleware.Context) {
	outcomes, err := renewalService.ProcessDueRenewals(c.Request.Context(), time.Now())
	if err != nil {
		logger.WithError(err).Error("Renewal sweep failed")
		c.JSON(http.StatusInternalServerError, bursarapi.ErrorResponse{Error: "Renewal sweep failed"})
		return
	}

	c.JSON(http.StatusOK, bursarapi.ProcessRenewalsResponse{
		Processed: len(outcomes),
		Results:   outcomes,
	})
}
