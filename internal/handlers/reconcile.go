package handlers

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/checkout/session"

	"argumentum/bursar/internal/ledger"
	bursarapi "argumentum/bursar/pkg/api/bursar"
	"argumentum/bursar/pkg/config"
	"argumentum/bursar/pkg/logging"
	"argumentum/bursar/pkg/middleware"
	"argumentum/bursar/pkg/models"
)

// checkoutSession is the slice of a provider session reconciliation needs
type checkoutSession struct {
	ID            string
	PaymentStatus string
	AmountTotal   int64
	Metadata      map[string]string
}

// sessionLister fetches a customer's recent completed checkout sessions
type sessionLister interface {
	ListCompletedSessions(ctx context.Context, customerID string) ([]checkoutSession, error)
}

// stripeSessionLister lists checkout sessions through the Stripe API
type stripeSessionLister struct {
	limit int64
}

func newStripeSessionLister() *stripeSessionLister {
	return &stripeSessionLister{limit: config.GetEnvInt64("RECONCILE_SESSION_LIMIT", 25)}
}

func (l *stripeSessionLister) ListCompletedSessions(ctx context.Context, customerID string) ([]checkoutSession, error) {
	params := &stripe.CheckoutSessionListParams{
		Customer: stripe.String(customerID),
	}
	params.Context = ctx
	params.Limit = stripe.Int64(l.limit)

	var sessions []checkoutSession
	iter := session.List(params)
	for iter.Next() {
		s := iter.CheckoutSession()
		if s.Status != stripe.CheckoutSessionStatusComplete {
			continue
		}
		sessions = append(sessions, checkoutSession{
			ID:            s.ID,
			PaymentStatus: string(s.PaymentStatus),
			AmountTotal:   s.AmountTotal,
			Metadata:      s.Metadata,
		})
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return sessions, nil
}

// ReconcileService replays a customer's completed checkout sessions into
// the ledger. It shares idempotency keys with the webhook path, so sessions
// the webhook already credited come back as already_applied and running the
// two concurrently cannot double-credit.
type ReconcileService struct {
	ledger          *ledger.Ledger
	sessions        sessionLister
	logger          logging.Logger
	tokenPriceCents int64
	itemTimeout     time.Duration
}

// NewReconcileService creates a new reconcile service
func NewReconcileService(l *ledger.Ledger, sessions sessionLister, log logging.Logger) *ReconcileService {
	return &ReconcileService{
		ledger:          l,
		sessions:        sessions,
		logger:          log,
		tokenPriceCents: config.GetEnvInt64("TOKEN_PRICE_CENTS", 1000),
		itemTimeout:     config.GetEnvDuration("RECONCILE_ITEM_TIMEOUT", 30*time.Second),
	}
}

// ReconcileResult summarizes one reconciliation run
type ReconcileResult struct {
	TotalCredited int64
	Sessions      []bursarapi.SessionOutcome
}

// Reconcile credits every paid session that has not been credited yet. A
// bad session is reported and skipped, never fatal to the run.
func (s *ReconcileService) Reconcile(ctx context.Context, accountID, externalCustomerID string) (*ReconcileResult, error) {
	sessions, err := s.sessions.ListCompletedSessions(ctx, externalCustomerID)
	if err != nil {
		s.logger.WithError(err).WithField("customer_id", externalCustomerID).Error("Failed to list checkout sessions")
		return nil, ledger.ErrUpstreamUnavailable
	}

	result := &ReconcileResult{Sessions: make([]bursarapi.SessionOutcome, 0, len(sessions))}
	for _, sess := range sessions {
		outcome := s.reconcileSession(ctx, accountID, sess)
		if outcome.Outcome == "credited" {
			result.TotalCredited += outcome.Tokens
		}
		if metrics != nil && metrics.ReconcileSessions != nil {
			metrics.ReconcileSessions.WithLabelValues(outcome.Outcome).Inc()
		}
		result.Sessions = append(result.Sessions, outcome)
	}

	s.logger.WithFields(logging.Fields{
		"account_id":     accountID,
		"customer_id":    externalCustomerID,
		"sessions":       len(sessions),
		"total_credited": result.TotalCredited,
	}).Info("Reconciliation run complete")

	return result, nil
}

func (s *ReconcileService) reconcileSession(ctx context.Context, accountID string, sess checkoutSession) bursarapi.SessionOutcome {
	// One hung credit (a lock wait on the balance row) must not stall the
	// rest of the run.
	itemCtx, cancel := context.WithTimeout(ctx, s.itemTimeout)
	defer cancel()

	if sess.PaymentStatus != "paid" {
		return bursarapi.SessionOutcome{SessionID: sess.ID, Outcome: "skipped", Reason: "not paid"}
	}

	tokens := s.tokensForSession(sess)
	if tokens <= 0 {
		return bursarapi.SessionOutcome{SessionID: sess.ID, Outcome: "skipped", Reason: "no tokens derivable"}
	}

	key := sess.ID
	result, err := s.ledger.Apply(itemCtx, ledger.ApplyParams{
		AccountID:      accountID,
		Amount:         tokens,
		Type:           models.TransactionManualVerification,
		IdempotencyKey: &key,
		Description:    fmt.Sprintf("Reconciled checkout session %s", sess.ID),
		Metadata: models.Metadata{
			"stripe_session_id": sess.ID,
			"source":            "reconciliation",
		},
	})
	if err != nil {
		s.logger.WithError(err).WithField("session_id", sess.ID).Error("Failed to credit reconciled session")
		return bursarapi.SessionOutcome{SessionID: sess.ID, Outcome: "error", Reason: err.Error()}
	}
	if !result.Applied {
		return bursarapi.SessionOutcome{SessionID: sess.ID, Outcome: "already_applied", Tokens: tokens}
	}
	return bursarapi.SessionOutcome{SessionID: sess.ID, Outcome: "credited", Tokens: tokens}
}

// tokensForSession prefers the token count stamped into the session
// metadata at checkout; older sessions without it fall back to deriving
// from the amount paid.
func (s *ReconcileService) tokensForSession(sess checkoutSession) int64 {
	if raw, ok := sess.Metadata["tokens"]; ok {
		if tokens, err := strconv.ParseInt(raw, 10, 64); err == nil && tokens > 0 {
			return tokens
		}
		s.logger.WithFields(logging.Fields{
			"session_id": sess.ID,
			"tokens":     raw,
		}).Warn("Unparseable tokens metadata, falling back to amount")
	}
	if s.tokenPriceCents <= 0 {
		return 0
	}
	return sess.AmountTotal / s.tokenPriceCents
}

// ReconcilePayments handles POST /reconcile (service token). Operators run
// this when a webhook delivery is suspected lost.
func ReconcilePayments(c middleware.Context) {
	var req bursarapi.ReconcileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, bursarapi.ErrorResponse{Error: "Invalid request: " + err.Error()})
		return
	}

	result, err := reconcileService.Reconcile(c.Request.Context(), req.AccountID, req.ExternalCustomerID)
	if err != nil {
		if err == ledger.ErrUpstreamUnavailable {
			c.JSON(http.StatusBadGateway, bursarapi.ErrorResponse{Error: "Payment provider unavailable"})
			return
		}
		logger.WithError(err).WithField("account_id", req.AccountID).Error("Reconciliation failed")
		c.JSON(http.StatusInternalServerError, bursarapi.ErrorResponse{Error: "Reconciliation failed"})
		return
	}

	c.JSON(http.StatusOK, bursarapi.ReconcileResponse{
		AccountID:     req.AccountID,
		TotalCredited: result.TotalCredited,
		Sessions:      result.Sessions,
	})
}
