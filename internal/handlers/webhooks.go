package handlers

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"argumentum/bursar/internal/ledger"
	bursarapi "argumentum/bursar/pkg/api/bursar"
	"argumentum/bursar/pkg/config"
	"argumentum/bursar/pkg/logging"
	"argumentum/bursar/pkg/middleware"
	"argumentum/bursar/pkg/models"
)

// stripeEvent is the envelope of a Stripe webhook delivery
type stripeEvent struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

// stripeCheckoutSession carries the fields we read off a completed session
type stripeCheckoutSession struct {
	ID              string            `json:"id"`
	Mode            string            `json:"mode"`
	PaymentStatus   string            `json:"payment_status"`
	AmountTotal     int64             `json:"amount_total"`
	Subscription    string            `json:"subscription"`
	Metadata        map[string]string `json:"metadata"`
	CustomerDetails struct {
		Email string `json:"email"`
	} `json:"customer_details"`
}

type stripeSubscription struct {
	ID string `json:"id"`
}

// HandleStripeWebhook handles POST /webhooks/stripe. Ignorable events get a
// 200; a non-2xx is returned only when processing genuinely failed, since
// the provider retries on anything else.
func HandleStripeWebhook(c middleware.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, bursarapi.ErrorResponse{Error: "Failed to read request body"})
		return
	}

	// An unverified delivery on this endpoint credits balances, so a
	// missing secret fails closed; local development opts out explicitly.
	signature := c.GetHeader("Stripe-Signature")
	webhookSecret := os.Getenv("STRIPE_WEBHOOK_SECRET")
	if webhookSecret == "" {
		if !config.GetEnvBool("ALLOW_UNVERIFIED_WEBHOOKS", false) {
			logger.Error("STRIPE_WEBHOOK_SECRET not set, refusing webhook delivery")
			c.JSON(http.StatusServiceUnavailable, bursarapi.ErrorResponse{Error: "Webhook verification not configured"})
			return
		}
		logger.Warn("Accepting unverified webhook delivery (ALLOW_UNVERIFIED_WEBHOOKS)")
	} else if !verifyStripeSignature(body, signature, webhookSecret) {
		c.JSON(http.StatusBadRequest, bursarapi.ErrorResponse{Error: "Invalid signature"})
		return
	}

	var event stripeEvent
	if err := json.Unmarshal(body, &event); err != nil {
		c.JSON(http.StatusBadRequest, bursarapi.ErrorResponse{Error: "Invalid event payload"})
		return
	}

	logger.WithFields(logging.Fields{
		"event_id":   event.ID,
		"event_type": event.Type,
	}).Info("Received Stripe webhook")

	ctx := c.Request.Context()
	switch event.Type {
	case "checkout.session.completed":
		err = handleCheckoutSessionCompleted(ctx, event.Data.Object)
	case "customer.subscription.deleted":
		err = handleSubscriptionDeleted(ctx, event.Data.Object)
	default:
		c.JSON(http.StatusOK, middleware.H{"received": true})
		return
	}

	if err != nil {
		logger.WithError(err).WithFields(logging.Fields{
			"event_id":   event.ID,
			"event_type": event.Type,
		}).Error("Failed to process Stripe webhook")
		c.JSON(http.StatusInternalServerError, bursarapi.ErrorResponse{Error: "Failed to process event"})
		return
	}

	c.JSON(http.StatusOK, middleware.H{"received": true})
}

func handleCheckoutSessionCompleted(ctx context.Context, raw json.RawMessage) error {
	var sess stripeCheckoutSession
	if err := json.Unmarshal(raw, &sess); err != nil {
		return fmt.Errorf("failed to parse checkout session: %w", err)
	}

	if sess.PaymentStatus != "paid" {
		logger.WithFields(logging.Fields{
			"session_id":     sess.ID,
			"payment_status": sess.PaymentStatus,
		}).Info("Ignoring unpaid checkout session")
		return nil
	}

	accountID, err := resolveAccountID(ctx, sess)
	if err != nil {
		return err
	}

	switch sess.Mode {
	case "payment":
		return creditTokenPurchase(ctx, accountID, sess)
	case "subscription":
		return activateSubscription(ctx, accountID, sess)
	default:
		logger.WithField("mode", sess.Mode).Warn("Ignoring checkout session with unknown mode")
		return nil
	}
}

// resolveAccountID prefers the account id stamped into the session metadata
// at checkout; sessions created outside our checkout flow fall back to a
// profile lookup by the payer's email.
func resolveAccountID(ctx context.Context, sess stripeCheckoutSession) (string, error) {
	if accountID := sess.Metadata["account_id"]; accountID != "" {
		return accountID, nil
	}

	email := sess.CustomerDetails.Email
	if email == "" {
		return "", fmt.Errorf("session %s has no account_id metadata and no customer email", sess.ID)
	}

	var accountID string
	err := db.QueryRowContext(ctx, `
		SELECT id FROM profiles WHERE LOWER(email) = LOWER($1)
	`, email).Scan(&accountID)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("no profile found for customer email on session %s", sess.ID)
	}
	if err != nil {
		return "", fmt.Errorf("failed to look up profile by email: %w", err)
	}
	return accountID, nil
}

func creditTokenPurchase(ctx context.Context, accountID string, sess stripeCheckoutSession) error {
	tokens := tokensFromSession(sess)
	if tokens <= 0 {
		logger.WithField("session_id", sess.ID).Warn("Paid session derives zero tokens, skipping")
		return nil
	}

	key := sess.ID
	result, err := ledgerStore.Apply(ctx, ledger.ApplyParams{
		AccountID:      accountID,
		Amount:         tokens,
		Type:           models.TransactionPurchase,
		IdempotencyKey: &key,
		Description:    fmt.Sprintf("Token purchase (%d tokens)", tokens),
		Metadata: models.Metadata{
			"stripe_session_id": sess.ID,
			"source":            "webhook",
		},
	})
	if err != nil {
		countMutation("purchase", "error")
		return fmt.Errorf("failed to credit purchase: %w", err)
	}
	if !result.Applied {
		countMutation("purchase", "already_applied")
		return nil
	}
	countMutation("purchase", "applied")
	return nil
}

// activateSubscription records the grant schedule and applies the first
// monthly installment. Annual plans are paid once and drawn down monthly;
// the first of the twelve grants lands here, keyed by the session so a
// replayed webhook cannot double-grant it.
func activateSubscription(ctx context.Context, accountID string, sess stripeCheckoutSession) error {
	if sess.Subscription == "" {
		return fmt.Errorf("subscription session %s carries no subscription id", sess.ID)
	}

	tokens := tokensFromSession(sess)
	if tokens <= 0 {
		return fmt.Errorf("subscription session %s derives zero tokens per cycle", sess.ID)
	}

	billingCycle := sess.Metadata["billing_cycle"]
	if billingCycle != models.BillingCycleAnnual {
		billingCycle = models.BillingCycleMonthly
	}
	planType := sess.Metadata["plan_name"]

	// DO NOTHING on conflict: a replayed delivery must not resurrect a
	// schedule the customer has since canceled (or one that has expired).
	if _, err := db.ExecContext(ctx, `
		INSERT INTO bursar.subscription_renewals
		(id, account_id, external_subscription_id, plan_type, billing_cycle, tokens_per_cycle,
		 next_grant_date, granted_cycles_count, status)
		VALUES ($1, $2, $3, $4, $5, $6, NOW() + INTERVAL '1 month', 1, 'active')
		ON CONFLICT (external_subscription_id) DO NOTHING
	`, uuid.New().String(), accountID, sess.Subscription, planType, billingCycle, tokens); err != nil {
		return fmt.Errorf("failed to record subscription renewal: %w", err)
	}

	key := sess.ID
	result, err := ledgerStore.Apply(ctx, ledger.ApplyParams{
		AccountID:      accountID,
		Amount:         tokens,
		Type:           models.TransactionSubscriptionGrant,
		IdempotencyKey: &key,
		Description:    fmt.Sprintf("Subscription grant (%s, cycle 1)", planType),
		Metadata: models.Metadata{
			"stripe_session_id": sess.ID,
			"subscription_id":   sess.Subscription,
			"plan_type":         planType,
			"billing_cycle":     billingCycle,
		},
	})
	if err != nil {
		countMutation("subscription_grant", "error")
		return fmt.Errorf("failed to apply first subscription grant: %w", err)
	}
	if result.Applied {
		countMutation("subscription_grant", "applied")
	} else {
		countMutation("subscription_grant", "already_applied")
	}

	logger.WithFields(logging.Fields{
		"account_id":      accountID,
		"subscription_id": sess.Subscription,
		"billing_cycle":   billingCycle,
		"tokens":          tokens,
	}).Info("Activated subscription")
	return nil
}

func handleSubscriptionDeleted(ctx context.Context, raw json.RawMessage) error {
	var sub stripeSubscription
	if err := json.Unmarshal(raw, &sub); err != nil {
		return fmt.Errorf("failed to parse subscription: %w", err)
	}
	if sub.ID == "" {
		return fmt.Errorf("subscription event carries no id")
	}

	res, err := db.ExecContext(ctx, `
		UPDATE bursar.subscription_renewals
		SET status = 'canceled', updated_at = NOW()
		WHERE external_subscription_id = $1 AND status = 'active'
	`, sub.ID)
	if err != nil {
		return fmt.Errorf("failed to cancel subscription renewal: %w", err)
	}

	rows, _ := res.RowsAffected()
	logger.WithFields(logging.Fields{
		"subscription_id": sub.ID,
		"rows":            rows,
	}).Info("Canceled subscription renewals")
	return nil
}

// tokensFromSession reads the token count stamped at checkout, falling back
// to deriving it from the amount paid for sessions created before stamping.
func tokensFromSession(sess stripeCheckoutSession) int64 {
	if raw, ok := sess.Metadata["tokens"]; ok {
		if tokens, err := strconv.ParseInt(raw, 10, 64); err == nil && tokens > 0 {
			return tokens
		}
	}
	priceCents := config.GetEnvInt64("TOKEN_PRICE_CENTS", 1000)
	if priceCents <= 0 {
		return 0
	}
	return sess.AmountTotal / priceCents
}

// verifyStripeSignature verifies the Stripe webhook signature using HMAC-SHA256
func verifyStripeSignature(payload []byte, signature, secret string) bool {
	if signature == "" || secret == "" {
		return false
	}

	// Header format: t=timestamp,v1=signature[,v1=signature]
	elements := strings.Split(signature, ",")
	var timestamp string
	var signatures []string

	for _, element := range elements {
		parts := strings.SplitN(element, "=", 2)
		if len(parts) != 2 {
			continue
		}
		switch parts[0] {
		case "t":
			timestamp = parts[1]
		case "v1":
			signatures = append(signatures, parts[1])
		}
	}

	if timestamp == "" || len(signatures) == 0 {
		logger.Error("Invalid Stripe signature format: missing timestamp or signatures")
		return false
	}

	timestampInt, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		logger.WithFields(logging.Fields{
			"timestamp": timestamp,
			"error":     err,
		}).Error("Failed to parse Stripe webhook timestamp")
		return false
	}

	now := time.Now().Unix()
	if now-timestampInt > 300 { // 5 minutes tolerance
		logger.WithFields(logging.Fields{
			"timestamp":   timestampInt,
			"age_seconds": now - timestampInt,
		}).Warn("Stripe webhook timestamp too old")
		return false
	}

	signedPayload := timestamp + "." + string(payload)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(signedPayload))
	expectedSignature := hex.EncodeToString(mac.Sum(nil))

	for _, providedSig := range signatures {
		if hmac.Equal([]byte(expectedSignature), []byte(providedSig)) {
			return true
		}
	}

	logger.WithFields(logging.Fields{
		"timestamp":   timestamp,
		"payload_len": len(payload),
	}).Warn("Stripe signature verification failed")
	return false
}
