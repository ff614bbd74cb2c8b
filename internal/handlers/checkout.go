package handlers

import (
	"fmt"
	"net/http"
	"os"
	"strconv"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/checkout/session"

	bursarapi "argumentum/bursar/pkg/api/bursar"
	"argumentum/bursar/pkg/config"
	"argumentum/bursar/pkg/logging"
	"argumentum/bursar/pkg/middleware"
)

// CreateTokenCheckout handles POST /checkout/tokens: a one-off purchase
// priced at TOKEN_PRICE_CENTS per token. The token count and account id are
// stamped into the session metadata, which is what the webhook and the
// reconciler read back when crediting.
func CreateTokenCheckout(c middleware.Context) {
	var req bursarapi.TokenCheckoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, bursarapi.ErrorResponse{Error: "Invalid request: " + err.Error()})
		return
	}

	stripe.Key = os.Getenv("STRIPE_SECRET_KEY")
	if stripe.Key == "" {
		c.JSON(http.StatusServiceUnavailable, bursarapi.ErrorResponse{Error: "Payments not configured"})
		return
	}

	accountID := c.GetString("account_id")
	email := c.GetString("email")
	priceCents := config.GetEnvInt64("TOKEN_PRICE_CENTS", 1000)
	currency := config.GetEnv("CHECKOUT_CURRENCY", "brl")

	params := &stripe.CheckoutSessionParams{
		Mode:       stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL: stripe.String(config.GetEnv("CHECKOUT_SUCCESS_URL", "https://argumentum.app/billing/success")),
		CancelURL:  stripe.String(config.GetEnv("CHECKOUT_CANCEL_URL", "https://argumentum.app/billing/canceled")),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
					Currency: stripe.String(currency),
					ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
						Name: stripe.String(fmt.Sprintf("%d petition tokens", req.Tokens)),
					},
					UnitAmount: stripe.Int64(priceCents),
				},
				Quantity: stripe.Int64(req.Tokens),
			},
		},
		Metadata: map[string]string{
			"account_id": accountID,
			"tokens":     strconv.FormatInt(req.Tokens, 10),
			"plan_name":  req.PlanName,
		},
	}
	if email != "" {
		params.CustomerEmail = stripe.String(email)
	}

	sess, err := session.New(params)
	if err != nil {
		logger.WithError(err).WithField("account_id", accountID).Error("Failed to create token checkout session")
		c.JSON(http.StatusBadGateway, bursarapi.ErrorResponse{Error: "Payment provider unavailable"})
		return
	}

	logger.WithFields(logging.Fields{
		"account_id": accountID,
		"session_id": sess.ID,
		"tokens":     req.Tokens,
	}).Info("Created token checkout session")

	c.JSON(http.StatusOK, bursarapi.CheckoutResponse{
		SessionID:   sess.ID,
		CheckoutURL: sess.URL,
	})
}

// CreateSubscriptionCheckout handles POST /checkout/subscription. The plan's
// monthly token installment rides along in the metadata; the webhook builds
// the renewal schedule from it when the session completes.
func CreateSubscriptionCheckout(c middleware.Context) {
	var req bursarapi.SubscriptionCheckoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, bursarapi.ErrorResponse{Error: "Invalid request: " + err.Error()})
		return
	}

	stripe.Key = os.Getenv("STRIPE_SECRET_KEY")
	if stripe.Key == "" {
		c.JSON(http.StatusServiceUnavailable, bursarapi.ErrorResponse{Error: "Payments not configured"})
		return
	}

	accountID := c.GetString("account_id")
	email := c.GetString("email")

	params := &stripe.CheckoutSessionParams{
		Mode:       stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		SuccessURL: stripe.String(config.GetEnv("CHECKOUT_SUCCESS_URL", "https://argumentum.app/billing/success")),
		CancelURL:  stripe.String(config.GetEnv("CHECKOUT_CANCEL_URL", "https://argumentum.app/billing/canceled")),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Price:    stripe.String(req.PriceID),
				Quantity: stripe.Int64(1),
			},
		},
		Metadata: map[string]string{
			"account_id":    accountID,
			"tokens":        strconv.FormatInt(req.Tokens, 10),
			"plan_name":     req.PlanName,
			"billing_cycle": req.BillingCycle,
		},
	}
	if email != "" {
		params.CustomerEmail = stripe.String(email)
	}

	sess, err := session.New(params)
	if err != nil {
		logger.WithError(err).WithFields(logging.Fields{
			"account_id": accountID,
			"price_id":   req.PriceID,
		}).Error("Failed to create subscription checkout session")
		c.JSON(http.StatusBadGateway, bursarapi.ErrorResponse{Error: "Payment provider unavailable"})
		return
	}

	logger.WithFields(logging.Fields{
		"account_id":    accountID,
		"session_id":    sess.ID,
		"billing_cycle": req.BillingCycle,
	}).Info("Created subscription checkout session")

	c.JSON(http.StatusOK, bursarapi.CheckoutResponse{
		SessionID:   sess.ID,
		CheckoutURL: sess.URL,
	})
}
