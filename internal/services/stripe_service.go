package services

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
	"github.com/stripe/stripe-go/v76/webhook"
	"github.com/trailmarket/tour-engine/internal/config"
	"github.com/trailmarket/tour-engine/internal/models"
	"github.com/trailmarket/tour-engine/pkg/pricing"
)

// StripeService creates Stripe Checkout sessions as Connect destination
// charges and verifies Stripe webhooks. Without a secret key it runs in
// development mode and returns placeholder sessions.
type StripeService struct {
	config *config.PaymentConfig
	api    *client.API
	logger *logrus.Logger
}

// NewStripeService creates a new Stripe payment service
func NewStripeService(cfg *config.PaymentConfig, logger *logrus.Logger) *StripeService {
	s := &StripeService{config: cfg, logger: logger}
	if cfg.StripeSecretKey != "" {
		s.api = client.New(cfg.StripeSecretKey, nil)
	}
	return s
}

// IsConfigured returns true if a Stripe secret key is set
func (s *StripeService) IsConfigured() bool {
	return s.api != nil
}

// CreateCheckoutSession creates a hosted payment page for a single line item.
// The platform fee is taken as the application fee and the rest is transferred
// to the guide's connected account.
func (s *StripeService) CreateCheckoutSession(ctx context.Context, p CheckoutParams) (*CheckoutSession, error) {
	if p.Amount <= 0 {
		return nil, fmt.Errorf("checkout amount must be positive")
	}
	if p.DestinationAccount == "" {
		return nil, fmt.Errorf("checkout requires a destination account")
	}

	if !s.IsConfigured() {
		id := "cs_dev_" + strings.ReplaceAll(uuid.NewString(), "-", "")
		s.logger.WithFields(logrus.Fields{
			"session_id": id,
			"amount":     p.Amount,
			"fee":        p.FeeAmount,
			"metadata":   p.Metadata,
		}).Warn("Stripe not configured, returning development checkout session")
		return &CheckoutSession{
			ID:        id,
			URL:       renderReturnURL(p.SuccessURL, id),
			ExpiresAt: p.ExpiresAt,
		}, nil
	}

	params := &stripe.CheckoutSessionParams{
		Mode:          stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL:    stripe.String(p.SuccessURL),
		CancelURL:     stripe.String(p.CancelURL),
		CustomerEmail: stripe.String(p.CustomerEmail),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Quantity: stripe.Int64(1),
				PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
					Currency:   stripe.String(strings.ToLower(p.Currency)),
					UnitAmount: stripe.Int64(pricing.ToMinorUnits(p.Amount)),
					ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
						Name: stripe.String(p.Description),
					},
				},
			},
		},
		PaymentIntentData: &stripe.CheckoutSessionPaymentIntentDataParams{
			ApplicationFeeAmount: stripe.Int64(pricing.ToMinorUnits(p.FeeAmount)),
			TransferData: &stripe.CheckoutSessionPaymentIntentDataTransferDataParams{
				Destination: stripe.String(p.DestinationAccount),
			},
			Metadata: p.Metadata,
		},
	}
	if !p.ExpiresAt.IsZero() {
		params.ExpiresAt = stripe.Int64(p.ExpiresAt.Unix())
	}
	for k, v := range p.Metadata {
		params.AddMetadata(k, v)
	}
	params.Context = ctx

	session, err := s.api.CheckoutSessions.New(params)
	if err != nil {
		return nil, fmt.Errorf("failed to create checkout session: %w", err)
	}

	s.logger.WithFields(logrus.Fields{
		"session_id": session.ID,
		"amount":     p.Amount,
		"fee":        p.FeeAmount,
		"kind":       p.Metadata[models.MetadataKind],
	}).Info("Checkout session created")

	return &CheckoutSession{
		ID:        session.ID,
		URL:       session.URL,
		ExpiresAt: time.Unix(session.ExpiresAt, 0),
	}, nil
}

// ExpireCheckoutSession closes an open session so it can no longer be paid
func (s *StripeService) ExpireCheckoutSession(ctx context.Context, sessionID string) error {
	if !s.IsConfigured() {
		s.logger.WithField("session_id", sessionID).Debug("Stripe not configured, skipping session expiry")
		return nil
	}
	params := &stripe.CheckoutSessionExpireParams{}
	params.Context = ctx
	if _, err := s.api.CheckoutSessions.Expire(sessionID, params); err != nil {
		return fmt.Errorf("failed to expire checkout session: %w", err)
	}
	return nil
}

// ParseWebhook verifies the Stripe-Signature header and extracts the checkout
// session. Event types other than completed and expired come back as WebhookIgnored.
func (s *StripeService) ParseWebhook(payload []byte, signature string) (*WebhookEvent, error) {
	if s.config.StripeWebhookSecret == "" {
		return nil, fmt.Errorf("webhook secret not configured")
	}

	event, err := webhook.ConstructEventWithOptions(payload, signature, s.config.StripeWebhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		return nil, fmt.Errorf("invalid webhook signature: %w", err)
	}

	result := &WebhookEvent{RawType: string(event.Type), Type: WebhookIgnored}
	switch event.Type {
	case "checkout.session.completed", "checkout.session.expired":
	default:
		return result, nil
	}

	var session stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
		return nil, fmt.Errorf("invalid checkout session payload: %w", err)
	}
	result.SessionID = session.ID
	result.Metadata = session.Metadata

	if event.Type == "checkout.session.expired" {
		result.Type = WebhookCheckoutExpired
		return result, nil
	}

	result.Type = WebhookCheckoutCompleted
	if session.PaymentStatus != stripe.CheckoutSessionPaymentStatusPaid {
		// Delayed payment methods confirm through a later event
		s.logger.WithFields(logrus.Fields{
			"session_id":     session.ID,
			"payment_status": session.PaymentStatus,
		}).Info("Checkout completed without payment, waiting")
		return result, nil
	}

	confirmation := &models.PaymentConfirmation{
		ConfirmationID: session.ID,
		EventID:        event.ID,
		CustomerEmail:  session.CustomerEmail,
		AmountTotal:    session.AmountTotal,
		Currency:       string(session.Currency),
		Metadata:       session.Metadata,
	}
	if session.CustomerDetails != nil {
		if session.CustomerDetails.Email != "" {
			confirmation.CustomerEmail = session.CustomerDetails.Email
		}
		confirmation.CustomerName = session.CustomerDetails.Name
	}
	if session.PaymentIntent != nil {
		confirmation.PaymentIntentID = session.PaymentIntent.ID
	}
	result.Confirmation = confirmation
	return result, nil
}

// renderReturnURL fills Stripe's {CHECKOUT_SESSION_ID} placeholder
func renderReturnURL(url, sessionID string) string {
	return strings.ReplaceAll(url, "{CHECKOUT_SESSION_ID}", sessionID)
}
