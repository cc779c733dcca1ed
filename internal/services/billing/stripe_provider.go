package billing

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"thumbforge_backend/internal/logger"
	"thumbforge_backend/internal/models"
	"thumbforge_backend/internal/plans"

	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/checkout/session"
	"github.com/stripe/stripe-go/v79/customer"
	"github.com/stripe/stripe-go/v79/subscription"
	"github.com/stripe/stripe-go/v79/webhook"
)

// StripeProvider - реализация Provider поверх Stripe API.
type StripeProvider struct {
	webhookSecret string
}

func NewStripeProvider(secretKey, webhookSecret string) *StripeProvider {
	stripe.Key = secretKey
	return &StripeProvider{webhookSecret: webhookSecret}
}

func (p *StripeProvider) CreateCustomer(ctx context.Context, email, name, userID string) (string, error) {
	params := &stripe.CustomerParams{
		Email: stripe.String(email),
		Name:  stripe.String(name),
		Metadata: map[string]string{
			"userId": userID,
		},
	}
	params.Context = ctx

	cust, err := customer.New(params)
	if err != nil {
		return "", wrapStripeErr(err, "create customer")
	}
	return cust.ID, nil
}

func (p *StripeProvider) CreateCheckoutSession(ctx context.Context, cp CheckoutParams) (*CheckoutSession, error) {
	params := &stripe.CheckoutSessionParams{
		Customer:           stripe.String(cp.CustomerID),
		Mode:               stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		PaymentMethodTypes: stripe.StringSlice([]string{"card"}),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
					Currency: stripe.String(string(stripe.CurrencyEUR)),
					ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
						Name:        stripe.String(cp.Plan.Name),
						Description: stripe.String(cp.Plan.Description),
						Metadata: map[string]string{
							"planType": string(cp.Plan.Type),
						},
					},
					UnitAmount: stripe.Int64(cp.Plan.PriceCents),
					Recurring: &stripe.CheckoutSessionLineItemPriceDataRecurringParams{
						Interval:      stripe.String("month"),
						IntervalCount: stripe.Int64(1),
					},
				},
				Quantity: stripe.Int64(1),
			},
		},
		SuccessURL: stripe.String(cp.SuccessURL + "?session_id={CHECKOUT_SESSION_ID}"),
		CancelURL:  stripe.String(cp.CancelURL),
		Metadata: map[string]string{
			"userId":   cp.UserID,
			"planType": string(cp.Plan.Type),
		},
	}
	params.Context = ctx

	sess, err := session.New(params)
	if err != nil {
		return nil, wrapStripeErr(err, "create checkout session")
	}

	return &CheckoutSession{ID: sess.ID, URL: sess.URL}, nil
}

func (p *StripeProvider) RetrieveSession(ctx context.Context, sessionID string) (*SessionInfo, error) {
	params := &stripe.CheckoutSessionParams{}
	params.Context = ctx

	sess, err := session.Get(sessionID, params)
	if err != nil {
		return nil, wrapStripeErr(err, "retrieve session")
	}

	info := &SessionInfo{
		ID:            sess.ID,
		PaymentStatus: string(sess.PaymentStatus),
		Metadata:      sess.Metadata,
	}
	if sess.Subscription != nil {
		info.SubscriptionID = sess.Subscription.ID
	}
	if sess.Customer != nil {
		info.CustomerID = sess.Customer.ID
	}
	return info, nil
}

func (p *StripeProvider) RetrieveSubscription(ctx context.Context, subscriptionID string) (*SubscriptionInfo, error) {
	params := &stripe.SubscriptionParams{}
	params.Context = ctx

	sub, err := subscription.Get(subscriptionID, params)
	if err != nil {
		return nil, wrapStripeErr(err, "retrieve subscription")
	}
	return mapStripeSubscription(sub), nil
}

func (p *StripeProvider) CancelSubscription(ctx context.Context, subscriptionID string) error {
	params := &stripe.SubscriptionCancelParams{}
	params.Context = ctx

	if _, err := subscription.Cancel(subscriptionID, params); err != nil {
		return wrapStripeErr(err, "cancel subscription")
	}
	return nil
}

func (p *StripeProvider) SetCancelAtPeriodEnd(ctx context.Context, subscriptionID string) (*SubscriptionInfo, error) {
	params := &stripe.SubscriptionParams{
		CancelAtPeriodEnd: stripe.Bool(true),
	}
	params.Context = ctx

	sub, err := subscription.Update(subscriptionID, params)
	if err != nil {
		return nil, wrapStripeErr(err, "set cancel_at_period_end")
	}
	return mapStripeSubscription(sub), nil
}

// ChangePlan переводит подписку на другой тариф, заменяя единственный item.
func (p *StripeProvider) ChangePlan(ctx context.Context, subscriptionID string, plan plans.Plan) error {
	getParams := &stripe.SubscriptionParams{}
	getParams.Context = ctx

	current, err := subscription.Get(subscriptionID, getParams)
	if err != nil {
		return wrapStripeErr(err, "retrieve subscription for plan change")
	}
	if len(current.Items.Data) == 0 {
		return fmt.Errorf("%w: subscription has no items", ErrProviderCall)
	}

	params := &stripe.SubscriptionParams{
		Items: []*stripe.SubscriptionItemsParams{
			{
				ID: stripe.String(current.Items.Data[0].ID),
				PriceData: &stripe.SubscriptionItemPriceDataParams{
					Currency: stripe.String(string(stripe.CurrencyEUR)),
					Product:  stripe.String(current.Items.Data[0].Price.Product.ID),
					Recurring: &stripe.SubscriptionItemPriceDataRecurringParams{
						Interval: stripe.String("month"),
					},
					UnitAmount: stripe.Int64(plan.PriceCents),
				},
			},
		},
		ProrationBehavior: stripe.String("create_prorations"),
	}
	params.Context = ctx

	if _, err := subscription.Update(subscriptionID, params); err != nil {
		return wrapStripeErr(err, "update subscription plan")
	}
	return nil
}

func (p *StripeProvider) ConstructWebhookEvent(payload []byte, signatureHeader string) (*WebhookEvent, error) {
	event, err := webhook.ConstructEvent(payload, signatureHeader, p.webhookSecret)
	if err != nil {
		return nil, ErrInvalidSignature
	}

	out := &WebhookEvent{ID: event.ID, Raw: event.Data.Raw}

	switch event.Type {
	case "checkout.session.completed":
		var sess stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
			return nil, fmt.Errorf("%w: decode checkout session: %v", ErrProviderCall, err)
		}
		out.Type = EventCheckoutCompleted
		out.Session = &SessionInfo{
			ID:            sess.ID,
			PaymentStatus: string(sess.PaymentStatus),
			Metadata:      sess.Metadata,
		}
		if sess.Subscription != nil {
			out.Session.SubscriptionID = sess.Subscription.ID
		}
		if sess.Customer != nil {
			out.Session.CustomerID = sess.Customer.ID
		}

	case "customer.subscription.updated", "customer.subscription.deleted":
		var sub stripe.Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return nil, fmt.Errorf("%w: decode subscription: %v", ErrProviderCall, err)
		}
		if event.Type == "customer.subscription.deleted" {
			out.Type = EventSubscriptionDeleted
		} else {
			out.Type = EventSubscriptionUpdated
		}
		out.Subscription = mapStripeSubscription(&sub)

	case "invoice.payment_failed":
		var inv stripe.Invoice
		if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
			return nil, fmt.Errorf("%w: decode invoice: %v", ErrProviderCall, err)
		}
		out.Type = EventInvoicePaymentFailed
		out.Invoice = &InvoiceInfo{
			AmountDue: inv.AmountDue,
			Currency:  string(inv.Currency),
		}
		if inv.Customer != nil {
			out.Invoice.CustomerID = inv.Customer.ID
		}

	default:
		out.Type = EventIgnored
	}

	return out, nil
}

func mapStripeSubscription(sub *stripe.Subscription) *SubscriptionInfo {
	info := &SubscriptionInfo{
		ID:                sub.ID,
		Status:            mapStripeStatus(sub.Status),
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
		Metadata:          sub.Metadata,
	}
	if sub.CurrentPeriodStart > 0 {
		info.PeriodStart = time.Unix(sub.CurrentPeriodStart, 0)
	}
	if sub.CurrentPeriodEnd > 0 {
		info.PeriodEnd = time.Unix(sub.CurrentPeriodEnd, 0)
	}
	if sub.Items != nil && len(sub.Items.Data) > 0 {
		price := sub.Items.Data[0].Price
		if price != nil {
			info.PriceID = price.ID
			if price.Product != nil {
				info.ProductID = price.Product.ID
			}
		}
	}
	return info
}

// mapStripeStatus приводит статус Stripe к нашему набору.
func mapStripeStatus(status stripe.SubscriptionStatus) models.SubscriptionStatus {
	switch status {
	case stripe.SubscriptionStatusActive, stripe.SubscriptionStatusTrialing:
		return models.SubscriptionStatusActive
	case stripe.SubscriptionStatusCanceled:
		return models.SubscriptionStatusCanceled
	case stripe.SubscriptionStatusPastDue:
		return models.SubscriptionStatusPastDue
	case stripe.SubscriptionStatusPaused:
		return models.SubscriptionStatusPaused
	default:
		// incomplete, incomplete_expired, unpaid
		return models.SubscriptionStatusUnpaid
	}
}

// wrapStripeErr логирует только код ошибки Stripe (без payload,
// чтобы не светить платежные данные) и возвращает обернутую ошибку.
func wrapStripeErr(err error, op string) error {
	if stripeErr, ok := err.(*stripe.Error); ok {
		logger.Error("stripe call failed", "op", op, "code", stripeErr.Code, "status", stripeErr.HTTPStatusCode)
		return fmt.Errorf("%w: %s: %s", ErrProviderCall, op, stripeErr.Code)
	}
	logger.Error("stripe call failed", "op", op, "error", err.Error())
	return fmt.Errorf("%w: %s", ErrProviderCall, op)
}
