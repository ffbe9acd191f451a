package handler

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	stripe "github.com/stripe/stripe-go/v82"

	billingstripe "github.com/eddieom08-star/sema-slim-companion-sub000/internal/billing/stripe"
	"github.com/eddieom08-star/sema-slim-companion-sub000/internal/entitlement"
	"github.com/eddieom08-star/sema-slim-companion-sub000/internal/model"
	"github.com/eddieom08-star/sema-slim-companion-sub000/internal/store"
)

// renewalGenerationTokens is the subscription-linked grant credited on
// every paid renewal, on top of the tier's built-in monthly allowance.
const renewalGenerationTokens = 5

// WebhookHandler consumes the payment processor's event stream and turns
// it into ledger credits and subscription transitions. Stripe retries
// deliveries, so every credit carries the event's object ID as an
// idempotency reference and duplicates are no-ops.
type WebhookHandler struct {
	stripeClient *billingstripe.Client
	subs         *store.SubscriptionStore
	balances     *store.TokenBalanceStore
	entitlements *entitlement.Service
	logger       *slog.Logger
}

func NewWebhookHandler(
	sc *billingstripe.Client,
	subs *store.SubscriptionStore,
	balances *store.TokenBalanceStore,
	ents *entitlement.Service,
	logger *slog.Logger,
) *WebhookHandler {
	return &WebhookHandler{
		stripeClient: sc,
		subs:         subs,
		balances:     balances,
		entitlements: ents,
		logger:       logger,
	}
}

func (h *WebhookHandler) HandleStripeWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 65536))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}

	event, err := h.stripeClient.ConstructWebhookEvent(body, r.Header.Get("Stripe-Signature"))
	if err != nil {
		http.Error(w, "invalid signature", http.StatusBadRequest)
		return
	}

	switch event.Type {
	case "checkout.session.completed":
		h.handleCheckoutCompleted(r, event)
	case "invoice.paid":
		h.handleInvoicePaid(r, event)
	case "invoice.payment_failed":
		h.handleInvoicePaymentFailed(r, event)
	case "customer.subscription.updated":
		h.handleSubscriptionUpdated(r, event)
	case "customer.subscription.deleted":
		h.handleSubscriptionDeleted(r, event)
	}

	w.WriteHeader(http.StatusOK)
}

func (h *WebhookHandler) handleCheckoutCompleted(r *http.Request, event stripe.Event) {
	var sess stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
		h.logger.Error("webhook: unmarshal checkout session", "error", err)
		return
	}

	userID := sess.Metadata["user_id"]
	if userID == "" {
		h.logger.Error("webhook: checkout session missing user_id metadata", "session", sess.ID)
		return
	}

	switch sess.Mode {
	case stripe.CheckoutSessionModePayment:
		h.creditTokenPack(r, sess, userID)
	case stripe.CheckoutSessionModeSubscription:
		h.startSubscription(r, sess, userID)
	}
}

// creditTokenPack credits a one-time token purchase. The checkout session
// ID is the dedupe key: a second delivery of the same session changes
// nothing.
func (h *WebhookHandler) creditTokenPack(r *http.Request, sess stripe.CheckoutSession, userID string) {
	kind := model.TokenKind(sess.Metadata["token_kind"])
	amount, err := strconv.ParseInt(sess.Metadata["token_amount"], 10, 64)
	if err != nil || amount <= 0 {
		h.logger.Error("webhook: bad token_amount metadata", "session", sess.ID, "value", sess.Metadata["token_amount"])
		return
	}

	balance, credited, err := h.balances.AddTokens(r.Context(), userID, kind, amount, model.SourcePurchase, sess.ID)
	if err != nil {
		h.logger.Error("webhook: credit token pack", "user_id", userID, "error", err)
		return
	}
	if !credited {
		h.logger.Info("webhook: duplicate token pack delivery ignored", "user_id", userID, "session", sess.ID)
		return
	}

	h.entitlements.Invalidate(userID)
	h.logger.Info("webhook: token pack credited",
		"user_id", userID, "kind", kind, "amount", amount, "balance", balance.Tokens(kind))
}

func (h *WebhookHandler) startSubscription(r *http.Request, sess stripe.CheckoutSession, userID string) {
	params := store.SyncParams{
		Tier:   model.TierPro,
		Status: model.StatusActive,
	}
	if sess.Customer != nil {
		params.StripeCustomerID = &sess.Customer.ID
	}
	if sess.Subscription != nil {
		params.StripeSubscriptionID = &sess.Subscription.ID
	}

	if _, err := h.subs.Upsert(r.Context(), userID, params); err != nil {
		h.logger.Error("webhook: upsert subscription", "user_id", userID, "error", err)
		return
	}

	h.entitlements.Invalidate(userID)
	h.logger.Info("webhook: subscription started", "user_id", userID)
}

// getSubscriptionIDFromInvoice extracts the subscription ID from an invoice's parent.
func getSubscriptionIDFromInvoice(invoice stripe.Invoice) string {
	if invoice.Parent != nil &&
		invoice.Parent.SubscriptionDetails != nil &&
		invoice.Parent.SubscriptionDetails.Subscription != nil {
		return invoice.Parent.SubscriptionDetails.Subscription.ID
	}
	return ""
}

// handleInvoicePaid is the renewal event: advance the paid period, zero
// the monthly-used counters, and credit the subscription-linked tokens.
func (h *WebhookHandler) handleInvoicePaid(r *http.Request, event stripe.Event) {
	var invoice stripe.Invoice
	if err := json.Unmarshal(event.Data.Raw, &invoice); err != nil {
		h.logger.Error("webhook: unmarshal invoice", "error", err)
		return
	}

	subID := getSubscriptionIDFromInvoice(invoice)
	if subID == "" {
		return
	}

	sub, err := h.subs.GetByStripeID(r.Context(), subID)
	if err != nil || sub == nil {
		h.logger.Error("webhook: get subscription for invoice.paid", "stripe_subscription", subID, "error", err)
		return
	}

	// The credit's reference dedupe gates the whole renewal: a redelivered
	// invoice must not re-zero the monthly-used counters either, or it
	// would re-grant included allowances already consumed.
	_, credited, err := h.balances.AddTokens(r.Context(), sub.UserID, model.TokenGeneration,
		renewalGenerationTokens, model.SourceSubscription, invoice.ID)
	if err != nil {
		h.logger.Error("webhook: credit renewal tokens", "user_id", sub.UserID, "error", err)
		return
	}
	if !credited {
		h.logger.Info("webhook: duplicate renewal delivery ignored", "user_id", sub.UserID, "invoice", invoice.ID)
		return
	}

	if err := h.subs.SetStatus(r.Context(), sub.UserID, model.StatusActive); err != nil {
		h.logger.Error("webhook: set subscription active", "user_id", sub.UserID, "error", err)
	}
	if invoice.PeriodStart > 0 && invoice.PeriodEnd > 0 {
		start := time.Unix(invoice.PeriodStart, 0).UTC()
		end := time.Unix(invoice.PeriodEnd, 0).UTC()
		if err := h.subs.SetPeriod(r.Context(), sub.UserID, start, end); err != nil {
			h.logger.Error("webhook: set subscription period", "user_id", sub.UserID, "error", err)
		}
	}

	if err := h.balances.ResetMonthlyUsage(r.Context(), sub.UserID); err != nil {
		h.logger.Error("webhook: reset monthly usage", "user_id", sub.UserID, "error", err)
	}

	h.entitlements.Invalidate(sub.UserID)
	h.logger.Info("webhook: renewal processed", "user_id", sub.UserID, "invoice", invoice.ID)
}

func (h *WebhookHandler) handleInvoicePaymentFailed(r *http.Request, event stripe.Event) {
	var invoice stripe.Invoice
	if err := json.Unmarshal(event.Data.Raw, &invoice); err != nil {
		h.logger.Error("webhook: unmarshal invoice", "error", err)
		return
	}

	subID := getSubscriptionIDFromInvoice(invoice)
	if subID == "" {
		return
	}

	sub, err := h.subs.GetByStripeID(r.Context(), subID)
	if err != nil || sub == nil {
		return
	}

	if err := h.subs.SetStatus(r.Context(), sub.UserID, model.StatusPastDue); err != nil {
		h.logger.Error("webhook: set subscription past_due", "user_id", sub.UserID, "error", err)
		return
	}
	h.entitlements.Invalidate(sub.UserID)
}

func (h *WebhookHandler) handleSubscriptionUpdated(r *http.Request, event stripe.Event) {
	var stripeSub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &stripeSub); err != nil {
		h.logger.Error("webhook: unmarshal subscription", "error", err)
		return
	}

	sub, err := h.subs.GetByStripeID(r.Context(), stripeSub.ID)
	if err != nil || sub == nil {
		return
	}

	if err := h.subs.SetStatus(r.Context(), sub.UserID, mapStatus(stripeSub.Status)); err != nil {
		h.logger.Error("webhook: set subscription status", "user_id", sub.UserID, "error", err)
	}

	if end := subscriptionPeriodEnd(stripeSub); end > 0 {
		start := stripeSub.StartDate
		if start <= 0 {
			start = stripeSub.Created
		}
		if err := h.subs.SetPeriod(r.Context(), sub.UserID,
			time.Unix(start, 0).UTC(), time.Unix(end, 0).UTC()); err != nil {
			h.logger.Error("webhook: set subscription period", "user_id", sub.UserID, "error", err)
		}
	}

	if stripeSub.CancelAtPeriodEnd || stripeSub.CanceledAt > 0 {
		at := time.Now().UTC()
		if stripeSub.CanceledAt > 0 {
			at = time.Unix(stripeSub.CanceledAt, 0).UTC()
		}
		if err := h.subs.Cancel(r.Context(), sub.UserID, at); err != nil {
			h.logger.Error("webhook: mark subscription cancelled", "user_id", sub.UserID, "error", err)
		}
	} else {
		if err := h.subs.Reactivate(r.Context(), sub.UserID); err != nil {
			h.logger.Error("webhook: reactivate subscription", "user_id", sub.UserID, "error", err)
		}
	}

	h.entitlements.Invalidate(sub.UserID)
}

func (h *WebhookHandler) handleSubscriptionDeleted(r *http.Request, event stripe.Event) {
	var stripeSub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &stripeSub); err != nil {
		h.logger.Error("webhook: unmarshal subscription", "error", err)
		return
	}

	sub, err := h.subs.GetByStripeID(r.Context(), stripeSub.ID)
	if err != nil || sub == nil {
		return
	}

	if err := h.subs.SetStatus(r.Context(), sub.UserID, model.StatusCancelled); err != nil {
		h.logger.Error("webhook: set subscription cancelled", "user_id", sub.UserID, "error", err)
	}
	if err := h.subs.Cancel(r.Context(), sub.UserID, time.Now().UTC()); err != nil {
		h.logger.Error("webhook: mark subscription cancelled", "user_id", sub.UserID, "error", err)
	}
	h.entitlements.Invalidate(sub.UserID)
}

// subscriptionPeriodEnd digs the current period end out of the first
// subscription item, where the API moved it.
func subscriptionPeriodEnd(sub stripe.Subscription) int64 {
	if sub.Items == nil || len(sub.Items.Data) == 0 {
		return 0
	}
	return sub.Items.Data[0].CurrentPeriodEnd
}

func mapStatus(status stripe.SubscriptionStatus) model.SubscriptionStatus {
	switch status {
	case stripe.SubscriptionStatusActive:
		return model.StatusActive
	case stripe.SubscriptionStatusTrialing:
		return model.StatusTrialing
	case stripe.SubscriptionStatusPastDue:
		return model.StatusPastDue
	}
	return model.StatusCancelled
}
