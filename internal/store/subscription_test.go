package store

import (
	"context"
	"testing"
	"time"

	"github.com/eddieom08-star/sema-slim-companion-sub000/internal/database"
	"github.com/eddieom08-star/sema-slim-companion-sub000/internal/model"
)

func setupSubscriptionTestDB(t *testing.T) *SubscriptionStore {
	t.Helper()
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewSubscriptionStore(db)
}

func strPtr(s string) *string { return &s }

func timePtr(t time.Time) *time.Time { return &t }

func TestGetByUserIDMissing(t *testing.T) {
	ss := setupSubscriptionTestDB(t)

	sub, err := ss.GetByUserID(context.Background(), "nobody")
	if err != nil {
		t.Fatalf("get subscription: %v", err)
	}
	if sub != nil {
		t.Errorf("expected nil subscription, got %+v", sub)
	}
}

func TestUpsertCreates(t *testing.T) {
	ss := setupSubscriptionTestDB(t)
	ctx := context.Background()

	periodEnd := time.Date(2026, 9, 30, 0, 0, 0, 0, time.UTC)
	sub, err := ss.Upsert(ctx, "user-1", SyncParams{
		Tier:                 model.TierPro,
		Status:               model.StatusActive,
		StripeCustomerID:     strPtr("cus_123"),
		StripeSubscriptionID: strPtr("sub_456"),
		CurrentPeriodEnd:     timePtr(periodEnd),
	})
	if err != nil {
		t.Fatalf("upsert subscription: %v", err)
	}
	if sub.Tier != model.TierPro {
		t.Errorf("tier = %q, want pro", sub.Tier)
	}
	if sub.Status != model.StatusActive {
		t.Errorf("status = %q, want active", sub.Status)
	}
	if sub.StripeCustomerID == nil || *sub.StripeCustomerID != "cus_123" {
		t.Errorf("stripe customer id = %v, want cus_123", sub.StripeCustomerID)
	}
	if sub.CurrentPeriodEnd == nil || !sub.CurrentPeriodEnd.Equal(periodEnd) {
		t.Errorf("period end = %v, want %v", sub.CurrentPeriodEnd, periodEnd)
	}
	if sub.CurrentPeriodStart != nil {
		t.Errorf("period start = %v, want nil", sub.CurrentPeriodStart)
	}
}

func TestUpsertUpdateKeepsUnsetFields(t *testing.T) {
	ss := setupSubscriptionTestDB(t)
	ctx := context.Background()

	_, err := ss.Upsert(ctx, "user-1", SyncParams{
		Tier:                 model.TierPro,
		Status:               model.StatusTrialing,
		StripeCustomerID:     strPtr("cus_123"),
		StripeSubscriptionID: strPtr("sub_456"),
		TrialEnd:             timePtr(time.Date(2026, 9, 7, 0, 0, 0, 0, time.UTC)),
	})
	if err != nil {
		t.Fatalf("first upsert: %v", err)
	}

	// Second webhook carries only the status change. Identifiers and
	// trial dates must survive the nil params.
	sub, err := ss.Upsert(ctx, "user-1", SyncParams{
		Tier:   model.TierPro,
		Status: model.StatusActive,
	})
	if err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	if sub.Status != model.StatusActive {
		t.Errorf("status = %q, want active", sub.Status)
	}
	if sub.StripeCustomerID == nil || *sub.StripeCustomerID != "cus_123" {
		t.Errorf("stripe customer id = %v, want cus_123", sub.StripeCustomerID)
	}
	if sub.StripeSubscriptionID == nil || *sub.StripeSubscriptionID != "sub_456" {
		t.Errorf("stripe subscription id = %v, want sub_456", sub.StripeSubscriptionID)
	}
	if sub.TrialEnd == nil {
		t.Error("trial end cleared by partial upsert")
	}
}

func TestGetByStripeID(t *testing.T) {
	ss := setupSubscriptionTestDB(t)
	ctx := context.Background()

	_, err := ss.Upsert(ctx, "user-1", SyncParams{
		Tier:                 model.TierPro,
		Status:               model.StatusActive,
		StripeSubscriptionID: strPtr("sub_456"),
	})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}

	sub, err := ss.GetByStripeID(ctx, "sub_456")
	if err != nil {
		t.Fatalf("get by stripe id: %v", err)
	}
	if sub == nil || sub.UserID != "user-1" {
		t.Fatalf("got %+v, want user-1", sub)
	}

	missing, err := ss.GetByStripeID(ctx, "sub_unknown")
	if err != nil {
		t.Fatalf("get by unknown stripe id: %v", err)
	}
	if missing != nil {
		t.Errorf("expected nil, got %+v", missing)
	}
}

func TestSetStatusAndPeriod(t *testing.T) {
	ss := setupSubscriptionTestDB(t)
	ctx := context.Background()

	if _, err := ss.Upsert(ctx, "user-1", SyncParams{Tier: model.TierPro, Status: model.StatusActive}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	if err := ss.SetStatus(ctx, "user-1", model.StatusPastDue); err != nil {
		t.Fatalf("set status: %v", err)
	}
	start := time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)
	if err := ss.SetPeriod(ctx, "user-1", start, end); err != nil {
		t.Fatalf("set period: %v", err)
	}

	sub, err := ss.GetByUserID(ctx, "user-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if sub.Status != model.StatusPastDue {
		t.Errorf("status = %q, want past_due", sub.Status)
	}
	if sub.CurrentPeriodStart == nil || !sub.CurrentPeriodStart.Equal(start) {
		t.Errorf("period start = %v, want %v", sub.CurrentPeriodStart, start)
	}
	if sub.CurrentPeriodEnd == nil || !sub.CurrentPeriodEnd.Equal(end) {
		t.Errorf("period end = %v, want %v", sub.CurrentPeriodEnd, end)
	}
}

func TestCancelAndReactivate(t *testing.T) {
	ss := setupSubscriptionTestDB(t)
	ctx := context.Background()

	if _, err := ss.Upsert(ctx, "user-1", SyncParams{Tier: model.TierPro, Status: model.StatusActive}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	at := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)
	if err := ss.Cancel(ctx, "user-1", at); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	sub, _ := ss.GetByUserID(ctx, "user-1")
	if sub.CancelledAt == nil || !sub.CancelledAt.Equal(at) {
		t.Errorf("cancelled at = %v, want %v", sub.CancelledAt, at)
	}
	if sub.WillRenew() {
		t.Error("cancelled subscription reports it will renew")
	}

	if err := ss.Reactivate(ctx, "user-1"); err != nil {
		t.Fatalf("reactivate: %v", err)
	}
	sub, _ = ss.GetByUserID(ctx, "user-1")
	if sub.CancelledAt != nil {
		t.Errorf("cancelled at = %v, want nil", sub.CancelledAt)
	}
	if !sub.WillRenew() {
		t.Error("reactivated subscription reports it will not renew")
	}
}
