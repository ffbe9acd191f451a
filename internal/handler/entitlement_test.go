package handler

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/eddieom08-star/sema-slim-companion-sub000/internal/auth"
	"github.com/eddieom08-star/sema-slim-companion-sub000/internal/database"
	"github.com/eddieom08-star/sema-slim-companion-sub000/internal/entitlement"
	"github.com/eddieom08-star/sema-slim-companion-sub000/internal/model"
	"github.com/eddieom08-star/sema-slim-companion-sub000/internal/store"
)

type handlerEnv struct {
	handler  *EntitlementHandler
	balances *store.TokenBalanceStore
}

func setupHandlerTest(t *testing.T) *handlerEnv {
	t.Helper()
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	subs := store.NewSubscriptionStore(db)
	balances := store.NewTokenBalanceStore(db)
	usage := store.NewFeatureUsageStore(db)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	svc, err := entitlement.NewService(db, subs, balances, usage, entitlement.Config{}, logger)
	if err != nil {
		t.Fatalf("new entitlement service: %v", err)
	}
	return &handlerEnv{
		handler:  NewEntitlementHandler(svc, balances, logger),
		balances: balances,
	}
}

func authedRequest(method, target, body string) *http.Request {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	ctx := auth.WithAuth(req.Context(), auth.AuthContext{ClientName: "mobile-api", UserID: "user-1"})
	return req.WithContext(ctx)
}

func TestGetEntitlements(t *testing.T) {
	env := setupHandlerTest(t)

	rec := httptest.NewRecorder()
	env.handler.Get(rec, authedRequest(http.MethodGet, "/api/entitlements", ""))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var e model.Entitlements
	if err := json.NewDecoder(rec.Body).Decode(&e); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if e.Tier != model.TierFree {
		t.Errorf("tier = %q, want free", e.Tier)
	}
	if e.Limits.AIGenerationsPerMonth != 5 {
		t.Errorf("generation limit = %d, want 5", e.Limits.AIGenerationsPerMonth)
	}
}

func TestCheckFeature(t *testing.T) {
	env := setupHandlerTest(t)

	req := authedRequest(http.MethodPost, "/api/features/ai_generation/check", `{"quantity": 2}`)
	req.SetPathValue("feature", "ai_generation")
	rec := httptest.NewRecorder()
	env.handler.Check(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var d entitlement.Decision
	if err := json.NewDecoder(rec.Body).Decode(&d); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !d.Allowed {
		t.Errorf("check denied: %s", d.Reason)
	}
	if d.Remaining != 5 {
		t.Errorf("remaining = %d, want 5", d.Remaining)
	}
}

func TestCheckFeatureDefaultsQuantity(t *testing.T) {
	env := setupHandlerTest(t)

	req := authedRequest(http.MethodPost, "/api/features/barcode_scan/check", `{}`)
	req.SetPathValue("feature", "barcode_scan")
	rec := httptest.NewRecorder()
	env.handler.Check(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestCheckFeatureRejectsBadInput(t *testing.T) {
	env := setupHandlerTest(t)

	tests := []struct {
		name string
		body string
	}{
		{"invalid json", `{`},
		{"negative quantity", `{"quantity": -1}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := authedRequest(http.MethodPost, "/api/features/ai_generation/check", tt.body)
			req.SetPathValue("feature", "ai_generation")
			rec := httptest.NewRecorder()
			env.handler.Check(rec, req)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", rec.Code)
			}
		})
	}
}

func TestConsumeFeature(t *testing.T) {
	env := setupHandlerTest(t)

	req := authedRequest(http.MethodPost, "/api/features/ai_generation/consume", `{"quantity": 1}`)
	req.SetPathValue("feature", "ai_generation")
	rec := httptest.NewRecorder()
	env.handler.Consume(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var result entitlement.ConsumeResult
	if err := json.NewDecoder(rec.Body).Decode(&result); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !result.Allowed {
		t.Errorf("consume denied: %s", result.Reason)
	}
	if result.UsedTokens {
		t.Error("consume drew from tokens with quota remaining")
	}
}

func TestConsumeDenialIsOK(t *testing.T) {
	env := setupHandlerTest(t)

	// Free tier has no shields and the user bought none: a denial, not an
	// error, so the status stays 200.
	req := authedRequest(http.MethodPost, "/api/streak-shields/use", "")
	rec := httptest.NewRecorder()
	env.handler.UseStreakShield(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var result entitlement.ConsumeResult
	if err := json.NewDecoder(rec.Body).Decode(&result); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if result.Allowed {
		t.Error("shield use with nothing to spend was allowed")
	}
	if result.Reason != entitlement.DenyInsufficientTokens {
		t.Errorf("reason = %q, want %q", result.Reason, entitlement.DenyInsufficientTokens)
	}
}

func TestTransactions(t *testing.T) {
	env := setupHandlerTest(t)
	ctx := context.Background()

	if _, _, err := env.balances.AddTokens(ctx, "user-1", model.TokenGeneration, 10, model.SourcePurchase, "cs_1"); err != nil {
		t.Fatalf("seed tokens: %v", err)
	}

	rec := httptest.NewRecorder()
	env.handler.Transactions(rec, authedRequest(http.MethodGet, "/api/tokens/transactions", ""))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var txns []model.TokenTransaction
	if err := json.NewDecoder(rec.Body).Decode(&txns); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(txns) != 1 {
		t.Fatalf("transactions = %d, want 1", len(txns))
	}
	if txns[0].Amount != 10 || txns[0].Source != model.SourcePurchase {
		t.Errorf("transaction = %+v", txns[0])
	}
}

func TestTransactionsEmptyIsArray(t *testing.T) {
	env := setupHandlerTest(t)

	rec := httptest.NewRecorder()
	env.handler.Transactions(rec, authedRequest(http.MethodGet, "/api/tokens/transactions", ""))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if body := strings.TrimSpace(rec.Body.String()); body != "[]" {
		t.Errorf("body = %q, want []", body)
	}
}

func TestTransactionsRejectsBadLimit(t *testing.T) {
	env := setupHandlerTest(t)

	rec := httptest.NewRecorder()
	env.handler.Transactions(rec, authedRequest(http.MethodGet, "/api/tokens/transactions?limit=nope", ""))

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}
