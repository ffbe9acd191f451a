package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/eddieom08-star/sema-slim-companion-sub000/internal/auth"
	"github.com/eddieom08-star/sema-slim-companion-sub000/internal/entitlement"
	"github.com/eddieom08-star/sema-slim-companion-sub000/internal/model"
	"github.com/eddieom08-star/sema-slim-companion-sub000/internal/store"
)

// EntitlementHandler exposes the entitlements engine to route consumers.
// Denials come back as 200 responses with allowed=false; only transport
// and store problems map to error statuses.
type EntitlementHandler struct {
	svc      *entitlement.Service
	balances *store.TokenBalanceStore
	logger   *slog.Logger
}

func NewEntitlementHandler(svc *entitlement.Service, balances *store.TokenBalanceStore, logger *slog.Logger) *EntitlementHandler {
	return &EntitlementHandler{svc: svc, balances: balances, logger: logger}
}

func (h *EntitlementHandler) Get(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserID(r.Context())

	snapshot, err := h.svc.GetEntitlements(r.Context(), userID)
	if err != nil {
		h.logger.Error("get entitlements", "user_id", userID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to load entitlements"})
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

type checkRequest struct {
	Quantity int64 `json:"quantity"`
}

func (h *EntitlementHandler) Check(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserID(r.Context())
	feature := model.Feature(r.PathValue("feature"))

	var req checkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}
	if req.Quantity == 0 {
		req.Quantity = 1
	}
	if req.Quantity < 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "quantity must be positive"})
		return
	}

	decision, err := h.svc.CanUse(r.Context(), userID, feature, req.Quantity)
	if err != nil {
		h.logger.Error("can use", "user_id", userID, "feature", feature, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to check feature"})
		return
	}
	writeJSON(w, http.StatusOK, decision)
}

type consumeRequest struct {
	Quantity  int64 `json:"quantity"`
	UseTokens bool  `json:"use_tokens"`
}

func (h *EntitlementHandler) Consume(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserID(r.Context())
	feature := model.Feature(r.PathValue("feature"))

	var req consumeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}
	if req.Quantity == 0 {
		req.Quantity = 1
	}
	if req.Quantity < 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "quantity must be positive"})
		return
	}

	result, err := h.svc.Consume(r.Context(), userID, feature, req.Quantity, req.UseTokens)
	h.writeConsumeResult(w, userID, feature, result, err)
}

func (h *EntitlementHandler) UseStreakShield(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserID(r.Context())

	result, err := h.svc.UseStreakShield(r.Context(), userID)
	h.writeConsumeResult(w, userID, model.FeatureStreakShield, result, err)
}

func (h *EntitlementHandler) writeConsumeResult(w http.ResponseWriter, userID string, feature model.Feature, result entitlement.ConsumeResult, err error) {
	var transient *entitlement.TransientError
	if errors.As(err, &transient) {
		h.logger.Warn("consume transient failure", "user_id", userID, "feature", feature, "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "try again"})
		return
	}
	if err != nil {
		h.logger.Error("consume", "user_id", userID, "feature", feature, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to consume feature"})
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *EntitlementHandler) Transactions(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserID(r.Context())

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid limit"})
			return
		}
		limit = n
	}

	txns, err := h.balances.ListTransactions(r.Context(), userID, limit)
	if err != nil {
		h.logger.Error("list token transactions", "user_id", userID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to list transactions"})
		return
	}
	if txns == nil {
		txns = []model.TokenTransaction{}
	}
	writeJSON(w, http.StatusOK, txns)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
