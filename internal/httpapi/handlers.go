package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/careerpulse/hub/internal/ai"
	"github.com/careerpulse/hub/internal/energy"
	"github.com/careerpulse/hub/internal/events"
	"github.com/careerpulse/hub/internal/hub"
)

type registerRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Name     string `json:"name,omitempty"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	user, pair, err := s.auth.Register(r.Context(), req.Email, req.Password, req.Name)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"user_id":       user.ID,
		"email":         user.Email,
		"access_token":  pair.AccessToken,
		"refresh_token": pair.RefreshToken,
		"expires_at":    pair.ExpiresAt,
	})
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	user, pair, err := s.auth.Login(r.Context(), req.Email, req.Password, clientIP(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"user_id":       user.ID,
		"email":         user.Email,
		"access_token":  pair.AccessToken,
		"refresh_token": pair.RefreshToken,
		"expires_at":    pair.ExpiresAt,
	})
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.RefreshToken == "" {
		writeError(w, hub.E(hub.KindValidation, "refresh_token is required"))
		return
	}
	pair, err := s.auth.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pair)
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	user, err := s.auth.GetUser(r.Context(), userID(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	balance, err := s.ledger.GetBalance(r.Context(), user.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"user":   user,
		"energy": balance,
	})
}

type energyActionRequest struct {
	UserID         string `json:"user_id"`
	Action         string `json:"action"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
	AppSource      string `json:"app_source,omitempty"`
	FeatureUsed    string `json:"feature_used,omitempty"`
}

func (s *Server) handleCanPerform(w http.ResponseWriter, r *http.Request) {
	var req energyActionRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if !s.authorizeUser(w, r, req.UserID) {
		return
	}
	result, err := s.ledger.CanPerform(r.Context(), userID(r.Context()), req.Action)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleConsume(w http.ResponseWriter, r *http.Request) {
	var req energyActionRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if !s.authorizeUser(w, r, req.UserID) {
		return
	}
	if req.IdempotencyKey == "" {
		writeError(w, hub.E(hub.KindValidation, "idempotency_key is required"))
		return
	}
	result, err := s.ledger.Consume(r.Context(), userID(r.Context()), req.Action, req.IdempotencyKey, energy.ConsumeOptions{
		AppSource:   req.AppSource,
		FeatureUsed: req.FeatureUsed,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type refundRequest struct {
	UserID        string `json:"user_id"`
	ActionEventID string `json:"action_event_id"`
	Reason        string `json:"reason,omitempty"`
}

func (s *Server) handleRefund(w http.ResponseWriter, r *http.Request) {
	var req refundRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if !s.authorizeUser(w, r, req.UserID) {
		return
	}
	if req.ActionEventID == "" {
		writeError(w, hub.E(hub.KindValidation, "action_event_id is required"))
		return
	}
	txn, err := s.ledger.Refund(r.Context(), userID(r.Context()), req.ActionEventID, req.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, txn)
}

type createIntentRequest struct {
	UserID   string `json:"user_id"`
	Pack     string `json:"pack"`
	Currency string `json:"currency,omitempty"`
}

func (s *Server) handleCreateIntent(w http.ResponseWriter, r *http.Request) {
	var req createIntentRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if !s.authorizeUser(w, r, req.UserID) {
		return
	}
	result, err := s.billing.CreateIntent(r.Context(), userID(r.Context()), req.Pack, req.Currency)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

type confirmRequest struct {
	UserID   string `json:"user_id"`
	IntentID string `json:"intent_id"`
}

func (s *Server) handleConfirm(w http.ResponseWriter, r *http.Request) {
	var req confirmRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if !s.authorizeUser(w, r, req.UserID) {
		return
	}
	txn, err := s.billing.Confirm(r.Context(), userID(r.Context()), req.IntentID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, txn)
}

type billingRefundRequest struct {
	UserID string `json:"user_id"`
	TxID   string `json:"tx_id"`
	Reason string `json:"reason,omitempty"`
}

func (s *Server) handleBillingRefund(w http.ResponseWriter, r *http.Request) {
	var req billingRefundRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if !s.authorizeUser(w, r, req.UserID) {
		return
	}
	txn, err := s.billing.RefundPurchase(r.Context(), userID(r.Context()), req.TxID, req.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, txn)
}

type chatRequest struct {
	UserID     string `json:"user_id"`
	Message    string `json:"message"`
	AppContext string `json:"app_context,omitempty"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if !s.authorizeUser(w, r, req.UserID) {
		return
	}
	resp, err := s.chat.Chat(r.Context(), ai.ChatRequest{
		UserID:     userID(r.Context()),
		Message:    req.Message,
		AppContext: req.AppContext,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	target := chi.URLParam(r, "user_id")
	if !s.authorizeUser(w, r, target) {
		return
	}

	q := events.Query{Types: r.URL.Query()["types"]}
	if v := r.URL.Query().Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, hub.E(hub.KindValidation, "since must be RFC3339"))
			return
		}
		q.Since = t
	}
	if v := r.URL.Query().Get("until"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, hub.E(hub.KindValidation, "until must be RFC3339"))
			return
		}
		q.Until = t
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, hub.E(hub.KindValidation, "limit must be a positive integer"))
			return
		}
		q.Limit = n
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, hub.E(hub.KindValidation, "offset must be a non-negative integer"))
			return
		}
		q.Offset = n
	}

	evs, err := s.store.GetUserEvents(r.Context(), target, q)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"user_id": target,
		"count":   len(evs),
		"events":  evs,
	})
}
