package mockbackend

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/alexbotov/treasureplay/pkg/tpapi"
)

// errorResponse mirrors the inventory error envelope
type errorResponse struct {
	Success bool   `json:"success"`
	Status  int    `json:"status"`
	Message string `json:"message"`
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, errorResponse{
		Success: false,
		Status:  status,
		Message: message,
	})
}

// NotFoundHandler handles 404 errors
func NotFoundHandler(w http.ResponseWriter, r *http.Request) {
	respondError(w, http.StatusNotFound, "Resource not found")
}

// HealthCheck handles GET /health
func (s *Server) HealthCheck(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status": "healthy",
	})
}

// Init handles POST /init
func (s *Server) Init(w http.ResponseWriter, r *http.Request) {
	parts := strings.SplitN(r.Header.Get("Authorization"), " ", 2)
	if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
		respondError(w, http.StatusUnauthorized, "Invalid authorization header format")
		return
	}
	if s.config.APIKey != "" && parts[1] != s.config.APIKey {
		respondError(w, http.StatusUnauthorized, "Invalid API key")
		return
	}

	var req tpapi.InitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	id := req.Identities.CUID
	if id == "" {
		id = req.Identities.FbAI
	}
	if id == "" {
		respondError(w, http.StatusBadRequest, "cuid or fb_ai is required")
		return
	}

	tpUID := TpUIDFor(id)
	token, err := s.IssueToken(tpUID)
	if err != nil {
		s.logger.Error("failed to issue session token", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "Failed to issue session")
		return
	}

	s.mu.Lock()
	s.lastIntegrity = r.Header.Get(tpapi.HeaderIntegrityToken)
	s.initCalls++
	s.mu.Unlock()

	s.logger.Info("session issued", zap.String("tp_uid", tpUID), zap.String("game_id", req.Identities.GameID))
	respondJSON(w, http.StatusOK, tpapi.InitResponse{
		Data: &tpapi.InitData{TpUID: tpUID, SessionToken: token},
	})
}

// GetInventory handles GET /token/{coinId}
func (s *Server) GetInventory(w http.ResponseWriter, r *http.Request) {
	coinID := mux.Vars(r)["coinId"]
	if s.config.CoinID != "" && coinID != s.config.CoinID {
		respondError(w, http.StatusNotFound, fmt.Sprintf("Unknown coin %s", coinID))
		return
	}

	tpUID := tpUIDFromContext(r.Context())
	respondJSON(w, http.StatusOK, tpapi.InventoryResponse{
		Success:   true,
		Status:    http.StatusOK,
		TpUID:     tpUID,
		Tokens:    tpapi.Amount(formatAmount(s.Balance(tpUID))),
		TokenType: coinID,
	})
}

// Redeem handles POST /giftcard/order/dynamic. The whole balance is
// converted in one order.
func (s *Server) Redeem(w http.ResponseWriter, r *http.Request) {
	var req tpapi.RedeemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	tpUID := tpUIDFromContext(r.Context())

	s.mu.Lock()
	redeemed := s.balances[tpUID]
	s.balances[tpUID] = 0
	s.mu.Unlock()

	if redeemed <= 0 {
		respondJSON(w, http.StatusOK, tpapi.RedeemResponse{
			Success:        false,
			Status:         http.StatusBadRequest,
			TpUID:          tpUID,
			UpdatedBalance: tpapi.Amount(formatAmount(0)),
			Message:        "Nothing to redeem",
		})
		return
	}

	s.logger.Info("balance redeemed", zap.String("tp_uid", tpUID), zap.Int64("amount", redeemed), zap.String("message", req.Message))
	respondJSON(w, http.StatusOK, tpapi.RedeemResponse{
		Success:        true,
		Status:         http.StatusOK,
		TpUID:          tpUID,
		UpdatedBalance: tpapi.Amount(formatAmount(0)),
		TokenType:      s.config.CoinID,
		Message:        fmt.Sprintf("Redeemed %d tokens", redeemed),
	})
}
