package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"venue_go/internal/auth"
	"venue_go/internal/domain"
	"venue_go/internal/idempotency"

	"github.com/shopspring/decimal"
)

type orderRequest struct {
	Symbol   string           `json:"symbol"`
	Side     domain.Side      `json:"side"`
	Type     domain.OrderType `json:"type"`
	Quantity decimal.Decimal  `json:"quantity"`
	Price    *decimal.Decimal `json:"price,omitempty"`
}

// normalize uppercases the symbol and validates the request.
func (req *orderRequest) normalize() error {
	req.Symbol = domain.NormalizeSymbol(req.Symbol)
	if req.Symbol == "" {
		return &domain.ValidationError{Field: "symbol", Reason: "required"}
	}
	if !req.Side.Valid() {
		return &domain.ValidationError{Field: "side", Reason: "must be buy or sell"}
	}
	if !req.Type.Valid() {
		return &domain.ValidationError{Field: "type", Reason: "must be limit or market"}
	}
	if !req.Quantity.IsPositive() {
		return &domain.ValidationError{Field: "quantity", Reason: "must be positive"}
	}
	if req.Price != nil && !req.Price.IsPositive() {
		return &domain.ValidationError{Field: "price", Reason: "must be positive"}
	}
	if req.Type == domain.OrderTypeLimit && req.Price == nil {
		return &domain.ValidationError{Field: "price", Reason: "required for limit orders"}
	}
	return nil
}

// fingerprint is the canonical form hashed for idempotency.
type fingerprint struct {
	UserID   string `json:"userId"`
	Symbol   string `json:"symbol"`
	Side     string `json:"side"`
	Type     string `json:"type"`
	Quantity string `json:"quantity"`
	Price    string `json:"price"`
}

func (req *orderRequest) hash(userID string) (string, error) {
	fp := fingerprint{
		UserID:   userID,
		Symbol:   req.Symbol,
		Side:     string(req.Side),
		Type:     string(req.Type),
		Quantity: req.Quantity.String(),
	}
	if req.Price != nil {
		fp.Price = req.Price.String()
	}
	return idempotency.Fingerprint(fp)
}

type queuedResponse struct {
	Status         string  `json:"status"`
	CommandID      string  `json:"commandId"`
	IdempotencyKey *string `json:"idempotencyKey"`
	ReceivedAt     int64   `json:"receivedAt"`
}

func idempotencyKey(r *http.Request) string {
	if k := r.Header.Get("X-Idempotency-Key"); k != "" {
		return k
	}
	return r.Header.Get("Idempotency-Key")
}

// handleSubmitOrder validates an order and queues it on the command bus.
// Matching happens asynchronously; the response only carries the command id.
func (s *Server) handleSubmitOrder(w http.ResponseWriter, r *http.Request) {
	receivedAt := s.now()

	userID, ok := auth.UserFrom(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "Missing or invalid token")
		return
	}

	var req orderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	if err := req.normalize(); err != nil {
		var ve *domain.ValidationError
		if errors.As(err, &ve) {
			respondJSON(w, http.StatusBadRequest, errorResponse{Status: "error", Message: ve.Reason, Field: ve.Field})
			return
		}
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	key := idempotencyKey(r)
	bodyHash, err := req.hash(userID)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	dec, err := s.deps.Gate.Begin(r.Context(), key, userID, bodyHash)
	if errors.Is(err, domain.ErrIdempotencyConflict) {
		respondError(w, http.StatusConflict, domain.ErrIdempotencyConflict.Error())
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Internal error")
		return
	}

	resp := queuedResponse{
		Status:     "queued",
		CommandID:  dec.CommandID,
		ReceivedAt: receivedAt.UnixMilli(),
	}
	if key != "" {
		resp.IdempotencyKey = &key
	}

	if dec.Duplicate {
		slog.Info("Duplicate order submission",
			slog.String("user_id", userID), slog.String("command_id", dec.CommandID))
		respondJSON(w, http.StatusAccepted, resp)
		return
	}

	cmd := &domain.OrderCommand{
		CommandID: dec.CommandID,
		UserID:    userID,
		Symbol:    req.Symbol,
		Side:      req.Side,
		Type:      req.Type,
		Quantity:  req.Quantity,
		Price:     req.Price,
		Timestamp: receivedAt.UnixMilli(),
		Source:    "api",
	}

	if err := s.deps.Publisher.PublishCommand(r.Context(), cmd); err != nil {
		s.deps.Gate.Abort(r.Context(), dec)
		slog.Error("Failed to enqueue order command",
			slog.String("command_id", cmd.CommandID), slog.Any("error", err))
		respondError(w, http.StatusServiceUnavailable, "Order bus unavailable, retry later")
		return
	}
	s.deps.Gate.Complete(dec)

	respondJSON(w, http.StatusAccepted, resp)
}
