package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/gofrs/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"github.com/vasiliy-maslov/storefront/internal/auth"
	"github.com/vasiliy-maslov/storefront/internal/checkout"
)

const idempotencyHeader = "Idempotency-Key"

type CheckoutService interface {
	InitiateCheckout(ctx context.Context, req checkout.Request) (*checkout.Result, error)
	VerifyAndSettle(ctx context.Context, txRef string) (*checkout.Settlement, error)
}

// CartItemRequest accepts both the flat shape ({productId, variantId}) and the
// storefront cart shape ({id, variant: {id}}).
type CartItemRequest struct {
	ProductID string          `json:"productId" validate:"required_without=ID"`
	ID        string          `json:"id"`
	VariantID *string         `json:"variantId,omitempty"`
	Variant   *VariantRef     `json:"variant,omitempty"`
	Quantity  int             `json:"quantity" validate:"gt=0"`
	Price     decimal.Decimal `json:"price"`
}

type VariantRef struct {
	ID string `json:"id"`
}

func (c CartItemRequest) productID() string {
	if c.ProductID != "" {
		return c.ProductID
	}
	return c.ID
}

func (c CartItemRequest) variantID() *string {
	if c.VariantID != nil && *c.VariantID != "" {
		return c.VariantID
	}
	if c.Variant != nil && c.Variant.ID != "" {
		id := c.Variant.ID
		return &id
	}
	return nil
}

type InitializePaymentRequest struct {
	CartItems   []CartItemRequest `json:"cartItems" validate:"required,min=1,dive"`
	TotalAmount decimal.Decimal   `json:"totalAmount"`
}

type InitializePaymentResponse struct {
	CheckoutURL string    `json:"checkout_url"`
	OrderID     uuid.UUID `json:"order_id"`
	TxRef       string    `json:"tx_ref"`
}

type VerifyPaymentResponse struct {
	Status string          `json:"status"`
	Data   json.RawMessage `json:"data,omitempty"`
}

type PaymentHandler struct {
	service  CheckoutService
	validate *validator.Validate
}

func NewPaymentHandler(service CheckoutService) *PaymentHandler {
	return &PaymentHandler{
		service:  service,
		validate: validator.New(),
	}
}

func (h *PaymentHandler) RegisterRoutes(router chi.Router) {
	router.With(auth.RequireIdentity).Post("/api/payment/initialize", h.handleInitialize)
	router.Get("/api/payment/verify", h.handleVerify)
	router.Get("/api/payment/callback", h.handleCallback)
	router.Post("/api/payment/callback", h.handleCallback)
}

func (h *PaymentHandler) handleInitialize(w http.ResponseWriter, r *http.Request) {
	identity, _ := auth.FromContext(r.Context())

	var payload InitializePaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		log.Warn().Err(err).Msg("handler: failed to decode initialize payload")
		respondWithError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request payload: %v", err))
		return
	}
	if !validateStruct(w, h.validate, payload) {
		return
	}

	items := make([]checkout.LineItem, len(payload.CartItems))
	for i, it := range payload.CartItems {
		items[i] = checkout.LineItem{
			ProductID: it.productID(),
			VariantID: it.variantID(),
			Quantity:  it.Quantity,
			Price:     it.Price,
		}
	}

	res, err := h.service.InitiateCheckout(r.Context(), checkout.Request{
		UserID:         identity.UserID,
		Email:          identity.Email,
		Name:           identity.Name,
		Items:          items,
		TotalAmount:    payload.TotalAmount,
		IdempotencyKey: r.Header.Get(idempotencyHeader),
	})
	if err != nil {
		log.Error().Err(err).Str("user_id", identity.UserID).Msg("handler: checkout failed")
		respondWithServiceError(w, err)
		return
	}

	respondWithJSON(w, http.StatusOK, InitializePaymentResponse{
		CheckoutURL: res.CheckoutURL,
		OrderID:     res.OrderID,
		TxRef:       res.TxRef,
	})
}

func (h *PaymentHandler) handleVerify(w http.ResponseWriter, r *http.Request) {
	txRef := r.URL.Query().Get("tx_ref")
	if txRef == "" {
		respondWithError(w, http.StatusBadRequest, "Missing tx_ref")
		return
	}

	settlement, err := h.service.VerifyAndSettle(r.Context(), txRef)
	if err != nil {
		if mapErrorToStatusCode(err) == http.StatusBadRequest {
			respondWithServiceError(w, err)
			return
		}
		log.Error().Err(err).Str("tx_ref", txRef).Msg("handler: payment verification failed")
		respondWithError(w, http.StatusInternalServerError, "Payment verification failed")
		return
	}

	if settlement.Status != checkout.SettlementSuccess {
		respondWithJSON(w, http.StatusBadRequest, VerifyPaymentResponse{Status: checkout.SettlementFailed})
		return
	}
	respondWithJSON(w, http.StatusOK, VerifyPaymentResponse{Status: checkout.SettlementSuccess, Data: settlement.Data})
}

// handleCallback serves the provider's server-to-server notification. The
// payload is never trusted; the reference is only used to re-verify.
func (h *PaymentHandler) handleCallback(w http.ResponseWriter, r *http.Request) {
	txRef := callbackReference(r)
	if txRef == "" {
		respondWithError(w, http.StatusBadRequest, "Missing tx_ref")
		return
	}

	settlement, err := h.service.VerifyAndSettle(r.Context(), txRef)
	if err != nil {
		log.Error().Err(err).Str("tx_ref", txRef).Msg("handler: callback settlement failed")
		respondWithServiceError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, VerifyPaymentResponse{Status: settlement.Status})
}

func callbackReference(r *http.Request) string {
	q := r.URL.Query()
	for _, key := range []string{"tx_ref", "trx_ref"} {
		if v := q.Get(key); v != "" {
			return v
		}
	}
	if r.Method != http.MethodPost || r.Body == nil {
		return ""
	}

	var body struct {
		TxRef  string `json:"tx_ref"`
		TrxRef string `json:"trx_ref"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		return ""
	}
	if body.TxRef != "" {
		return body.TxRef
	}
	return body.TrxRef
}
