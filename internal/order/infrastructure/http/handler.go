package http

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	invdomain "github.com/marketflow/settlement-core/internal/inventory/domain"
	"github.com/marketflow/settlement-core/internal/order/application"
	"github.com/marketflow/settlement-core/internal/order/domain"
)

// StockAuditor reports reserved-counter drift against active reservations.
type StockAuditor interface {
	Reconcile(ctx context.Context, skuID string) (int64, error)
}

type Handler struct {
	log      *slog.Logger
	checkout *application.CheckoutService
	sm       *application.StateMachine
	repo     application.OrderRepository
	inv      application.Inventory
	auditor  StockAuditor
	tracer   trace.Tracer
}

func NewHandler(log *slog.Logger, checkout *application.CheckoutService, sm *application.StateMachine, repo application.OrderRepository, inv application.Inventory, auditor StockAuditor) *Handler {
	return &Handler{
		log:      log,
		checkout: checkout,
		sm:       sm,
		repo:     repo,
		inv:      inv,
		auditor:  auditor,
		tracer:   otel.Tracer("order-http"),
	}
}

func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Post("/checkout", h.postCheckout)
	r.Get("/orders/{id}", h.getOrder)
	r.Post("/orders/{id}/cancel", h.cancelOrder)
	r.Post("/store-orders/{id}/fulfillment", h.advanceFulfillment)
	r.Post("/skus/{id}/returns", h.returnStock)
	r.Get("/skus/{id}/drift", h.stockDrift)
	return r
}

type checkoutReq struct {
	BuyerID  string `json:"buyerId"`
	CartID   string `json:"cartId"`
	Currency string `json:"currency"`
	Lines    []struct {
		StoreID    string `json:"storeId"`
		SKUID      string `json:"skuId"`
		Quantity   int64  `json:"quantity"`
		PriceCents int64  `json:"priceCents"`
	} `json:"lines"`
}

func (h *Handler) postCheckout(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "Checkout")
	defer span.End()

	var req checkoutReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}

	in := application.CheckoutInput{
		BuyerID:  req.BuyerID,
		CartID:   req.CartID,
		Currency: req.Currency,
	}
	for _, l := range req.Lines {
		in.Lines = append(in.Lines, application.CheckoutLine{
			StoreID:    l.StoreID,
			SKUID:      l.SKUID,
			Quantity:   l.Quantity,
			PriceCents: l.PriceCents,
		})
	}

	order, err := h.checkout.Checkout(ctx, in)
	if err != nil {
		h.writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"masterOrderId": order.ID,
		"orderNumber":   order.OrderNumber,
		"status":        order.Status,
		"total":         order.TotalCents,
		"expiresAt":     order.ReservationExpiresAt,
	})
}

func (h *Handler) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "GetOrder")
	defer span.End()

	order, err := h.repo.GetMaster(ctx, chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(order)
}

func (h *Handler) cancelOrder(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "CancelOrder")
	defer span.End()

	var body struct {
		Reason string `json:"reason"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	if body.Reason == "" {
		body.Reason = "buyer canceled"
	}

	if err := h.sm.MarkCanceled(ctx, chi.URLParam(r, "id"), body.Reason); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) advanceFulfillment(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "AdvanceFulfillment")
	defer span.End()

	var body struct {
		Stage string `json:"stage"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}

	if err := h.sm.AdvanceFulfillment(ctx, chi.URLParam(r, "id"), domain.FulfillmentStage(body.Stage)); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) returnStock(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "ReturnStock")
	defer span.End()

	var body struct {
		Quantity int64  `json:"quantity"`
		Reason   string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	if body.Reason == "" {
		body.Reason = "manual restock"
	}

	if err := h.inv.ReturnIn(ctx, chi.URLParam(r, "id"), body.Quantity, body.Reason); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) stockDrift(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "StockDrift")
	defer span.End()

	skuID := chi.URLParam(r, "id")
	drift, err := h.auditor.Reconcile(ctx, skuID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if drift != 0 {
		h.log.Warn("reserved counter drift detected", "sku", skuID, "drift", drift)
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"skuId": skuID, "drift": drift})
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, invdomain.ErrInsufficientStock):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, domain.ErrInvalidStateTransition), errors.Is(err, domain.ErrIntentMismatch):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, domain.ErrOrderNotFound), errors.Is(err, invdomain.ErrSKUNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, invdomain.ErrInvalidQuantity), errors.Is(err, domain.ErrEmptyOrder):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		h.log.Error("request failed", "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}
