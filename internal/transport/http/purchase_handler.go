package http

import (
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	apierrors "keymint/internal/errors"
	"keymint/internal/services"
	api "keymint/pkg/contracts/api/v1"
	"keymint/pkg/contracts/domain"
)

// PurchaseHandler exposes the storefront checkout endpoints. All abuse
// policy lives in the purchase service; this layer only translates
// denials into problem documents with the right status code.
type PurchaseHandler struct {
	service *services.PurchaseService
	logger  *slog.Logger
}

// NewPurchaseHandler creates a new purchase handler.
func NewPurchaseHandler(service *services.PurchaseService, logger *slog.Logger) *PurchaseHandler {
	return &PurchaseHandler{
		service: service,
		logger:  logger.With(slog.String("handler", "purchase")),
	}
}

// Routes returns a chi router for the purchase endpoints.
func (h *PurchaseHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/fiat", h.OpenFiat)
	r.Post("/crypto", h.OpenCrypto)
	return r
}

// Products handles GET /api/products.
func (h *PurchaseHandler) Products(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, api.ProductsResponse{Products: h.service.Products()})
}

// OpenFiat handles POST /api/purchases/fiat.
func (h *PurchaseHandler) OpenFiat(w http.ResponseWriter, r *http.Request) {
	tracer := otel.Tracer("purchase-handler")
	ctx, span := tracer.Start(r.Context(), "purchase_handler.open_fiat",
		trace.WithAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("http.route", "/api/purchases/fiat"),
		),
	)
	defer span.End()

	var req api.FiatPurchaseRequest
	if problem := bind(r, &req); problem != nil {
		render.Render(w, r, problem)
		return
	}

	buyer, err := buyerProfile(req.Buyer)
	if err != nil {
		render.Render(w, r, validationProblem(err, r))
		return
	}
	span.SetAttributes(
		attribute.String("purchase.kind", "fiat"),
		attribute.String("product.type", req.ProductType),
	)

	checkout, denial, err := h.service.OpenFiatCheckout(ctx, buyer, domain.ProductType(req.ProductType))
	if denial != nil {
		h.renderDenial(w, r, span, denial)
		return
	}
	if err != nil {
		span.RecordError(err)
		h.logger.ErrorContext(ctx, "Fiat checkout failed",
			slog.String("user_id", buyer.UserID),
			slog.String("product_type", req.ProductType),
			slog.String("error", err.Error()))
		render.Render(w, r, checkoutFailedProblem(r))
		return
	}

	render.Status(r, http.StatusCreated)
	render.JSON(w, r, api.FiatPurchaseResponse{
		Intent:      checkout.Intent,
		CheckoutURL: checkout.CheckoutURL,
	})
}

// OpenCrypto handles POST /api/purchases/crypto.
func (h *PurchaseHandler) OpenCrypto(w http.ResponseWriter, r *http.Request) {
	tracer := otel.Tracer("purchase-handler")
	ctx, span := tracer.Start(r.Context(), "purchase_handler.open_crypto",
		trace.WithAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("http.route", "/api/purchases/crypto"),
		),
	)
	defer span.End()

	var req api.CryptoPurchaseRequest
	if problem := bind(r, &req); problem != nil {
		render.Render(w, r, problem)
		return
	}

	buyer, err := buyerProfile(req.Buyer)
	if err != nil {
		render.Render(w, r, validationProblem(err, r))
		return
	}
	span.SetAttributes(
		attribute.String("purchase.kind", "crypto"),
		attribute.String("product.type", req.ProductType),
		attribute.String("crypto.symbol", req.Symbol),
	)

	checkout, denial, err := h.service.OpenCryptoCheckout(ctx, buyer, domain.ProductType(req.ProductType), req.Symbol)
	if denial != nil {
		h.renderDenial(w, r, span, denial)
		return
	}
	if err != nil {
		span.RecordError(err)
		h.logger.ErrorContext(ctx, "Crypto checkout failed",
			slog.String("user_id", buyer.UserID),
			slog.String("product_type", req.ProductType),
			slog.String("symbol", req.Symbol),
			slog.String("error", err.Error()))
		render.Render(w, r, checkoutFailedProblem(r))
		return
	}

	resp := api.CryptoPurchaseResponse{
		Payment:    checkout.Payment,
		PaymentURI: checkout.PaymentURI,
	}
	if len(checkout.QRCodePNG) > 0 {
		resp.QRCodePNG = base64.StdEncoding.EncodeToString(checkout.QRCodePNG)
	}
	render.Status(r, http.StatusCreated)
	render.JSON(w, r, resp)
}

// renderDenial maps an anti-abuse denial to its problem document. Rate
// and cooldown denials are 429 with a Retry-After header, duplicates
// 409, identity checks 403.
func (h *PurchaseHandler) renderDenial(w http.ResponseWriter, r *http.Request, span trace.Span, denial *services.Denial) {
	status := denialStatus(denial.Rule)
	span.SetAttributes(
		attribute.String("guard.rule", denial.Rule),
		attribute.Int("http.status_code", status),
	)

	retryAfter := int64(0)
	if denial.RetryAfter > 0 {
		retryAfter = int64((denial.RetryAfter + time.Second - 1) / time.Second)
	}
	if status == http.StatusTooManyRequests && retryAfter > 0 {
		w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfter))
	}

	render.Render(w, r, apierrors.NewGuardDenialProblem(status, denial.Message, &apierrors.GuardDenialDetails{
		Rule:                 denial.Rule,
		RetryAfterSeconds:    retryAfter,
		RequiresManualReview: denial.RequiresManualReview,
	}, requestTraceID(r)))
}

func denialStatus(rule string) int {
	switch rule {
	case "rate_limit", "cooldown":
		return http.StatusTooManyRequests
	case "duplicate":
		return http.StatusConflict
	default:
		// account_age, suspicious_profile and anything the guard adds later
		return http.StatusForbidden
	}
}

func checkoutFailedProblem(r *http.Request) *apierrors.ProblemDetails {
	return apierrors.NewProblemDetails(
		http.StatusInternalServerError,
		"/errors/purchase/checkout-failed",
		"Checkout Failed",
		"The purchase could not be opened. Please try again shortly.",
		r.URL.Path,
	).WithExtension("trace_id", requestTraceID(r))
}
