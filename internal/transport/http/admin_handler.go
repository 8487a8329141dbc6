package http

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	apierrors "keymint/internal/errors"
	"keymint/internal/registry"
	"keymint/internal/services"
	"keymint/internal/store"
	api "keymint/pkg/contracts/api/v1"
	"keymint/pkg/contracts/domain"
)

// Refunder reverses a completed purchase: the refunded transition plus
// deactivation of the issued license. The fulfillment service
// implements it.
type Refunder interface {
	RefundIntent(ctx context.Context, intentID string) (domain.PurchaseIntent, error)
}

// AdminHandler exposes the operator endpoints. Authentication is the
// router's job; every route here assumes the admin middleware already
// ran.
type AdminHandler struct {
	licenses services.LicenseService
	refunder Refunder
	logger   *slog.Logger
}

// NewAdminHandler creates a new admin handler.
func NewAdminHandler(licenses services.LicenseService, refunder Refunder, logger *slog.Logger) *AdminHandler {
	return &AdminHandler{
		licenses: licenses,
		refunder: refunder,
		logger:   logger.With(slog.String("handler", "admin")),
	}
}

// Routes returns a chi router for the admin endpoints.
func (h *AdminHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/licenses", h.ListLicenses)
	r.Post("/licenses/import", h.ImportLicenses)
	r.Post("/licenses/{key}/deactivate", h.DeactivateLicense)
	r.Post("/payments/{id}/refund", h.RefundPayment)
	return r
}

// ImportLicenses handles POST /api/admin/licenses/import.
func (h *AdminHandler) ImportLicenses(w http.ResponseWriter, r *http.Request) {
	tracer := otel.Tracer("admin-handler")
	ctx, span := tracer.Start(r.Context(), "admin_handler.import_licenses")
	defer span.End()

	var req api.LicenseImportRequest
	if problem := bind(r, &req); problem != nil {
		render.Render(w, r, problem)
		return
	}
	span.SetAttributes(attribute.Int("import.entries", len(req.Licenses)))

	entries := make([]registry.ImportEntry, 0, len(req.Licenses))
	for _, entry := range req.Licenses {
		entries = append(entries, registry.ImportEntry{
			Key:         entry.Key,
			UserID:      entry.UserID,
			ProductType: domain.ProductType(entry.ProductType),
		})
	}

	report, err := h.licenses.Import(ctx, entries)
	if err != nil {
		span.RecordError(err)
		h.logger.ErrorContext(ctx, "License import aborted",
			slog.Int("imported", report.Imported),
			slog.String("error", err.Error()))
		render.Render(w, r, apierrors.NewProblemDetails(
			http.StatusInternalServerError,
			"/errors/admin/import-failed",
			"Import Failed",
			fmt.Sprintf("The import aborted after %d keys.", report.Imported),
			r.URL.Path,
		).WithExtension("trace_id", requestTraceID(r)))
		return
	}

	span.SetAttributes(
		attribute.Int("import.imported", report.Imported),
		attribute.Int("import.skipped", report.Skipped),
		attribute.Int("import.invalid", report.Invalid),
	)
	render.JSON(w, r, importResponse(report))
}

// DeactivateLicense handles POST /api/admin/licenses/{key}/deactivate.
// The body is optional; an absent reason defaults to a manual
// deactivation.
func (h *AdminHandler) DeactivateLicense(w http.ResponseWriter, r *http.Request) {
	tracer := otel.Tracer("admin-handler")
	ctx, span := tracer.Start(r.Context(), "admin_handler.deactivate_license")
	defer span.End()

	key := chi.URLParam(r, "key")
	span.SetAttributes(attribute.String("license.key", domain.MaskKey(key)))

	var req api.LicenseDeactivateRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil && !errors.Is(err, io.EOF) {
		render.Render(w, r, apierrors.NewProblemDetails(
			http.StatusBadRequest,
			"/errors/invalid-json",
			"Invalid Request Body",
			"The request body is not valid JSON.",
			r.URL.Path,
		).WithExtension("trace_id", requestTraceID(r)))
		return
	}
	if err := validate.Struct(req); err != nil {
		render.Render(w, r, validationProblem(err, r))
		return
	}

	license, err := h.licenses.Deactivate(ctx, key, domain.DeactivationReason(req.Reason))
	if err != nil {
		span.RecordError(err)
		if errors.Is(err, store.ErrNotFound) {
			render.Render(w, r, apierrors.NewLicenseNotFoundProblem(domain.MaskKey(key), requestTraceID(r)))
			return
		}
		h.logger.ErrorContext(ctx, "License deactivation failed",
			slog.String("license_key", domain.MaskKey(key)),
			slog.String("error", err.Error()))
		render.Render(w, r, apierrors.NewProblemDetails(
			http.StatusInternalServerError,
			"/errors/admin/deactivate-failed",
			"Deactivation Failed",
			"The license could not be deactivated.",
			r.URL.Path,
		).WithExtension("trace_id", requestTraceID(r)))
		return
	}

	render.JSON(w, r, license)
}

// RefundPayment handles POST /api/admin/payments/{id}/refund. Pending
// and completed intents are refundable; failed ones are not, and a
// repeated refund is a no-op answering 200 with the unchanged record.
func (h *AdminHandler) RefundPayment(w http.ResponseWriter, r *http.Request) {
	tracer := otel.Tracer("admin-handler")
	ctx, span := tracer.Start(r.Context(), "admin_handler.refund_payment")
	defer span.End()

	intentID := chi.URLParam(r, "id")
	span.SetAttributes(attribute.String("intent.id", intentID))

	intent, err := h.refunder.RefundIntent(ctx, intentID)
	if err != nil {
		span.RecordError(err)
		switch {
		case errors.Is(err, store.ErrNotFound):
			render.Render(w, r, apierrors.NewProblemDetails(
				http.StatusNotFound,
				"/errors/payment/not-found",
				"Payment Not Found",
				"No purchase intent exists for the supplied id.",
				r.URL.Path,
			).WithExtension("trace_id", requestTraceID(r)))
		case errors.Is(err, apierrors.ErrNotRefundable):
			render.Render(w, r, apierrors.NewProblemDetails(
				http.StatusConflict,
				"/errors/payment/not-refundable",
				"Payment Not Refundable",
				"The intent is in a state that cannot be refunded.",
				r.URL.Path,
			).WithExtension("trace_id", requestTraceID(r)).
				WithExtension("intent_id", intentID))
		default:
			h.logger.ErrorContext(ctx, "Refund failed",
				slog.String("intent_id", intentID),
				slog.String("error", err.Error()))
			render.Render(w, r, apierrors.NewProblemDetails(
				http.StatusInternalServerError,
				"/errors/admin/refund-failed",
				"Refund Failed",
				"The refund could not be applied.",
				r.URL.Path,
			).WithExtension("trace_id", requestTraceID(r)))
		}
		return
	}

	render.JSON(w, r, intent)
}

// ListLicenses handles GET /api/admin/licenses with optional user_id,
// product_type and active query filters.
func (h *AdminHandler) ListLicenses(w http.ResponseWriter, r *http.Request) {
	tracer := otel.Tracer("admin-handler")
	ctx, span := tracer.Start(r.Context(), "admin_handler.list_licenses")
	defer span.End()

	filter := store.LicenseFilter{
		UserID:      r.URL.Query().Get("user_id"),
		ProductType: domain.ProductType(r.URL.Query().Get("product_type")),
		ActiveOnly:  r.URL.Query().Get("active") == "true",
	}

	licenses, err := h.licenses.List(ctx, filter)
	if err != nil {
		span.RecordError(err)
		h.logger.ErrorContext(ctx, "License listing failed",
			slog.String("error", err.Error()))
		render.Render(w, r, apierrors.NewProblemDetails(
			http.StatusInternalServerError,
			"/errors/admin/list-failed",
			"Listing Failed",
			"The licenses could not be listed.",
			r.URL.Path,
		).WithExtension("trace_id", requestTraceID(r)))
		return
	}

	span.SetAttributes(attribute.Int("licenses.count", len(licenses)))
	render.JSON(w, r, map[string]interface{}{
		"licenses": licenses,
		"count":    len(licenses),
	})
}

func importResponse(report registry.ImportReport) api.LicenseImportResponse {
	resp := api.LicenseImportResponse{
		Imported: report.Imported,
		Skipped:  report.Skipped,
	}
	for _, outcome := range report.Outcomes {
		if outcome.Status == registry.ImportStatusInvalid {
			resp.Errors = append(resp.Errors, fmt.Sprintf("%s: %s", outcome.Key, outcome.Reason))
		}
	}
	return resp
}
