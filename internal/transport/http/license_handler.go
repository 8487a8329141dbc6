package http

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	apierrors "keymint/internal/errors"
	"keymint/internal/registry"
	"keymint/internal/services"
	api "keymint/pkg/contracts/api/v1"
	"keymint/pkg/contracts/domain"
)

// LicenseHandler serves the public license verification endpoint the
// desktop app polls. Unknown keys are a 404; known keys always answer
// 200, with Valid=false carrying the reason for expired or deactivated
// ones.
type LicenseHandler struct {
	service services.LicenseService
	logger  *slog.Logger
}

// NewLicenseHandler creates a new license handler.
func NewLicenseHandler(service services.LicenseService, logger *slog.Logger) *LicenseHandler {
	return &LicenseHandler{
		service: service,
		logger:  logger.With(slog.String("handler", "license")),
	}
}

// Routes returns a chi router for the license endpoints.
func (h *LicenseHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/{key}", h.Verify)
	return r
}

// Verify handles GET /api/licenses/{key}.
func (h *LicenseHandler) Verify(w http.ResponseWriter, r *http.Request) {
	tracer := otel.Tracer("license-handler")
	ctx, span := tracer.Start(r.Context(), "license_handler.verify",
		trace.WithAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("http.route", "/api/licenses/{key}"),
		),
	)
	defer span.End()

	req := api.LicenseVerifyRequest{LicenseKey: chi.URLParam(r, "key")}
	if err := validate.Struct(req); err != nil {
		render.Render(w, r, validationProblem(err, r))
		return
	}
	span.SetAttributes(attribute.String("license.key", domain.MaskKey(req.LicenseKey)))

	verdict, err := h.service.Verify(ctx, req.LicenseKey)
	if err != nil {
		span.RecordError(err)
		h.logger.ErrorContext(ctx, "License verification failed",
			slog.String("license_key", domain.MaskKey(req.LicenseKey)),
			slog.String("error", err.Error()))
		render.Render(w, r, apierrors.NewProblemDetails(
			http.StatusInternalServerError,
			"/errors/license/verify-failed",
			"Verification Failed",
			"The license could not be verified. Please try again shortly.",
			r.URL.Path,
		).WithExtension("trace_id", requestTraceID(r)))
		return
	}

	span.SetAttributes(
		attribute.Bool("license.found", verdict.Found),
		attribute.Bool("license.valid", verdict.Valid),
	)
	if !verdict.Found {
		render.Render(w, r, apierrors.NewLicenseNotFoundProblem(domain.MaskKey(req.LicenseKey), requestTraceID(r)))
		return
	}

	render.JSON(w, r, verifyResponse(verdict))
}

func verifyResponse(verdict registry.Verdict) api.LicenseVerifyResponse {
	resp := api.LicenseVerifyResponse{
		Valid:       verdict.Valid,
		ProductType: string(verdict.License.ProductType),
		Message:     verdict.Message,
	}
	if !verdict.License.CreatedAt.IsZero() {
		created := verdict.License.CreatedAt
		resp.CreatedAt = &created
	}
	if verdict.License.ExpiresAt != nil {
		expires := *verdict.License.ExpiresAt
		resp.ExpirationDate = &expires
	}
	return resp
}
