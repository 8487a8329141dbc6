package http

import (
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"keymint/internal/config"
	apierrors "keymint/internal/errors"
	"keymint/internal/webhook"
	api "keymint/pkg/contracts/api/v1"
)

// WebhookHandler receives raw provider deliveries and hands them to the
// reconciler. The body must stay byte-exact until the signature check,
// so nothing here decodes JSON.
type WebhookHandler struct {
	reconciler *webhook.Reconciler
	logger     *slog.Logger
}

// NewWebhookHandler creates a new webhook handler.
func NewWebhookHandler(reconciler *webhook.Reconciler, logger *slog.Logger) *WebhookHandler {
	return &WebhookHandler{
		reconciler: reconciler,
		logger:     logger.With(slog.String("handler", "webhook")),
	}
}

// Routes returns a chi router for the provider-facing webhook endpoint.
func (h *WebhookHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/payments", h.Receive)
	return r
}

// Receive handles POST /webhook/payments. Signature rejects answer 401,
// internal failures answer 500 so the provider retries; everything else
// is acknowledged 200 because retrying cannot change the outcome.
func (h *WebhookHandler) Receive(w http.ResponseWriter, r *http.Request) {
	tracer := otel.Tracer("webhook-handler")
	ctx, span := tracer.Start(r.Context(), "webhook_handler.receive",
		trace.WithAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("http.route", "/webhook/payments"),
		),
	)
	defer span.End()

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, config.WebhookMaxBodyBytes))
	if err != nil {
		span.RecordError(err)
		h.logger.WarnContext(ctx, "Webhook body read failed",
			slog.String("error", err.Error()),
			slog.Int64("content_length", r.ContentLength))
		render.Render(w, r, apierrors.NewProblemDetails(
			http.StatusRequestEntityTooLarge,
			"/errors/webhook/body-too-large",
			"Webhook Body Too Large",
			"The webhook payload exceeds the accepted size.",
			r.URL.Path,
		).WithExtension("trace_id", requestTraceID(r)).
			WithExtension("max_bytes", config.WebhookMaxBodyBytes))
		return
	}

	result, err := h.reconciler.Process(ctx, body, r.Header.Get(config.WebhookSignatureHeader))
	span.SetAttributes(
		attribute.String("webhook.outcome", result.Outcome),
		attribute.Bool("webhook.handled", result.Handled),
		attribute.Int("http.status_code", result.StatusCode),
	)

	if err != nil {
		span.RecordError(err)
		if errors.Is(err, apierrors.ErrSignatureMismatch) {
			render.Render(w, r, apierrors.NewBadSignatureProblem(requestTraceID(r)))
			return
		}
		h.logger.ErrorContext(ctx, "Webhook processing failed, provider will retry",
			slog.String("event_id", result.EventID),
			slog.String("error", err.Error()))
		render.Render(w, r, apierrors.NewProblemDetails(
			http.StatusInternalServerError,
			"/errors/webhook/processing-failed",
			"Webhook Processing Failed",
			"The event could not be processed; a retried delivery will be reconciled.",
			r.URL.Path,
		).WithExtension("trace_id", requestTraceID(r)).
			WithExtension("event_id", result.EventID))
		return
	}

	render.Status(r, result.StatusCode)
	render.JSON(w, r, api.WebhookAckResponse{
		Received: true,
		Handled:  result.Handled,
		EventID:  result.EventID,
	})
}
