package http

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"keymint/internal/config"
	apierrors "keymint/internal/errors"
	"keymint/internal/middleware"
	api "keymint/pkg/contracts/api/v1"
)

// AuthHandler exchanges operator credentials for a bearer token. It is
// the only admin endpoint that is not itself token-protected.
type AuthHandler struct {
	admin  config.AdminConfig
	tokens *middleware.TokenManager
	logger *slog.Logger
}

// NewAuthHandler creates a new auth handler.
func NewAuthHandler(admin config.AdminConfig, tokens *middleware.TokenManager, logger *slog.Logger) *AuthHandler {
	return &AuthHandler{
		admin:  admin,
		tokens: tokens,
		logger: logger.With(slog.String("handler", "auth")),
	}
}

// Routes returns a chi router for the auth endpoints.
func (h *AuthHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/login", h.Login)
	return r
}

// Login handles POST /api/auth/login.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	tracer := otel.Tracer("auth-handler")
	ctx, span := tracer.Start(r.Context(), "auth_handler.login",
		trace.WithAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("http.route", "/api/auth/login"),
		),
	)
	defer span.End()

	var req api.AdminLoginRequest
	if problem := bind(r, &req); problem != nil {
		render.Render(w, r, problem)
		return
	}

	if !middleware.VerifyCredentials(h.admin, req.Username, req.Password) {
		span.SetAttributes(attribute.Bool("auth.accepted", false))
		h.logger.WarnContext(ctx, "Admin login rejected",
			slog.String("username", req.Username),
			slog.String("remote_addr", r.RemoteAddr))
		render.Render(w, r, apierrors.NewProblemDetails(
			http.StatusUnauthorized,
			"/errors/auth/invalid-credentials",
			"Invalid Credentials",
			"The username or password is incorrect.",
			r.URL.Path,
		).WithExtension("trace_id", requestTraceID(r)))
		return
	}

	token, expiresAt, err := h.tokens.Generate(req.Username)
	if err != nil {
		span.RecordError(err)
		h.logger.ErrorContext(ctx, "Token generation failed",
			slog.String("error", err.Error()))
		render.Render(w, r, apierrors.NewProblemDetails(
			http.StatusInternalServerError,
			"/errors/auth/token-generation-failed",
			"Login Failed",
			"A token could not be issued. Please try again shortly.",
			r.URL.Path,
		).WithExtension("trace_id", requestTraceID(r)))
		return
	}

	span.SetAttributes(attribute.Bool("auth.accepted", true))
	h.logger.InfoContext(ctx, "Admin login accepted",
		slog.String("username", req.Username))
	render.JSON(w, r, api.AdminLoginResponse{Token: token, ExpiresAt: expiresAt})
}
