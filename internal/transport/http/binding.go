package http

import (
	"fmt"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/go-chi/render"
	"github.com/go-playground/validator/v10"

	apierrors "keymint/internal/errors"
	"keymint/internal/infrastructure"
	api "keymint/pkg/contracts/api/v1"
	"keymint/pkg/contracts/domain"
)

// validate checks the validate tags on the api contract types. Field
// names in error messages come from the json tags so they match what the
// caller actually sent.
var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// bind decodes the JSON body into v and runs tag validation. A non-nil
// return is already an RFC 7807 problem ready to render.
func bind(r *http.Request, v interface{}) *apierrors.ProblemDetails {
	if err := render.DecodeJSON(r.Body, v); err != nil {
		return apierrors.NewProblemDetails(
			http.StatusBadRequest,
			"/errors/invalid-json",
			"Invalid Request Body",
			"The request body is not valid JSON.",
			r.URL.Path,
		).WithExtension("trace_id", requestTraceID(r))
	}
	if err := validate.Struct(v); err != nil {
		return validationProblem(err, r)
	}
	return nil
}

func validationProblem(err error, r *http.Request) *apierrors.ProblemDetails {
	problem := apierrors.NewProblemDetails(
		http.StatusBadRequest,
		"/errors/validation",
		"Validation Failed",
		"One or more request fields are invalid.",
		r.URL.Path,
	).WithExtension("trace_id", requestTraceID(r))

	fieldErrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return problem.WithExtension("errors", []string{err.Error()})
	}
	messages := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		messages = append(messages, formatFieldError(fe))
	}
	return problem.WithExtension("errors", messages)
}

func formatFieldError(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", fe.Field())
	case "min":
		return fmt.Sprintf("%s must be at least %s characters", fe.Field(), fe.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", fe.Field(), strings.ReplaceAll(fe.Param(), " ", ", "))
	case "datetime":
		return fmt.Sprintf("%s must be an RFC 3339 timestamp", fe.Field())
	default:
		return fmt.Sprintf("%s failed %s validation", fe.Field(), fe.Tag())
	}
}

// requestTraceID prefers the active span's trace ID and falls back to the
// request ID the identity middleware stored, so problem documents stay
// correlatable either way.
func requestTraceID(r *http.Request) string {
	if id := infrastructure.TraceIDFromContext(r.Context()); id != "" {
		return id
	}
	return infrastructure.GetTraceID(r.Context())
}

// buyerProfile converts the wire-level buyer input into the domain
// profile. AccountCreatedAt has already passed the datetime tag, so a
// parse failure here means the tag and this parse disagree.
func buyerProfile(in api.BuyerInput) (domain.BuyerProfile, error) {
	profile := domain.BuyerProfile{
		UserID:    in.UserID,
		Username:  in.Username,
		HasAvatar: in.HasAvatar,
	}
	if in.AccountCreatedAt != "" {
		createdAt, err := time.Parse(time.RFC3339, in.AccountCreatedAt)
		if err != nil {
			return domain.BuyerProfile{}, fmt.Errorf("parse account_created_at: %w", err)
		}
		profile.AccountCreatedAt = createdAt
	}
	return profile, nil
}
