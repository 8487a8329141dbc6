package errors

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/render"
)

// Problem type URIs emitted by this package. Handlers that build their own
// problems inline their type strings next to the endpoint they describe.
const (
	TypeGuardDenied      = "/errors/guard/denied"
	TypeBadSignature     = "/errors/webhook/bad-signature"
	TypeLicenseNotFound  = "/errors/license/not-found"
	TypeNotFound         = "/errors/not-found"
	TypeMethodNotAllowed = "/errors/method-not-allowed"
)

// ProblemDetails is an RFC 7807 problem document. Extensions are flattened
// into the top-level JSON object alongside the standard fields.
type ProblemDetails struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`

	Extensions map[string]interface{} `json:"-"`
}

// Render implements the render.Renderer interface.
func (pd *ProblemDetails) Render(w http.ResponseWriter, r *http.Request) error {
	render.Status(r, pd.Status)
	return nil
}

// MarshalJSON flattens the extensions into the document.
func (pd *ProblemDetails) MarshalJSON() ([]byte, error) {
	data := make(map[string]interface{})

	data["type"] = pd.Type
	data["title"] = pd.Title
	data["status"] = pd.Status

	if pd.Detail != "" {
		data["detail"] = pd.Detail
	}
	if pd.Instance != "" {
		data["instance"] = pd.Instance
	}

	for k, v := range pd.Extensions {
		data[k] = v
	}

	return json.Marshal(data)
}

// NewProblemDetails creates a problem document.
func NewProblemDetails(status int, problemType, title, detail, instance string) *ProblemDetails {
	return &ProblemDetails{
		Type:       problemType,
		Title:      title,
		Status:     status,
		Detail:     detail,
		Instance:   instance,
		Extensions: make(map[string]interface{}),
	}
}

// ProblemFromStatus creates a problem document whose title and type URI
// are derived from the status code alone. The middleware chain uses it for
// rejections that carry no domain context.
func ProblemFromStatus(status int, detail, instance string) *ProblemDetails {
	var title, problemType string

	switch status {
	case http.StatusBadRequest:
		title = "Bad Request"
		problemType = "/errors/bad-request"
	case http.StatusUnauthorized:
		title = "Unauthorized"
		problemType = "/errors/unauthorized"
	case http.StatusForbidden:
		title = "Forbidden"
		problemType = "/errors/forbidden"
	case http.StatusNotFound:
		title = "Not Found"
		problemType = TypeNotFound
	case http.StatusMethodNotAllowed:
		title = "Method Not Allowed"
		problemType = TypeMethodNotAllowed
	case http.StatusTooManyRequests:
		title = "Too Many Requests"
		problemType = "/errors/rate-limit-exceeded"
	case http.StatusInternalServerError:
		title = "Internal Server Error"
		problemType = "/errors/internal-server-error"
	case http.StatusServiceUnavailable:
		title = "Service Unavailable"
		problemType = "/errors/service-unavailable"
	default:
		title = http.StatusText(status)
		problemType = "/errors/unknown"
	}

	return NewProblemDetails(status, problemType, title, detail, instance)
}

// WriteProblem writes the document with the RFC 7807 media type. It is the
// rendering path for responses produced outside a handler, where the chi
// render chain is not in play.
func WriteProblem(w http.ResponseWriter, pd *ProblemDetails) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(pd.Status)
	json.NewEncoder(w).Encode(pd)
}

// WithExtension adds an extension field and returns the problem for
// chaining.
func (pd *ProblemDetails) WithExtension(key string, value interface{}) *ProblemDetails {
	pd.Extensions[key] = value
	return pd
}

// GuardDenialDetails carries the operator-facing context of an anti-abuse
// rejection.
type GuardDenialDetails struct {
	Rule                 string `json:"rule"`
	RetryAfterSeconds    int64  `json:"retry_after_seconds,omitempty"`
	RequiresManualReview bool   `json:"requires_manual_review,omitempty"`
}

// NewGuardDenialProblem creates the response for an anti-abuse rejection.
// The detail is always the non-technical user-facing message; the rule name
// travels in an extension for operators.
func NewGuardDenialProblem(status int, userMessage string, details *GuardDenialDetails, traceID string) *ProblemDetails {
	problem := NewProblemDetails(
		status,
		TypeGuardDenied,
		"Purchase Not Allowed",
		userMessage,
		fmt.Sprintf("/api/purchases#%s", traceID),
	)

	problem.WithExtension("trace_id", traceID)

	if details != nil {
		problem.WithExtension("rule", details.Rule)
		if details.RetryAfterSeconds > 0 {
			problem.WithExtension("retry_after_seconds", details.RetryAfterSeconds)
		}
		if details.RequiresManualReview {
			problem.WithExtension("requires_manual_review", true)
		}
	}

	return problem
}

// NewBadSignatureProblem creates the 401 response for a webhook whose
// signature did not verify.
func NewBadSignatureProblem(traceID string) *ProblemDetails {
	return NewProblemDetails(
		http.StatusUnauthorized,
		TypeBadSignature,
		"Invalid Webhook Signature",
		"The webhook signature did not match the shared secret.",
		fmt.Sprintf("/webhook/payments#%s", traceID),
	).WithExtension("trace_id", traceID)
}

// NewLicenseNotFoundProblem creates the 404 response for an unknown key.
func NewLicenseNotFoundProblem(key, traceID string) *ProblemDetails {
	return NewProblemDetails(
		http.StatusNotFound,
		TypeLicenseNotFound,
		"License Not Found",
		"No license exists for the supplied key.",
		fmt.Sprintf("/api/licenses/%s", key),
	).WithExtension("trace_id", traceID)
}
