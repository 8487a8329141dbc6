package errors

import (
	"fmt"
	"net/http"

	"keymint/internal/infrastructure"
)

// RespondStatus writes a status-derived problem for the request, filling
// the instance from the URL path and the trace id from the context.
func RespondStatus(w http.ResponseWriter, r *http.Request, status int, detail string) {
	problem := ProblemFromStatus(status, detail, r.URL.Path).
		WithExtension("trace_id", infrastructure.GetTraceID(r.Context()))
	WriteProblem(w, problem)
}

// NotFound is the router fallback for paths that match no route. It keeps
// unmatched requests on the same problem+json contract as the API proper.
func NotFound(w http.ResponseWriter, r *http.Request) {
	RespondStatus(w, r, http.StatusNotFound, "The requested resource does not exist.")
}

// MethodNotAllowed is the router fallback for a known path hit with the
// wrong verb.
func MethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	RespondStatus(w, r, http.StatusMethodNotAllowed,
		fmt.Sprintf("%s is not supported on this endpoint", r.Method))
}
