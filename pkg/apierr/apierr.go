// Package apierr provides the gateway's structured error taxonomy and its
// HTTP envelope writer.
package apierr

import (
	"encoding/json"

	"github.com/valyala/fasthttp"
)

// Kind identifies one of the nine taxonomy entries the pipeline can surface.
type Kind string

const (
	AuthInvalid         Kind = "AUTH_INVALID"
	ProjectMissing      Kind = "PROJECT_MISSING"
	SchemaInvalid       Kind = "SCHEMA_INVALID"
	ModelUnknown        Kind = "MODEL_UNKNOWN"
	BudgetExceeded      Kind = "BUDGET_EXCEEDED"
	SecretsUnavailable  Kind = "SECRETS_UNAVAILABLE"
	UpstreamRateLimit   Kind = "UPSTREAM_RATE_LIMIT"
	UpstreamError       Kind = "UPSTREAM_ERROR"
	UpstreamUnavailable Kind = "UPSTREAM_UNAVAILABLE"
)

var statusByKind = map[Kind]int{
	AuthInvalid:         fasthttp.StatusUnauthorized,
	ProjectMissing:      fasthttp.StatusBadRequest,
	SchemaInvalid:       fasthttp.StatusBadRequest,
	ModelUnknown:        fasthttp.StatusBadRequest,
	BudgetExceeded:      fasthttp.StatusPaymentRequired,
	SecretsUnavailable:  fasthttp.StatusServiceUnavailable,
	UpstreamRateLimit:   fasthttp.StatusTooManyRequests,
	UpstreamError:       fasthttp.StatusBadGateway,
	UpstreamUnavailable: fasthttp.StatusGatewayTimeout,
}

// Error is a pipeline-level error tagged with one taxonomy Kind and the
// caller-facing detail message. It never carries credential material.
type Error struct {
	Kind   Kind
	Detail string
}

func (e *Error) Error() string { return string(e.Kind) + ": " + e.Detail }

// New builds a taxonomy error with the given detail message.
func New(kind Kind, detail string) *Error {
	return &Error{Kind: kind, Detail: detail}
}

// HTTPStatus returns the status code the taxonomy entry maps to.
func (e *Error) HTTPStatus() int {
	if s, ok := statusByKind[e.Kind]; ok {
		return s
	}
	return fasthttp.StatusInternalServerError
}

type envelope struct {
	Detail string `json:"detail"`
}

// Write renders err (or a generic 500 when err is not an *Error) as the JSON
// body `{"detail": "..."}` and sets the matching HTTP status.
func Write(ctx *fasthttp.RequestCtx, err error) {
	e, ok := err.(*Error)
	if !ok {
		WriteOpaque(ctx)
		return
	}
	ctx.SetStatusCode(e.HTTPStatus())
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(envelope{Detail: e.Detail})
	ctx.SetBody(body)
}

// WriteOpaque writes a 500 with no information about the underlying cause.
// Used by the recovery middleware so an unexpected panic never leaks
// internals to the caller.
func WriteOpaque(ctx *fasthttp.RequestCtx) {
	ctx.SetStatusCode(fasthttp.StatusInternalServerError)
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(envelope{Detail: "internal error"})
	ctx.SetBody(body)
}
