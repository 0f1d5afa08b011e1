// Package apierr provides the structured error envelope returned by every
// non-2xx JSON response, compatible with the OpenAI error format.
package apierr

import (
	"encoding/json"

	"github.com/valyala/fasthttp"
)

// Error kind constants. The kind is carried in the "type" field of the
// envelope and maps one-to-one onto an HTTP status at the edge.
const (
	KindBadRequest       = "BadRequest"
	KindInvalidURL       = "InvalidURL"
	KindUnauthorized     = "Unauthorized"
	KindForbidden        = "Forbidden"
	KindModelNotFound    = "ModelNotFound"
	KindConflict         = "Conflict"
	KindPayloadTooLarge  = "PayloadTooLarge"
	KindNoHealthyServer  = "NoHealthyServer"
	KindAllAttemptsFailed = "AllAttemptsFailed"
	KindInternal         = "Internal"
)

// APIError is the structured error returned to clients.
type (
	APIError struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    int    `json:"code"`
	}
	envelope struct {
		Error APIError `json:"error"`
	}
)

// Write writes the error as JSON to the fasthttp response with the given
// HTTP status. The numeric "code" field always equals the HTTP status.
func Write(ctx *fasthttp.RequestCtx, status int, message, kind string) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(envelope{Error: APIError{
		Message: message,
		Type:    kind,
		Code:    status,
	}})
	ctx.SetBody(body)
}

// WriteBadRequest writes a 400 BadRequest error.
func WriteBadRequest(ctx *fasthttp.RequestCtx, message string) {
	Write(ctx, fasthttp.StatusBadRequest, message, KindBadRequest)
}

// WriteUnauthorized writes a 401 Unauthorized error.
func WriteUnauthorized(ctx *fasthttp.RequestCtx) {
	Write(ctx, fasthttp.StatusUnauthorized,
		"invalid or missing admin API key", KindUnauthorized)
}

// WriteInternal writes a 500 Internal error with a generic message.
// Details are logged server-side, never exposed to the client.
func WriteInternal(ctx *fasthttp.RequestCtx) {
	Write(ctx, fasthttp.StatusInternalServerError,
		"internal server error", KindInternal)
}
