// Package apierr provides structured API error types and HTTP status
// mapping for the translation proxy's error taxonomy.
package apierr

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/valyala/fasthttp"
)

// Kind is the stable error category returned in every error envelope.
type Kind string

const (
	KindRateLimited           Kind = "RATE_LIMITED"
	KindLocked                Kind = "LOCKED"
	KindUnauthorized          Kind = "UNAUTHORIZED"
	KindForbidden             Kind = "FORBIDDEN"
	KindModelNotFound         Kind = "MODEL_NOT_FOUND"
	KindContextLengthExceeded Kind = "CONTEXT_LENGTH_EXCEEDED"
	KindBadRequest            Kind = "BAD_REQUEST"
	KindGatewayError          Kind = "GATEWAY_ERROR"
	KindTimeout               Kind = "TIMEOUT"
	KindConnectionError       Kind = "CONNECTION_ERROR"
	KindServerError           Kind = "SERVER_ERROR"
	KindUnknownError          Kind = "UNKNOWN_ERROR"
)

// APIError is the structured error body returned to clients.
type APIError struct {
	Kind    Kind   `json:"type"`
	Message string `json:"message"`
}

type envelope struct {
	Error APIError `json:"error"`
}

// statusFor maps each Kind to its default HTTP status.
func statusFor(kind Kind) int {
	switch kind {
	case KindRateLimited, KindLocked:
		return fasthttp.StatusTooManyRequests
	case KindUnauthorized:
		return fasthttp.StatusUnauthorized
	case KindForbidden:
		return fasthttp.StatusForbidden
	case KindModelNotFound:
		return fasthttp.StatusNotFound
	case KindContextLengthExceeded, KindBadRequest:
		return fasthttp.StatusBadRequest
	case KindGatewayError:
		return fasthttp.StatusBadGateway
	case KindTimeout:
		return fasthttp.StatusGatewayTimeout
	case KindConnectionError:
		return fasthttp.StatusBadGateway
	case KindServerError:
		return fasthttp.StatusInternalServerError
	default:
		return fasthttp.StatusInternalServerError
	}
}

// Write writes kind/message as a JSON error envelope at kind's default status.
func Write(ctx *fasthttp.RequestCtx, kind Kind, message string) {
	WriteStatus(ctx, statusFor(kind), kind, message)
}

// WriteStatus writes kind/message at an explicit HTTP status, for the few
// cases where the caller has already narrowed the status (e.g. a 503 vs
// 502 distinction on GATEWAY_ERROR).
func WriteStatus(ctx *fasthttp.RequestCtx, status int, kind Kind, message string) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	if (kind == KindRateLimited || kind == KindLocked) && len(ctx.Response.Header.Peek("Retry-After")) == 0 {
		ctx.Response.Header.Set("Retry-After", "60")
	}
	body, _ := json.Marshal(envelope{Error: APIError{Kind: kind, Message: message}})
	ctx.SetBody(body)
}

// WriteUpstreamError classifies a non-2xx upstream response status into
// the taxonomy above. htmlBody narrows GATEWAY_ERROR to a 503
// when the upstream returned an HTML error page rather than a JSON
// envelope, since that usually indicates a reverse-proxy or load-balancer
// failure in front of the model rather than the model itself.
func WriteUpstreamError(ctx *fasthttp.RequestCtx, upstreamStatus int, htmlBody bool, message string) {
	switch upstreamStatus {
	case fasthttp.StatusUnauthorized:
		Write(ctx, KindUnauthorized, message)
	case fasthttp.StatusForbidden:
		Write(ctx, KindForbidden, message)
	case fasthttp.StatusNotFound:
		Write(ctx, KindModelNotFound, message)
	case fasthttp.StatusTooManyRequests:
		Write(ctx, KindRateLimited, message)
	case fasthttp.StatusRequestEntityTooLarge:
		Write(ctx, KindContextLengthExceeded, message)
	case fasthttp.StatusBadRequest:
		Write(ctx, KindBadRequest, message)
	default:
		if htmlBody {
			WriteStatus(ctx, fasthttp.StatusServiceUnavailable, KindGatewayError, message)
			return
		}
		Write(ctx, KindGatewayError, message)
	}
}

// WriteTimeout writes a 504 timeout error.
func WriteTimeout(ctx *fasthttp.RequestCtx) {
	Write(ctx, KindTimeout, "upstream request timed out")
}

// WriteConnectionError writes a 502 connection error.
func WriteConnectionError(ctx *fasthttp.RequestCtx, message string) {
	Write(ctx, KindConnectionError, message)
}

// WriteRateLimited writes a 429 rate-limit error, including a Retry-After
// hint computed from the limiter's reported wait. The wait is also folded
// into the message text so clients that only read error.message still see
// the suggested wait.
func WriteRateLimited(ctx *fasthttp.RequestCtx, waitSeconds float64) {
	if waitSeconds > 0 {
		ctx.Response.Header.Set("Retry-After", formatSeconds(waitSeconds))
	}
	Write(ctx, KindRateLimited, fmt.Sprintf("Wait %.1fs", waitSeconds))
}

// WriteLocked writes a 429 lockout error, folding the remaining lockout
// time into the message text alongside the Retry-After header.
func WriteLocked(ctx *fasthttp.RequestCtx, remainingSeconds float64) {
	if remainingSeconds > 0 {
		ctx.Response.Header.Set("Retry-After", formatSeconds(remainingSeconds))
	}
	Write(ctx, KindLocked, fmt.Sprintf("Try again in %ds", int(remainingSeconds+0.5)))
}

// WriteServerError writes a 500 server error.
func WriteServerError(ctx *fasthttp.RequestCtx, message string) {
	Write(ctx, KindServerError, message)
}

// WriteBadRequest writes a 400 bad-request error.
func WriteBadRequest(ctx *fasthttp.RequestCtx, message string) {
	Write(ctx, KindBadRequest, message)
}

func formatSeconds(s float64) string {
	rounded := int(s + 0.5)
	if rounded < 1 {
		rounded = 1
	}
	return strconv.Itoa(rounded)
}
