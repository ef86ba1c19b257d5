package apierr

import (
	"encoding/json"
	"testing"

	"github.com/valyala/fasthttp"
)

func decode(t *testing.T, ctx *fasthttp.RequestCtx) envelope {
	t.Helper()
	var env envelope
	if err := json.Unmarshal(ctx.Response.Body(), &env); err != nil {
		t.Fatalf("decode response body: %v", err)
	}
	return env
}

func TestWrite_SetsStatusAndBody(t *testing.T) {
	ctx := &fasthttp.RequestCtx{}
	Write(ctx, KindBadRequest, "missing field")

	if ctx.Response.StatusCode() != fasthttp.StatusBadRequest {
		t.Errorf("expected 400, got %d", ctx.Response.StatusCode())
	}
	env := decode(t, ctx)
	if env.Error.Kind != KindBadRequest || env.Error.Message != "missing field" {
		t.Errorf("unexpected envelope: %+v", env)
	}
}

func TestStatusFor_AllKinds(t *testing.T) {
	cases := map[Kind]int{
		KindRateLimited:           fasthttp.StatusTooManyRequests,
		KindLocked:                fasthttp.StatusTooManyRequests,
		KindUnauthorized:          fasthttp.StatusUnauthorized,
		KindForbidden:             fasthttp.StatusForbidden,
		KindModelNotFound:         fasthttp.StatusNotFound,
		KindContextLengthExceeded: fasthttp.StatusBadRequest,
		KindBadRequest:            fasthttp.StatusBadRequest,
		KindGatewayError:          fasthttp.StatusBadGateway,
		KindTimeout:               fasthttp.StatusGatewayTimeout,
		KindConnectionError:       fasthttp.StatusBadGateway,
		KindServerError:           fasthttp.StatusInternalServerError,
		KindUnknownError:          fasthttp.StatusInternalServerError,
	}
	for kind, want := range cases {
		if got := statusFor(kind); got != want {
			t.Errorf("statusFor(%s) = %d, want %d", kind, got, want)
		}
	}
}

func TestWrite_RetryAfterOnRateLimitedAndLocked(t *testing.T) {
	ctx := &fasthttp.RequestCtx{}
	Write(ctx, KindRateLimited, "slow down")
	if ctx.Response.Header.Peek("Retry-After") == nil {
		t.Error("expected Retry-After header on RATE_LIMITED")
	}

	ctx2 := &fasthttp.RequestCtx{}
	Write(ctx2, KindLocked, "locked out")
	if ctx2.Response.Header.Peek("Retry-After") == nil {
		t.Error("expected Retry-After header on LOCKED")
	}

	ctx3 := &fasthttp.RequestCtx{}
	Write(ctx3, KindBadRequest, "bad")
	if ctx3.Response.Header.Peek("Retry-After") != nil {
		t.Error("expected no Retry-After header on BAD_REQUEST")
	}
}

func TestWriteUpstreamError_Classification(t *testing.T) {
	cases := []struct {
		status int
		want   Kind
	}{
		{fasthttp.StatusUnauthorized, KindUnauthorized},
		{fasthttp.StatusForbidden, KindForbidden},
		{fasthttp.StatusNotFound, KindModelNotFound},
		{fasthttp.StatusTooManyRequests, KindRateLimited},
		{fasthttp.StatusRequestEntityTooLarge, KindContextLengthExceeded},
		{fasthttp.StatusBadRequest, KindBadRequest},
		{fasthttp.StatusInternalServerError, KindGatewayError},
	}
	for _, c := range cases {
		ctx := &fasthttp.RequestCtx{}
		WriteUpstreamError(ctx, c.status, false, "upstream error")
		env := decode(t, ctx)
		if env.Error.Kind != c.want {
			t.Errorf("WriteUpstreamError(%d) kind = %s, want %s", c.status, env.Error.Kind, c.want)
		}
	}
}

func TestWriteUpstreamError_HTMLBodyNarrowsToServiceUnavailable(t *testing.T) {
	ctx := &fasthttp.RequestCtx{}
	WriteUpstreamError(ctx, fasthttp.StatusInternalServerError, true, "upstream down")

	if ctx.Response.StatusCode() != fasthttp.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", ctx.Response.StatusCode())
	}
	env := decode(t, ctx)
	if env.Error.Kind != KindGatewayError {
		t.Errorf("expected GATEWAY_ERROR, got %s", env.Error.Kind)
	}
}

func TestWriteRateLimited_RetryAfterFromWait(t *testing.T) {
	ctx := &fasthttp.RequestCtx{}
	WriteRateLimited(ctx, 2.6)

	if got := string(ctx.Response.Header.Peek("Retry-After")); got != "3" {
		t.Errorf("expected Retry-After=3, got %q", got)
	}
	env := decode(t, ctx)
	if env.Error.Kind != KindRateLimited {
		t.Errorf("expected RATE_LIMITED kind, got %q", env.Error.Kind)
	}
	if env.Error.Message != "Wait 2.6s" {
		t.Errorf("expected message %q, got %q", "Wait 2.6s", env.Error.Message)
	}
}

func TestWriteRateLimited_MessageMatchesScenario(t *testing.T) {
	ctx := &fasthttp.RequestCtx{}
	WriteRateLimited(ctx, 0.9)

	env := decode(t, ctx)
	if env.Error.Message != "Wait 0.9s" {
		t.Errorf("expected message %q, got %q", "Wait 0.9s", env.Error.Message)
	}
}

func TestWriteLocked_RetryAfterFromRemaining(t *testing.T) {
	ctx := &fasthttp.RequestCtx{}
	WriteLocked(ctx, 0.2)

	if got := string(ctx.Response.Header.Peek("Retry-After")); got != "1" {
		t.Errorf("expected Retry-After=1 (floor of 1 second), got %q", got)
	}
	env := decode(t, ctx)
	if env.Error.Kind != KindLocked {
		t.Errorf("expected LOCKED kind, got %q", env.Error.Kind)
	}
	if env.Error.Message != "Try again in 0s" {
		t.Errorf("expected message %q, got %q", "Try again in 0s", env.Error.Message)
	}
}

func TestWriteLocked_MessageMatchesScenario(t *testing.T) {
	ctx := &fasthttp.RequestCtx{}
	WriteLocked(ctx, 300)

	env := decode(t, ctx)
	if env.Error.Message != "Try again in 300s" {
		t.Errorf("expected message %q, got %q", "Try again in 300s", env.Error.Message)
	}
}

func TestWriteTimeout(t *testing.T) {
	ctx := &fasthttp.RequestCtx{}
	WriteTimeout(ctx)
	if ctx.Response.StatusCode() != fasthttp.StatusGatewayTimeout {
		t.Errorf("expected 504, got %d", ctx.Response.StatusCode())
	}
	if decode(t, ctx).Error.Kind != KindTimeout {
		t.Error("expected TIMEOUT kind")
	}
}

func TestWriteConnectionError(t *testing.T) {
	ctx := &fasthttp.RequestCtx{}
	WriteConnectionError(ctx, "dial failed")
	if ctx.Response.StatusCode() != fasthttp.StatusBadGateway {
		t.Errorf("expected 502, got %d", ctx.Response.StatusCode())
	}
}

func TestWriteServerError(t *testing.T) {
	ctx := &fasthttp.RequestCtx{}
	WriteServerError(ctx, "internal server error")
	if ctx.Response.StatusCode() != fasthttp.StatusInternalServerError {
		t.Errorf("expected 500, got %d", ctx.Response.StatusCode())
	}
}
