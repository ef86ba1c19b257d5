package proxy

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/n1ml03/translateproxy/internal/authlimit"
	"github.com/n1ml03/translateproxy/internal/cache"
	"github.com/n1ml03/translateproxy/internal/concurrency"
	"github.com/n1ml03/translateproxy/internal/dedup"
	"github.com/n1ml03/translateproxy/internal/fingerprint"
	"github.com/n1ml03/translateproxy/internal/logger"
	"github.com/n1ml03/translateproxy/internal/metrics"
	"github.com/n1ml03/translateproxy/internal/ratelimit"
	"github.com/n1ml03/translateproxy/internal/streamparse"
	"github.com/n1ml03/translateproxy/internal/upstream"
	"github.com/n1ml03/translateproxy/pkg/apierr"

	"github.com/google/uuid"
)

// targetLangPattern infers the target language by scanning the system
// prompt for the case-insensitive pattern "into <WORD>".
var targetLangPattern = regexp.MustCompile(`(?i)into\s+([A-Za-z]+)`)

const defaultTargetLanguage = "English"

// TranslateRequest is the body of POST /proxy/translate.
type TranslateRequest struct {
	TargetEndpoint string              `json:"target_endpoint"`
	Username       string              `json:"username"`
	Password       string              `json:"password"`
	Model          string              `json:"model"`
	SystemPrompt   string              `json:"system_prompt"`
	UserInput      string              `json:"user_input"`
	Messages       []upstream.Message  `json:"messages"`
	Temperature    *float64            `json:"temperature"`
	TopP           *float64            `json:"top_p"`
	Stream         bool                `json:"stream"`
}

func (r *TranslateRequest) systemPrompt() string {
	if r.SystemPrompt != "" {
		return r.SystemPrompt
	}
	for _, m := range r.Messages {
		if m.Role == "system" {
			return m.Content
		}
	}
	return ""
}

func (r *TranslateRequest) userInput() string {
	if r.UserInput != "" {
		return r.UserInput
	}
	var last string
	for _, m := range r.Messages {
		if m.Role == "user" {
			last = m.Content
		}
	}
	return last
}

func inferTargetLanguage(systemPrompt string) string {
	m := targetLangPattern.FindStringSubmatch(systemPrompt)
	if len(m) < 2 {
		return defaultTargetLanguage
	}
	return m[1]
}

// extractTexts parses the user input field as a JSON array of strings. A
// parse failure is not an error to the caller: it means "no extractable
// texts", and the pipeline skips cache/dedup entirely for this request.
func extractTexts(userInput string) ([]string, bool) {
	if userInput == "" {
		return nil, false
	}
	var texts []string
	if err := json.Unmarshal([]byte(userInput), &texts); err != nil {
		return nil, false
	}
	return texts, true
}

// Pipeline is the request-coalescing cache-and-dispatch core: it sequences
// the lockout check, rate limit, cache lookup, deduplication, bounded
// upstream call, and response emission for a translation request.
type Pipeline struct {
	cache  *cache.TranslationCache
	dedup  *dedup.Deduplicator
	rate   *ratelimit.Limiter
	auth   *authlimit.Limiter
	gate   *concurrency.Gate
	client *upstream.Client

	upstreamTimeout time.Duration
	instanceID      string

	metrics *metrics.Registry
	log     *logger.Logger
}

// PipelineOptions configures a Pipeline.
type PipelineOptions struct {
	Cache           *cache.TranslationCache
	Dedup           *dedup.Deduplicator
	RateLimit       *ratelimit.Limiter
	AuthLimit       *authlimit.Limiter
	Gate            *concurrency.Gate
	Upstream        *upstream.Client
	UpstreamTimeout time.Duration
	InstanceID      string
	Metrics         *metrics.Registry
	Logger          *logger.Logger
}

// NewPipeline creates a Pipeline from its wired components.
func NewPipeline(opts PipelineOptions) *Pipeline {
	if opts.UpstreamTimeout <= 0 {
		opts.UpstreamTimeout = 30 * time.Second
	}
	return &Pipeline{
		cache:           opts.Cache,
		dedup:           opts.Dedup,
		rate:            opts.RateLimit,
		auth:            opts.AuthLimit,
		gate:            opts.Gate,
		client:          opts.Upstream,
		upstreamTimeout: opts.UpstreamTimeout,
		instanceID:      opts.InstanceID,
		metrics:         opts.Metrics,
		log:             opts.Logger,
	}
}

// clientID derives the per-client key used by the rate limiter and auth
// limiter: the caller's remote address. The upstream credentials are
// per-request and not a stable client identity, so the transport address
// is the only identity the core has without requiring its own auth layer.
func clientID(ctx *fasthttp.RequestCtx) string {
	return ctx.RemoteIP().String()
}

// HandleTranslate is the entry point for POST /proxy/translate. It runs the
// lockout check, rate limit, cache lookup, deduplication, bounded upstream
// dispatch, and response emission in sequence for one request.
func (p *Pipeline) HandleTranslate(ctx *fasthttp.RequestCtx) {
	start := time.Now()
	cid := clientID(ctx)

	// 1. Lockout check.
	if locked, remaining := p.auth.IsLocked(cid); locked {
		if p.metrics != nil {
			p.metrics.RecordAuthLimit("locked")
		}
		apierr.WriteLocked(ctx, remaining)
		return
	}

	// 2. Rate check.
	if allowed, wait := p.rate.Acquire(cid); !allowed {
		if p.metrics != nil {
			p.metrics.RecordRateLimit("denied")
		}
		apierr.WriteRateLimited(ctx, wait)
		return
	}
	if p.metrics != nil {
		p.metrics.RecordRateLimit("allowed")
	}

	var req TranslateRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		apierr.WriteBadRequest(ctx, "malformed JSON body")
		return
	}
	if req.TargetEndpoint == "" || req.Username == "" || req.Password == "" || req.Model == "" {
		apierr.WriteBadRequest(ctx, "target_endpoint, username, password, and model are required")
		return
	}
	if req.Temperature == nil {
		t := 0.3
		req.Temperature = &t
	}
	if req.TopP == nil {
		t := 0.9
		req.TopP = &t
	}

	targetLang := inferTargetLanguage(req.systemPrompt())
	wantsStream := req.Stream

	// 3. Extract texts.
	texts, extracted := extractTexts(req.userInput())

	var fp string
	cacheable := extracted && !p.cache.Excludes(req.Model)
	if cacheable {
		fp = fingerprint.Of(texts, targetLang, req.Model)
	}

	// 4. Cache lookup.
	if fp != "" {
		if translations, ok := p.cache.Get(fp); ok {
			if p.metrics != nil {
				p.metrics.CacheHit()
			}
			p.respondCached(ctx, req.Model, translations, wantsStream)
			p.logCompletion(cid, fp, targetLang, req.Model, len(translations), start, fasthttp.StatusOK, true, false, wantsStream)
			return
		}
		if p.metrics != nil {
			p.metrics.CacheMiss()
		}
	}

	// 5. Deduplication.
	var slot *dedup.Slot
	isOwner := true
	coalesced := false
	if fp != "" {
		slot, isOwner = p.dedup.Claim(fp)
		if !isOwner {
			awaitCtx, cancel := context.WithTimeout(context.Background(), p.upstreamTimeout)
			outcome, err := p.dedup.Await(awaitCtx, slot)
			cancel()
			if err == nil {
				switch outcome.Kind {
				case dedup.OutcomeTranslations:
					coalesced = true
					p.respondTranslations(ctx, req.Model, outcome.Translations, wantsStream, coalesced)
					if p.metrics != nil {
						p.metrics.RecordDedupCoalesced()
					}
					p.logCompletion(cid, fp, targetLang, req.Model, len(outcome.Translations), start, fasthttp.StatusOK, false, true, wantsStream)
					return
				case dedup.OutcomeError:
					p.writeErrorKind(ctx, outcome.ErrKind, outcome.ErrMessage)
					return
				case dedup.OutcomeCancelled:
					// Fall through to making an independent call, without
					// claiming a new slot.
					isOwner = false
					slot = nil
				}
			} else {
				// Await timed out; fall through to an independent call.
				isOwner = false
				slot = nil
			}
		}
	}

	// 6. Upstream call under a ConcurrencyGate permit.
	release, err := p.gate.Acquire(ctx)
	if err != nil {
		if isOwner && fp != "" {
			p.dedup.Publish(fp, slot, dedup.Outcome{Kind: dedup.OutcomeCancelled})
		}
		return // request context cancelled while waiting for a permit
	}
	defer release()
	if p.metrics != nil {
		p.metrics.SetGateStats(p.gate.InUse(), p.gate.Capacity())
	}

	upstreamReq := upstream.Request{
		TargetEndpoint: req.TargetEndpoint,
		Username:       req.Username,
		Password:       req.Password,
		Model:          req.Model,
		SystemPrompt:   req.systemPrompt(),
		UserInput:      req.userInput(),
		Messages:       req.Messages,
		Temperature:    *req.Temperature,
		TopP:           *req.TopP,
		Stream:         wantsStream,
	}

	upstreamCtx, cancel := context.WithTimeout(context.Background(), p.upstreamTimeout)
	defer cancel()

	if wantsStream {
		p.handleStreaming(ctx, upstreamCtx, upstreamReq, fp, slot, isOwner, texts, cid, targetLang, req.Model, start)
		return
	}
	p.handleBatch(ctx, upstreamCtx, upstreamReq, fp, slot, isOwner, texts, cid, targetLang, req.Model, start)
}

// respondCached replays a cache hit without touching the upstream or dedup.
func (p *Pipeline) respondCached(ctx *fasthttp.RequestCtx, model string, translations []string, wantsStream bool) {
	if !wantsStream {
		writeBatchEnvelope(ctx, model, translations, true, nil)
		return
	}
	ctx.Response.Header.Set("Content-Type", "text/event-stream")
	ctx.Response.Header.Set("Cache-Control", "no-cache")
	ctx.Response.Header.Set("X-Accel-Buffering", "no")
	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		for i, t := range translations {
			writeSSEFrame(w, map[string]any{"index": i, "translation": t, "cached": true})
		}
		writeSSEFrame(w, map[string]any{"done": true, "total": len(translations)})
		w.Flush()
	})
}

// respondTranslations emits a coalesced waiter's result in the same shape
// an owner's direct result would take.
func (p *Pipeline) respondTranslations(ctx *fasthttp.RequestCtx, model string, translations []string, wantsStream, coalesced bool) {
	if !wantsStream {
		writeBatchEnvelope(ctx, model, translations, false, nil)
		return
	}
	ctx.Response.Header.Set("Content-Type", "text/event-stream")
	ctx.Response.Header.Set("Cache-Control", "no-cache")
	ctx.Response.Header.Set("X-Accel-Buffering", "no")
	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		for i, t := range translations {
			writeSSEFrame(w, map[string]any{"index": i, "translation": t})
		}
		writeSSEFrame(w, map[string]any{"done": true, "total": len(translations)})
		w.Flush()
	})
}

func (p *Pipeline) writeErrorKind(ctx *fasthttp.RequestCtx, kind, message string) {
	apierr.Write(ctx, apierr.Kind(kind), message)
}

// handleStreaming dispatches the upstream call in SSE mode, feeding each
// delta through the stream parser and emitting a frame per completed string.
func (p *Pipeline) handleStreaming(
	ctx *fasthttp.RequestCtx,
	upstreamCtx context.Context,
	req upstream.Request,
	fp string,
	slot *dedup.Slot,
	isOwner bool,
	texts []string,
	cid, targetLang, model string,
	start time.Time,
) {
	callStart := time.Now()
	it, err := p.client.CallStream(upstreamCtx, req)
	if err != nil {
		p.finishUpstreamError(ctx, fp, slot, isOwner, cid, targetLang, model, start, err)
		if p.metrics != nil {
			p.metrics.RecordUpstreamCall("error", "stream", time.Since(callStart))
		}
		return
	}
	defer it.Close()

	parser := streamparse.New()
	var emitted []string

	ctx.Response.Header.Set("Content-Type", "text/event-stream")
	ctx.Response.Header.Set("Cache-Control", "no-cache")
	ctx.Response.Header.Set("X-Accel-Buffering", "no")

	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		for {
			chunk, ok, err := it.Next()
			if err != nil || !ok {
				break
			}
			if chunk.Done {
				break
			}
			newStrings := parser.Feed([]byte(chunk.Delta))
			if p.metrics != nil {
				p.metrics.RecordParserEmissions(len(newStrings))
			}
			for _, s := range newStrings {
				idx := len(emitted)
				emitted = append(emitted, s)
				writeSSEFrame(w, map[string]any{"index": idx, "translation": s})
				w.Flush()
			}
		}
		writeSSEFrame(w, map[string]any{"done": true, "total": len(emitted)})
		w.Flush()

		if p.metrics != nil {
			p.metrics.RecordUpstreamCall("ok", "stream", time.Since(callStart))
		}

		if texts != nil && len(emitted) == len(texts) && fp != "" {
			p.cache.Put(fp, emitted)
			if p.metrics != nil {
				p.metrics.CacheSet()
			}
		}
		p.auth.RecordSuccess(cid)
		if isOwner && fp != "" {
			p.dedup.Publish(fp, slot, dedup.Outcome{Kind: dedup.OutcomeTranslations, Translations: emitted})
		}
		p.logCompletion(cid, fp, targetLang, model, len(emitted), start, fasthttp.StatusOK, false, false, true)
	})
}

// handleBatch dispatches the upstream call in non-streaming mode and writes
// the full translation array once the response is in hand.
func (p *Pipeline) handleBatch(
	ctx *fasthttp.RequestCtx,
	upstreamCtx context.Context,
	req upstream.Request,
	fp string,
	slot *dedup.Slot,
	isOwner bool,
	texts []string,
	cid, targetLang, model string,
	start time.Time,
) {
	callStart := time.Now()
	result, err := p.client.CallBatch(upstreamCtx, req)
	if err != nil {
		p.finishUpstreamError(ctx, fp, slot, isOwner, cid, targetLang, model, start, err)
		if p.metrics != nil {
			p.metrics.RecordUpstreamCall("error", "batch", time.Since(callStart))
		}
		return
	}
	if p.metrics != nil {
		p.metrics.RecordUpstreamCall("ok", "batch", time.Since(callStart))
	}

	p.auth.RecordSuccess(cid)

	var translations []string
	if err := json.Unmarshal([]byte(result.Content), &translations); err == nil &&
		texts != nil && len(translations) == len(texts) && fp != "" {
		p.cache.Put(fp, translations)
		if p.metrics != nil {
			p.metrics.CacheSet()
		}
	}

	writeBatchEnvelope(ctx, model, nil, false, result)

	if isOwner && fp != "" {
		p.dedup.Publish(fp, slot, dedup.Outcome{Kind: dedup.OutcomeTranslations, Translations: translations})
	}
	p.logCompletion(cid, fp, targetLang, model, len(translations), start, fasthttp.StatusOK, false, false, false)
}

// finishUpstreamError classifies an upstream failure into the error
// taxonomy, runs auth accounting on 401/403 responses, and publishes the
// error outcome to any owned deduplicator slot so waiters do not hang.
func (p *Pipeline) finishUpstreamError(ctx *fasthttp.RequestCtx, fp string, slot *dedup.Slot, isOwner bool, cid, targetLang, model string, start time.Time, err error) {
	var kind apierr.Kind
	var message string
	var status int

	switch {
	case upstream.IsTimeout(err):
		kind, message, status = apierr.KindTimeout, "upstream request timed out", fasthttp.StatusGatewayTimeout
		apierr.WriteTimeout(ctx)

	case upstream.IsConnectionError(err):
		kind, message, status = apierr.KindConnectionError, "could not connect to upstream", fasthttp.StatusBadGateway
		apierr.WriteConnectionError(ctx, message)

	default:
		if errResult, ok := err.(*upstream.ErrorResult); ok {
			status = errResult.StatusCode
			switch status {
			case fasthttp.StatusUnauthorized, fasthttp.StatusForbidden:
				nowLocked, attemptsLeft := p.auth.RecordFailure(cid)
				if status == fasthttp.StatusUnauthorized {
					kind = apierr.KindUnauthorized
				} else {
					kind = apierr.KindForbidden
				}
				if nowLocked {
					message = "account locked due to repeated authentication failures"
				} else {
					message = fmt.Sprintf("%d attempts left", attemptsLeft)
				}
				apierr.Write(ctx, kind, message)
			default:
				message = "upstream error"
				apierr.WriteUpstreamError(ctx, status, errResult.LooksLikeHTML(), message)
				kind = apierr.KindGatewayError
			}
		} else {
			kind, message = apierr.KindUnknownError, "unknown upstream failure"
			apierr.Write(ctx, kind, message)
		}
	}

	if isOwner && fp != "" {
		p.dedup.Publish(fp, slot, dedup.Outcome{
			Kind:       dedup.OutcomeError,
			ErrKind:    string(kind),
			ErrMessage: message,
		})
	}
	if status == 0 {
		status = statusForKind(kind)
	}
	p.logCompletion(cid, fp, targetLang, model, 0, start, status, false, false, false)
}

func statusForKind(kind apierr.Kind) int {
	switch kind {
	case apierr.KindTimeout:
		return fasthttp.StatusGatewayTimeout
	case apierr.KindConnectionError:
		return fasthttp.StatusBadGateway
	case apierr.KindUnknownError:
		return fasthttp.StatusInternalServerError
	default:
		return fasthttp.StatusBadGateway
	}
}

func (p *Pipeline) logCompletion(cid, fp, targetLang, model string, itemCount int, start time.Time, status int, cached, coalesced, streamed bool) {
	if p.log == nil {
		return
	}
	p.log.Log(logger.RequestLog{
		ID:          uuid.New(),
		ClientID:    cid,
		Fingerprint: fp,
		TargetLang:  targetLang,
		Model:       model,
		ItemCount:   uint32(itemCount),
		LatencyMs:   uint32(time.Since(start).Milliseconds()),
		Status:      uint16(status),
		Cached:      cached,
		Coalesced:   coalesced,
		Streamed:    streamed,
		CreatedAt:   time.Now(),
	})
}

// PipelineStats is the body of GET /stats.
type PipelineStats struct {
	Cache         cache.Stats `json:"cache"`
	DedupInflight int         `json:"dedup_inflight"`
	RateClients   int         `json:"rate_limit_clients"`
	AuthLocked    int         `json:"auth_locked_clients"`
	GateInUse     int64       `json:"gate_in_use"`
	GateCapacity  int64       `json:"gate_capacity"`
}

// Stats returns a snapshot of the cache, deduplicator, and rate-limiter
// counters for GET /stats.
func (p *Pipeline) Stats() PipelineStats {
	return PipelineStats{
		Cache:         p.cache.Stats(),
		DedupInflight: p.dedup.Inflight(),
		RateClients:   p.rate.ClientCount(),
		AuthLocked:    p.auth.LockedCount(),
		GateInUse:     p.gate.InUse(),
		GateCapacity:  p.gate.Capacity(),
	}
}

func writeSSEFrame(w *bufio.Writer, v any) {
	body, _ := json.Marshal(v)
	w.WriteString("data: ")
	w.Write(body)
	w.WriteString("\n\n")
}

// writeBatchEnvelope writes the non-streaming JSON response shape. Exactly
// one of (cachedTranslations, result) is used: a cache hit supplies
// translations directly; a fresh upstream call supplies the raw result
// envelope.
func writeBatchEnvelope(ctx *fasthttp.RequestCtx, model string, cachedTranslations []string, cached bool, result *upstream.BatchResult) {
	ctx.SetContentType("application/json")

	var content string
	var usage upstream.Usage
	if result != nil {
		content = result.Content
		usage = result.Usage
	} else {
		b, _ := json.Marshal(cachedTranslations)
		content = string(b)
	}

	envelope := map[string]any{
		"choices": []map[string]any{
			{"message": map[string]any{"role": "assistant", "content": content}},
		},
		"model":  model,
		"cached": cached,
	}
	if usage != nil {
		envelope["usage"] = usage
	}
	body, _ := json.Marshal(envelope)
	ctx.SetBody(body)
}
