// Command mockupstream runs a lightweight HTTP server that simulates a
// caller-specified target_endpoint for manual end-to-end testing of the
// translation proxy: it accepts the same request shape the pipeline sends
// upstream (HTTP Basic auth, {model, messages, temperature, top_p, stream})
// and replies with a batch JSON envelope or an SSE stream of per-word
// deltas, with configurable latency, error rate, and credentials.
//
// Environment overrides:
//
//	MOCK_PORT          — listen port (default 19001)
//	MOCK_USERNAME       — required Basic auth username (default "mockuser")
//	MOCK_PASSWORD       — required Basic auth password (default "mockpass")
//	MOCK_LATENCY_MS     — artificial latency added to every response (default 0)
//	MOCK_ERROR_RATE     — fraction [0,1] of requests that return HTTP 500 (default 0)
//	MOCK_AUTH_FAIL_RATE — fraction [0,1] of requests that return HTTP 401 (default 0)
//	MOCK_STREAM_WORDS   — words per translated item, batch and streaming (default 6)
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// config holds runtime configuration for the mock server.
type config struct {
	Username    string
	Password    string
	LatencyMS   int
	ErrorRate   float64
	AuthFailure float64
	StreamWords int
}

func loadConfig() config {
	c := config{
		Username:    envOr("MOCK_USERNAME", "mockuser"),
		Password:    envOr("MOCK_PASSWORD", "mockpass"),
		StreamWords: 6,
	}
	if v := os.Getenv("MOCK_LATENCY_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.LatencyMS = n
		}
	}
	if v := os.Getenv("MOCK_ERROR_RATE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 && f <= 1 {
			c.ErrorRate = f
		}
	}
	if v := os.Getenv("MOCK_AUTH_FAIL_RATE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 && f <= 1 {
			c.AuthFailure = f
		}
	}
	if v := os.Getenv("MOCK_STREAM_WORDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.StreamWords = n
		}
	}
	return c
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// translateRequest mirrors the body internal/upstream.Client sends.
type translateRequest struct {
	Model    string `json:"model"`
	Stream   bool   `json:"stream"`
	Messages []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"messages"`
}

func newHandler(cfg config) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		user, pass, ok := r.BasicAuth()
		if !ok || user != cfg.Username || pass != cfg.Password || shouldFail(cfg.AuthFailure) {
			writeError(w, http.StatusUnauthorized, "invalid credentials")
			return
		}

		applyLatency(cfg)
		if shouldFail(cfg.ErrorRate) {
			writeError(w, http.StatusInternalServerError, "mock internal server error")
			return
		}

		var req translateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}

		texts := extractUserTexts(req)

		if req.Stream {
			serveStream(w, texts, cfg.StreamWords)
			return
		}

		content, _ := json.Marshal(translateTexts(texts, cfg.StreamWords))
		writeJSON(w, http.StatusOK, map[string]any{
			"content": string(content),
			"usage": map[string]int{
				"prompt_tokens":     len(texts) * 5,
				"completion_tokens": len(texts) * cfg.StreamWords,
				"total_tokens":      len(texts) * (5 + cfg.StreamWords),
			},
		})
	})

	return mux
}

// extractUserTexts decodes the JSON-array-of-strings the pipeline places in
// the last user message, falling back to treating the raw content as a
// single item when it isn't a JSON array.
func extractUserTexts(req translateRequest) []string {
	var raw string
	for _, m := range req.Messages {
		if m.Role == "user" {
			raw = m.Content
		}
	}
	var texts []string
	if err := json.Unmarshal([]byte(raw), &texts); err == nil {
		return texts
	}
	if raw != "" {
		return []string{raw}
	}
	return nil
}

func translateTexts(texts []string, wordsPerItem int) []string {
	out := make([]string, len(texts))
	for i := range texts {
		out[i] = fakeSentence(wordsPerItem)
	}
	return out
}

func serveStream(w http.ResponseWriter, texts []string, wordsPerItem int) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)

	// Stream the JSON array of translations one word at a time, so items
	// reach the proxy's stream parser split across chunk boundaries.
	content, _ := json.Marshal(translateTexts(texts, wordsPerItem))
	for _, piece := range strings.SplitAfter(string(content), " ") {
		fmt.Fprintf(w, "data: %s\n\n", mustJSON(map[string]any{"content": piece}))
		if flusher != nil {
			flusher.Flush()
		}
	}
	fmt.Fprint(w, "data: [DONE]\n\n")
	if flusher != nil {
		flusher.Flush()
	}
}

func mustJSON(v any) []byte {
	b, _ := json.Marshal(v)
	return b
}

var fakeWords = []string{
	"bonjour", "monde", "le", "chat", "noir", "traduit", "rapidement",
	"une", "phrase", "simple", "pour", "tester", "le", "flux",
}

func fakeSentence(n int) string {
	words := make([]string, n)
	for i := range words {
		words[i] = fakeWords[rand.IntN(len(fakeWords))]
	}
	return strings.Join(words, " ")
}

func applyLatency(cfg config) {
	if cfg.LatencyMS > 0 {
		time.Sleep(time.Duration(cfg.LatencyMS) * time.Millisecond)
	}
}

func shouldFail(rate float64) bool {
	if rate <= 0 {
		return false
	}
	return rand.Float64() < rate
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func main() {
	log := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	cfg := loadConfig()

	addr := ":" + envOr("MOCK_PORT", "19001")
	srv := &http.Server{
		Addr:         addr,
		Handler:      newHandler(cfg),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Info("mock upstream listening", slog.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", slog.String("error", err.Error()))
		}
	}()

	fmt.Println("READY")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down mock upstream")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
}
