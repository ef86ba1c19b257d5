package upstream

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestClient_CallBatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "alice" || pass != "secret" {
			t.Errorf("expected basic auth alice:secret, got %q:%q ok=%v", user, pass, ok)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"content":"[\"Bonjour\",\"Monde\"]","usage":{"total_tokens":10}}`)
	}))
	defer srv.Close()

	c := New(Options{})
	result, err := c.CallBatch(context.Background(), Request{
		TargetEndpoint: srv.URL,
		Username:       "alice",
		Password:       "secret",
		Model:          "m",
	})
	if err != nil {
		t.Fatal(err)
	}
	if result.Content != `["Bonjour","Monde"]` {
		t.Fatalf("content = %q", result.Content)
	}
	if result.Usage["total_tokens"] != float64(10) {
		t.Fatalf("usage = %v", result.Usage)
	}
}

func TestClient_CallBatchErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error":"bad credentials"}`)
	}))
	defer srv.Close()

	c := New(Options{})
	_, err := c.CallBatch(context.Background(), Request{TargetEndpoint: srv.URL})
	if err == nil {
		t.Fatal("expected error")
	}
	var errResult *ErrorResult
	if !AsErrorResult(err, &errResult) {
		t.Fatalf("expected *ErrorResult, got %T: %v", err, err)
	}
	if errResult.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d", errResult.StatusCode)
	}
}

func TestClient_CallStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher, _ := w.(http.Flusher)
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"[\\\"a\"}}]}\n\n")
		flusher.Flush()
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"\\\"]\"}}]}\n\n")
		flusher.Flush()
		fmt.Fprint(w, "data: [DONE]\n\n")
		flusher.Flush()
	}))
	defer srv.Close()

	c := New(Options{DeltaField: DeltaChoicesDelta})
	it, err := c.CallStream(context.Background(), Request{TargetEndpoint: srv.URL, Stream: true})
	if err != nil {
		t.Fatal(err)
	}
	defer it.Close()

	var deltas []string
	for {
		chunk, ok, err := it.Next()
		if err != nil {
			t.Fatal(err)
		}
		if !ok {
			break
		}
		deltas = append(deltas, chunk.Delta)
	}

	if len(deltas) != 2 || deltas[0] != `["a` || deltas[1] != `"]` {
		t.Fatalf("deltas = %v", deltas)
	}
}

// AsErrorResult is a small test helper mirroring errors.As without importing
// it twice in the test for a concrete (non-interface) target type.
func AsErrorResult(err error, target **ErrorResult) bool {
	if e, ok := err.(*ErrorResult); ok {
		*target = e
		return true
	}
	return false
}
