package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/geocoder89/greeter/internal/security"
)

func TestDeliver_PostsGreeting(t *testing.T) {
	var gotBody payload
	var gotHeaders http.Header

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeaders = r.Header.Clone()
		raw, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(raw, &gotBody); err != nil {
			t.Errorf("unmarshal body: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c, err := New(Config{URL: srv.URL})
	if err != nil {
		t.Fatalf("New error: %v", err)
	}

	status, err := c.Deliver(context.Background(), Greeting{
		Message:        "Hey Ada Lovelace, it's your birthday!",
		IdempotencyKey: "u-1-birthday-2026",
	})
	if err != nil {
		t.Fatalf("Deliver error: %v", err)
	}
	if status != http.StatusOK {
		t.Fatalf("expected 200, got %d", status)
	}

	if gotBody.Message != "Hey Ada Lovelace, it's your birthday!" {
		t.Fatalf("unexpected message %q", gotBody.Message)
	}
	if gotBody.Test {
		t.Fatalf("delivery must not carry the probe flag")
	}
	if ct := gotHeaders.Get("Content-Type"); ct != "application/json" {
		t.Fatalf("expected json content type, got %q", ct)
	}
	if key := gotHeaders.Get("Idempotency-Key"); key != "u-1-birthday-2026" {
		t.Fatalf("expected idempotency key, got %q", key)
	}
	if sig := gotHeaders.Get("X-Greeter-Signature"); sig != "" {
		t.Fatalf("unsigned client must not set a signature, got %q", sig)
	}
}

func TestDeliver_SignsWhenSecretSet(t *testing.T) {
	var gotSig string
	var gotRaw []byte

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get("X-Greeter-Signature")
		gotRaw, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c, err := New(Config{URL: srv.URL, Secret: "s3cret"})
	if err != nil {
		t.Fatalf("New error: %v", err)
	}

	if _, err := c.Deliver(context.Background(), Greeting{Message: "hi", IdempotencyKey: "k"}); err != nil {
		t.Fatalf("Deliver error: %v", err)
	}

	if want := security.SignPayload("s3cret", gotRaw); gotSig != want {
		t.Fatalf("signature %q does not verify against body (want %q)", gotSig, want)
	}
}

func TestDeliver_Non200IsNotAnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "backend down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c, err := New(Config{URL: srv.URL})
	if err != nil {
		t.Fatalf("New error: %v", err)
	}

	status, err := c.Deliver(context.Background(), Greeting{Message: "hi", IdempotencyKey: "k"})
	if err != nil {
		t.Fatalf("expected no transport error, got %v", err)
	}
	if status != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", status)
	}
}

func TestDeliver_TransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	srv.Close() // refuse connections

	c, err := New(Config{URL: srv.URL})
	if err != nil {
		t.Fatalf("New error: %v", err)
	}

	status, err := c.Deliver(context.Background(), Greeting{Message: "hi", IdempotencyKey: "k"})
	if err == nil {
		t.Fatalf("expected transport error")
	}
	if status != 0 {
		t.Fatalf("expected status 0 on transport error, got %d", status)
	}
}

func TestProbe(t *testing.T) {
	healthy := false
	var gotBody payload

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &gotBody)
		if !healthy {
			http.Error(w, "down", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c, err := New(Config{URL: srv.URL})
	if err != nil {
		t.Fatalf("New error: %v", err)
	}

	if err := c.Probe(context.Background()); !errors.Is(err, ErrUnhealthy) {
		t.Fatalf("expected ErrUnhealthy, got %v", err)
	}

	healthy = true
	if err := c.Probe(context.Background()); err != nil {
		t.Fatalf("expected healthy probe, got %v", err)
	}
	if !gotBody.Test {
		t.Fatalf("probe body must carry the test flag")
	}
}

func TestNew_RequiresURL(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatalf("expected error for missing url")
	}
}
