package errs

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"
)

func TestErrorFormattingIncludesMetadata(t *testing.T) {
	err := New(
		"binance/listenkey",
		CodeNotFound,
		WithHTTP(400),
		WithMessage("listen key missing"),
		WithRawCode("-1125"),
		WithRawMessage("This listenKey does not exist."),
		WithField("endpoint", "/fapi/v1/listenKey"),
		WithField("stream", "user"),
		WithRemediation("create a new listen key"),
		WithCause(errors.New("binance http 400")),
	)

	out := err.Error()
	if !strings.Contains(out, "op=binance/listenkey") {
		t.Fatalf("expected op marker in error string: %s", out)
	}
	if !strings.Contains(out, "code=not_found") {
		t.Fatalf("expected code in error string: %s", out)
	}
	expectedMeta := "meta=endpoint=\"/fapi/v1/listenKey\",stream=\"user\""
	if !strings.Contains(out, expectedMeta) {
		t.Fatalf("expected metadata %q in error string: %s", expectedMeta, out)
	}
	if !strings.Contains(out, "remediation=\"create a new listen key\"") {
		t.Fatalf("expected remediation guidance in error string: %s", out)
	}
	if !strings.Contains(out, "cause=\"binance http 400\"") {
		t.Fatalf("expected wrapped cause in error string: %s", out)
	}
}

func TestNilErrorString(t *testing.T) {
	var e *E
	if got := e.Error(); got != "<nil>" {
		t.Fatalf("expected <nil> string for nil error, got %q", got)
	}
}

func TestCodeForStatus(t *testing.T) {
	cases := map[int]Code{
		http.StatusUnauthorized:        CodeAuth,
		http.StatusForbidden:           CodeAuth,
		http.StatusTooManyRequests:     CodeRateLimited,
		http.StatusTeapot:              CodeRateLimited,
		http.StatusNotFound:            CodeNotFound,
		http.StatusBadGateway:          CodeUnavailable,
		http.StatusBadRequest:          CodeInvalid,
		http.StatusOK:                  "",
		http.StatusInternalServerError: CodeUnavailable,
	}
	for status, want := range cases {
		if got := CodeForStatus(status); got != want {
			t.Fatalf("status %d: expected %q, got %q", status, want, got)
		}
	}
}

func TestClassificationSurvivesWrapping(t *testing.T) {
	base := New("coingecko", CodeRateLimited, WithHTTP(429))
	wrapped := fmt.Errorf("fetch: %w", base)
	if !IsRateLimited(wrapped) {
		t.Fatalf("expected wrapped error to be rate limited")
	}
	if !IsRetryable(wrapped) {
		t.Fatalf("rate limited errors are retryable")
	}
	if IsRetryable(New("binance", CodeAuth)) {
		t.Fatalf("auth errors must not be retryable")
	}
	if IsRetryable(nil) {
		t.Fatalf("nil is not retryable")
	}
}

func TestTransportMarksTimeouts(t *testing.T) {
	err := Transport("source/fetch", context.DeadlineExceeded)
	if err.Code != CodeNetwork {
		t.Fatalf("expected network code, got %q", err.Code)
	}
	if err.Message != "request timed out" {
		t.Fatalf("expected timeout message, got %q", err.Message)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected cause to unwrap")
	}
	original := New("x", CodeAuth)
	if Transport("y", original) != original {
		t.Fatalf("existing envelopes should pass through unchanged")
	}
}
