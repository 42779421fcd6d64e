package services_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"conductor/internal/services"
)

func TestWrapIncludesContext(t *testing.T) {
	base := errors.New("boom")
	err := services.Wrap(services.KindTransient, "download", "submit", "failed", base)
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.Is(err, services.ErrTransient) {
		t.Fatalf("expected marker to be retained, got %v", err)
	}
	if !errors.Is(err, base) {
		t.Fatalf("expected wrapped error to contain base error, got %v", err)
	}
	msg := err.Error()
	for _, fragment := range []string{"download", "submit", "failed", "boom"} {
		if !strings.Contains(msg, fragment) {
			t.Fatalf("expected %q in error string %q", fragment, msg)
		}
	}
}

func TestClassifyHTTPStatus(t *testing.T) {
	cases := map[int]services.Kind{
		200: "",
		202: "",
		400: services.KindClient,
		404: services.KindNotFound,
		408: services.KindTransient,
		409: services.KindClient,
		422: services.KindClient,
		429: services.KindTransient,
		500: services.KindTransient,
		503: services.KindTransient,
	}
	for code, want := range cases {
		if got := services.ClassifyHTTPStatus(code); got != want {
			t.Fatalf("status %d: expected %q, got %q", code, want, got)
		}
	}
}

func TestFromStatusCarriesCode(t *testing.T) {
	err := services.FromStatus("normalization", "status", 503, "  overloaded  ")
	var tagged *services.Error
	if !errors.As(err, &tagged) {
		t.Fatalf("expected *services.Error, got %T", err)
	}
	if tagged.StatusCode != 503 || tagged.Kind != services.KindTransient {
		t.Fatalf("unexpected tagged error: %+v", tagged)
	}
	if !strings.Contains(err.Error(), "http 503") || !strings.Contains(err.Error(), "overloaded") {
		t.Fatalf("unexpected message %q", err.Error())
	}
}

func TestKindOf(t *testing.T) {
	if kind := services.KindOf(nil); kind != "" {
		t.Fatalf("expected empty kind for nil, got %q", kind)
	}
	wrapped := fmt.Errorf("outer: %w", services.Wrap(services.KindJobLost, "transcription", "poll", "gone", nil))
	if kind := services.KindOf(wrapped); kind != services.KindJobLost {
		t.Fatalf("expected job_lost, got %q", kind)
	}
	if kind := services.KindOf(fmt.Errorf("x: %w", services.ErrCircuitOpen)); kind != services.KindCircuitOpen {
		t.Fatalf("expected circuit_open for bare marker, got %q", kind)
	}
	if kind := services.KindOf(context.Canceled); kind != services.KindCanceled {
		t.Fatalf("expected canceled, got %q", kind)
	}
	if kind := services.KindOf(context.DeadlineExceeded); kind != services.KindPollTimeout {
		t.Fatalf("expected poll_timeout, got %q", kind)
	}
	if kind := services.KindOf(errors.New("plain")); kind != services.KindInternal {
		t.Fatalf("expected internal, got %q", kind)
	}
}

func TestRetryLater(t *testing.T) {
	retryable := map[services.Kind]bool{
		services.KindTransient:   true,
		services.KindCircuitOpen: true,
		services.KindPollTimeout: true,
		services.KindInterrupted: true,
		services.KindJobLost:     true,
	}
	for _, kind := range services.AllKinds() {
		if got := services.RetryLater(kind); got != retryable[kind] {
			t.Fatalf("kind %s: expected retryable=%v, got %v", kind, retryable[kind], got)
		}
	}
}

func TestDetailsProvidesHint(t *testing.T) {
	err := services.Wrap(services.KindCircuitOpen, "download", "submit", "", nil)
	detail := services.Details(err)
	if detail.Kind != services.KindCircuitOpen {
		t.Fatalf("expected circuit_open kind, got %q", detail.Kind)
	}
	if detail.Target != "download" || detail.Operation != "submit" {
		t.Fatalf("unexpected target/op: %+v", detail)
	}
	if detail.Hint == "" {
		t.Fatal("expected hint to be populated")
	}
	if empty := services.Details(nil); empty.Kind != "" || empty.Message != "" {
		t.Fatalf("expected empty detail for nil error, got %+v", empty)
	}
}
