package services_test

import (
	"context"
	"testing"

	"conductor/internal/services"
)

func TestContextHelpersRoundTrip(t *testing.T) {
	ctx := context.Background()
	ctx = services.WithJobID(ctx, "job-1")
	ctx = services.WithStage(ctx, "download")
	ctx = services.WithTarget(ctx, "download-svc")
	ctx = services.WithRequestID(ctx, "req-9")

	if id, ok := services.JobIDFromContext(ctx); !ok || id != "job-1" {
		t.Fatalf("unexpected job id %q (%v)", id, ok)
	}
	if stage, ok := services.StageFromContext(ctx); !ok || stage != "download" {
		t.Fatalf("unexpected stage %q (%v)", stage, ok)
	}
	if target, ok := services.TargetFromContext(ctx); !ok || target != "download-svc" {
		t.Fatalf("unexpected target %q (%v)", target, ok)
	}
	if req, ok := services.RequestIDFromContext(ctx); !ok || req != "req-9" {
		t.Fatalf("unexpected request id %q (%v)", req, ok)
	}
}

func TestContextHelpersIgnoreEmptyValues(t *testing.T) {
	base := context.Background()
	if ctx := services.WithJobID(base, ""); ctx != base {
		t.Fatal("expected empty job id to leave context untouched")
	}
	if _, ok := services.StageFromContext(base); ok {
		t.Fatal("expected no stage on bare context")
	}
}
