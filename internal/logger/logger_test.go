package logger

import (
	"context"
	"testing"

	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"ninaivalaigal/api/internal/redact"
)

func TestLoggerRedactsAndTagsRequest(t *testing.T) {
	inner, logs := observer.New(zapcore.DebugLevel)
	log := FromCore("api", redact.NewZapCore(inner, redact.Default()))

	ctx := ContextWithRequestID(context.Background(), "req_123")
	log.WithContext(ctx).WithUser("usr_1").Info("signin attempt", "email", "ada@example.com")

	if logs.Len() != 1 {
		t.Fatalf("expected one entry, got %d", logs.Len())
	}
	fields := logs.All()[0].ContextMap()
	if fields["service"] != "api" {
		t.Fatalf("expected service field, got %v", fields["service"])
	}
	if fields["request_id"] != "req_123" {
		t.Fatalf("expected request id, got %v", fields["request_id"])
	}
	if fields["user_id"] != "usr_1" {
		t.Fatalf("expected user id, got %v", fields["user_id"])
	}
	if fields["email"] != "[REDACTED:email]" {
		t.Fatalf("expected redacted email, got %v", fields["email"])
	}
}

func TestWithContextWithoutRequestID(t *testing.T) {
	log := Nop()
	if got := log.WithContext(context.Background()); got != log {
		t.Fatal("expected same logger when no request id is present")
	}
	if RequestID(context.Background()) != "" {
		t.Fatal("expected empty request id")
	}
}

func TestAuditFlag(t *testing.T) {
	inner, logs := observer.New(zapcore.InfoLevel)
	log := FromCore("api", inner)
	log.WithFields(map[string]any{"memory_id": "mem_1"}).Audit("memory approved", "actor", "usr_2")

	entry := logs.All()[0]
	fields := entry.ContextMap()
	if fields["audit"] != true || fields["memory_id"] != "mem_1" || fields["actor"] != "usr_2" {
		t.Fatalf("unexpected fields %#v", fields)
	}
}
