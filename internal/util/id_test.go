package util

import (
	"strings"
	"testing"
)

func TestNewID(t *testing.T) {
	id := NewID("mem")
	if !strings.HasPrefix(id, "mem_") || len(id) != len("mem_")+32 {
		t.Fatalf("unexpected id %q", id)
	}
	if NewID("") == NewID("") {
		t.Fatal("expected unique ids")
	}
}

func TestNewSecret(t *testing.T) {
	secret, err := NewSecret()
	if err != nil {
		t.Fatalf("NewSecret() error = %v", err)
	}
	if len(secret) != 64 {
		t.Fatalf("expected 64 hex chars, got %d", len(secret))
	}
}
