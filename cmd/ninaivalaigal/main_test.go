package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func runCLI(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	t.Setenv("REDACTION_RULES_FILE", "")
	var out bytes.Buffer
	rootCmd.SetArgs(args)
	rootCmd.SetIn(strings.NewReader(stdin))
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	t.Cleanup(func() {
		rootCmd.SetArgs(nil)
		rootCmd.SetIn(nil)
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
	})
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

func writeTemp(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "notes.txt")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	return path
}

func TestScanExitsOneWhenSecretFound(t *testing.T) {
	path := writeTemp(t, "deploy key AKIAZ7Q3K9M2P4R8T6W1 lives in vault\n")

	out, err := runCLI(t, "", "scan", path)
	var exit exitError
	if !errors.As(err, &exit) || exit.code != 1 {
		t.Fatalf("scan error = %v, want exit code 1", err)
	}
	if !strings.Contains(out, "aws_access_key") || !strings.Contains(out, "1 finding(s): aws_access_key=1") {
		t.Fatalf("unexpected scan output:\n%s", out)
	}
	if strings.Contains(out, "AKIAZ7Q3K9M2P4R8T6W1") {
		t.Fatalf("scan output leaks the secret:\n%s", out)
	}
}

func TestScanCleanFileSucceeds(t *testing.T) {
	path := writeTemp(t, "remember to rotate the staging certs\n")

	out, err := runCLI(t, "", "scan", path)
	if err != nil {
		t.Fatalf("scan error = %v", err)
	}
	if strings.TrimSpace(out) != "no secrets found" {
		t.Fatalf("unexpected scan output: %q", out)
	}
}

func TestScanReadsStdin(t *testing.T) {
	out, err := runCLI(t, "DATABASE_URL=postgres://app:hunter2pass@db:5432/app\n", "scan", "-")
	var exit exitError
	if !errors.As(err, &exit) || exit.code != 1 {
		t.Fatalf("scan error = %v, want exit code 1", err)
	}
	if !strings.Contains(out, "credential_url") {
		t.Fatalf("expected credential_url finding, got:\n%s", out)
	}
}

func TestScanMissingFile(t *testing.T) {
	_, err := runCLI(t, "", "scan", filepath.Join(t.TempDir(), "absent.txt"))
	var exit exitError
	if err == nil || errors.As(err, &exit) {
		t.Fatalf("scan error = %v, want a read error", err)
	}
}
