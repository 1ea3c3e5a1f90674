package errors

import (
	"bytes"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"testing"
)

func TestWrapKeepsCodeThroughChain(t *testing.T) {
	cause := stdErrors.New("connection refused")
	err := fmt.Errorf("outer: %w", Wrap(CodeStorageFailure, cause, "写入失败"))

	if got := CodeOf(err); got != CodeStorageFailure {
		t.Fatalf("unexpected code: %s", got)
	}
	if !stdErrors.Is(err, cause) {
		t.Fatal("expected cause to be reachable")
	}
	if !stdErrors.Is(err, New(CodeStorageFailure, "")) {
		t.Fatal("expected errors.Is to match by code")
	}
	if !RetryableError(err) {
		t.Fatal("storage failures are retryable by default")
	}
	if got := HTTPStatus(err); got != http.StatusInternalServerError {
		t.Fatalf("unexpected status: %d", got)
	}
}

func TestOptionsOverrideRegistry(t *testing.T) {
	err := New(CodeAgentFailure, "boom", WithRetryable(false), WithAlert(false), WithSeverity(SeverityCritical))
	if err.Retryable() {
		t.Fatal("expected override to disable retry")
	}
	if err.ShouldAlert() {
		t.Fatal("expected override to disable alert")
	}
	if err.Severity() != SeverityCritical {
		t.Fatalf("unexpected severity: %s", err.Severity())
	}
}

func TestRegisterCustomCode(t *testing.T) {
	const code Code = "CUSTOM_TEST_CODE"
	Register(code, Attributes{Message: "custom", Severity: SeverityInfo, HTTPStatus: http.StatusTeapot})

	err := New(code, "")
	if err.Message() != "custom" {
		t.Fatalf("expected default message, got %q", err.Message())
	}
	if got := HTTPStatus(err); got != http.StatusTeapot {
		t.Fatalf("unexpected status: %d", got)
	}
	if got := HTTPStatus(stdErrors.New("plain")); got != http.StatusInternalServerError {
		t.Fatalf("plain errors should map to 500, got %d", got)
	}
}

func TestMetadataIsCopied(t *testing.T) {
	err := New(CodeInvalidArgument, "bad", WithMetadata("field", "prompt"))
	md := err.Metadata()
	md["field"] = "changed"
	if err.Metadata()["field"] != "prompt" {
		t.Fatal("metadata must not be mutable from outside")
	}
}

func TestLogValueIsStructured(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	err := Wrap(CodeTimeout, stdErrors.New("deadline"), "agent timed out", WithMetadata("task_id", "t-1"))

	logger.Info("failed", "error", err)

	out := buf.String()
	for _, want := range []string{`"code":"TIMEOUT"`, `"cause":"deadline"`, `"task_id":"t-1"`} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %s in %s", want, out)
		}
	}
}

func TestPlainErrorsUseUnknownDefaults(t *testing.T) {
	plain := stdErrors.New("plain")
	if CodeOf(plain) != CodeUnknown {
		t.Fatalf("unexpected code: %s", CodeOf(plain))
	}
	if RetryableError(plain) || ShouldAlert(plain) {
		t.Fatal("plain errors are neither retryable nor alerting")
	}
	if SeverityOf(plain) != SeverityCritical {
		t.Fatalf("unexpected severity: %s", SeverityOf(plain))
	}
}
