package engine

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestClassifier_Classify(t *testing.T) {
	c, err := NewClassifier(nil)
	if err != nil {
		t.Fatalf("NewClassifier() error = %v", err)
	}

	tests := []struct {
		name   string
		output string
		err    error
		want   ErrorClass
	}{
		{name: "throttling", output: "Error: ThrottlingException: Rate exceeded", want: ErrorClassTransient},
		{name: "too many requests", output: "api error TooManyRequests: Too Many Requests", want: ErrorClassTransient},
		{name: "connection reset", output: "read tcp 10.0.0.1:443: connection reset by peer", want: ErrorClassTransient},
		{name: "i/o timeout", output: "dial tcp: i/o timeout", want: ErrorClassTransient},
		{name: "service unavailable", output: "ServiceUnavailable: please retry", want: ErrorClassTransient},
		{name: "state lock", output: "Error: Error acquiring the state lock", want: ErrorClassTransient},
		{name: "http 503", output: "StatusCode: 503, RequestID: abc", want: ErrorClassTransient},
		{name: "rate limit", output: "Error: rate limit exceeded", want: ErrorClassTransient},
		{name: "timed out", output: "Error: operation timed out after 30s", want: ErrorClassTransient},
		{name: "request timeout", output: "RequestTimeout: request timeout, retry", want: ErrorClassTransient},
		{name: "temporarily unavailable", output: "Error: service temporarily unavailable", want: ErrorClassTransient},
		{name: "try again later", output: "The server is busy, try again later", want: ErrorClassTransient},
		{name: "bare 503 after error", output: "Error: 503", want: ErrorClassTransient},
		{name: "http status line", output: "HTTP/1.1 502 Bad Gateway", want: ErrorClassTransient},
		{name: "status 504", output: "unexpected status: 504", want: ErrorClassTransient},
		{name: "s3 slow down", output: "api error SlowDown: Please reduce your request rate.", want: ErrorClassTransient},
		{name: "invalid reference", output: "Error: Reference to undeclared resource", want: ErrorClassPermanent},
		{name: "access denied", output: "AccessDenied: not authorized", want: ErrorClassPermanent},
		{name: "plain number is not a status", output: "created 503 objects", want: ErrorClassPermanent},
		{name: "count of 504 is not a status", output: "Plan: 504 to add, 0 to change", want: ErrorClassPermanent},
		{name: "timeout attribute is not a failure", output: "Error: invalid value for timeout_seconds", want: ErrorClassPermanent},
		{name: "deadline", err: fmt.Errorf("plan: %w", context.DeadlineExceeded), output: "i/o timeout", want: ErrorClassPermanent},
		{name: "classified error keeps its class", err: NewBlockedError("gate", nil), want: ErrorClassBlocked},
		{name: "transient text in error", err: errors.New("connection refused"), want: ErrorClassTransient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := c.Classify(tt.output, tt.err); got != tt.want {
				t.Errorf("Classify() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestNewClassifier_InvalidPattern(t *testing.T) {
	if _, err := NewClassifier([]string{"("}); err == nil {
		t.Error("expected error for invalid pattern")
	}
}

func TestNewClassifier_CustomPatterns(t *testing.T) {
	c, err := NewClassifier([]string{`(?i)flaky provider`})
	if err != nil {
		t.Fatal(err)
	}
	if c.Classify("Flaky Provider crashed", nil) != ErrorClassTransient {
		t.Error("expected custom pattern to match")
	}
	if c.Classify("throttled", nil) != ErrorClassPermanent {
		t.Error("custom patterns replace the defaults")
	}
}

func TestErrorHelpers(t *testing.T) {
	restore := NewFatalError("state restore failed", errors.New("s3 down")).WithCode(ErrCodeRestoreFailed).WithUnit("u1")
	if !errors.Is(restore, ErrRestoreFailed) {
		t.Error("expected restore failure to match ErrRestoreFailed")
	}
	if !IsFatal(restore) || IsRetryable(restore) {
		t.Error("unexpected classification helpers")
	}
	if ClassOf(errors.New("plain")) != ErrorClassPermanent {
		t.Error("unclassified errors are permanent")
	}
	if ClassOf(nil) != ErrorClassNone {
		t.Error("nil error has no class")
	}
	wrapped := fmt.Errorf("run: %w", NewTransientError("throttled", nil))
	if !IsTransient(wrapped) {
		t.Error("expected wrapped transient error")
	}
	if got := restore.Error(); got != "[fatal] state restore failed: s3 down (unit=u1)" {
		t.Errorf("Error() = %q", got)
	}
}
