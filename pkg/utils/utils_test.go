package utils

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestAuditTrailVerifies(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	key := []byte("0123456789abcdef0123456789abcdef")
	al, err := NewAuditLogger(&AuditConfig{FilePath: path, SigningKey: key, NodeID: "node-1"})
	if err != nil {
		t.Fatalf("NewAuditLogger: %v", err)
	}
	if err := al.Info("engine_started", map[string]interface{}{"height": 1}); err != nil {
		t.Fatalf("Info: %v", err)
	}
	if err := al.Security("equivocating_primary", map[string]interface{}{"view": 0}); err != nil {
		t.Fatalf("Security: %v", err)
	}
	if err := al.Warn("view_changed", nil); err != nil {
		t.Fatalf("Warn: %v", err)
	}
	if err := al.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := al.Info("late", nil); !errors.Is(err, ErrAuditLogClosed) {
		t.Fatalf("Info after close = %v", err)
	}

	if err := VerifyLog(path, key); err != nil {
		t.Fatalf("VerifyLog: %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	tampered := strings.Replace(string(raw), "equivocating_primary", "benign_primary", 1)
	if err := os.WriteFile(path, []byte(tampered), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := VerifyLog(path, key); !errors.Is(err, ErrAuditVerifyFailed) {
		t.Fatalf("VerifyLog on tampered trail = %v", err)
	}
}

func TestRetryContext(t *testing.T) {
	cfg := &RetryConfig{MaxAttempts: 4, InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, RetryableFunc: IsRetryable}

	calls := 0
	err := RetryContext(context.Background(), cfg, func() error {
		calls++
		if calls < 3 {
			return NewUnavailableError("peer busy")
		}
		return nil
	})
	if err != nil || calls != 3 {
		t.Fatalf("retryable: err=%v calls=%d", err, calls)
	}

	calls = 0
	err = RetryContext(context.Background(), cfg, func() error {
		calls++
		return NewValidationError("bad input")
	})
	if GetErrorCode(err) != CodeInvalidInput || calls != 1 {
		t.Fatalf("non-retryable: err=%v calls=%d", err, calls)
	}

	calls = 0
	err = RetryContext(context.Background(), cfg, func() error {
		calls++
		return NewTimeoutError("slow")
	})
	if GetErrorCategory(err) != CategoryTimeout || calls != 4 {
		t.Fatalf("exhausted: err=%v calls=%d", err, calls)
	}
}

func TestWrapErrorKeepsRetryHint(t *testing.T) {
	inner := NewUnavailableError("broker down")
	err := WrapError(inner, CodePersistFailed, "publish")
	if !IsRetryable(err) {
		t.Fatal("wrapped error lost retry hint")
	}
	if GetErrorCategory(err) != CategoryStorage {
		t.Fatalf("category = %s", GetErrorCategory(err))
	}
	if !errors.Is(err, inner) {
		t.Fatal("errors.Is does not reach the inner error")
	}
	if WrapError(nil, CodeInternal, "x") != nil {
		t.Fatal("wrapping nil must return nil")
	}
}

func TestExponentialBackoffBounds(t *testing.T) {
	for attempt := 0; attempt < 10; attempt++ {
		d := ExponentialBackoff(attempt, 10*time.Millisecond, 200*time.Millisecond, 0.5)
		if d <= 0 || d > 200*time.Millisecond {
			t.Fatalf("attempt %d: backoff %s out of bounds", attempt, d)
		}
	}
	if d := ExponentialBackoff(3, 10*time.Millisecond, time.Second, 0); d != 80*time.Millisecond {
		t.Fatalf("no-jitter backoff = %s", d)
	}
}

func TestAuditTrailResumesAfterRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	key := []byte("0123456789abcdef0123456789abcdef")
	for run := 0; run < 2; run++ {
		al, err := NewAuditLogger(&AuditConfig{FilePath: path, SigningKey: key})
		if err != nil {
			t.Fatalf("run %d: NewAuditLogger: %v", run, err)
		}
		if err := al.Info("engine_started", map[string]interface{}{"run": run}); err != nil {
			t.Fatal(err)
		}
		if err := al.Close(); err != nil {
			t.Fatal(err)
		}
	}
	if err := VerifyLog(path, key); err != nil {
		t.Fatalf("VerifyLog after restart: %v", err)
	}
	seq, _, err := scanTrail(path, key)
	if err != nil || seq != 2 {
		t.Fatalf("last sequence %d (err %v), want 2", seq, err)
	}
}

func TestQuarantineCorruptLog(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audit.log")
	key := []byte("0123456789abcdef0123456789abcdef")
	now := time.Unix(1_700_000_000, 0)

	if aside, err := QuarantineCorruptLog(path, key, now); aside != "" || err != nil {
		t.Fatalf("missing trail: aside=%q err=%v", aside, err)
	}

	al, err := NewAuditLogger(&AuditConfig{FilePath: path, SigningKey: key})
	if err != nil {
		t.Fatal(err)
	}
	_ = al.Security("equivocating_primary", nil)
	_ = al.Info("block_committed", nil)
	if err := al.Close(); err != nil {
		t.Fatal(err)
	}
	if aside, err := QuarantineCorruptLog(path, key, now); aside != "" || err != nil {
		t.Fatalf("intact trail: aside=%q err=%v", aside, err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(strings.Replace(string(raw), "equivocating_primary", "benign_primary", 1)), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := NewAuditLogger(&AuditConfig{FilePath: path, SigningKey: key}); err == nil {
		t.Fatal("opened a tampered trail")
	}

	aside, err := QuarantineCorruptLog(path, key, now)
	if aside == "" || !errors.Is(err, ErrAuditVerifyFailed) {
		t.Fatalf("tampered trail: aside=%q err=%v", aside, err)
	}
	if _, err := os.Stat(path); !errors.Is(err, os.ErrNotExist) {
		t.Fatal("tampered trail left in place")
	}
	if _, err := os.Stat(aside); err != nil {
		t.Fatalf("moved trail: %v", err)
	}

	al, err = NewAuditLogger(&AuditConfig{FilePath: path, SigningKey: key})
	if err != nil {
		t.Fatalf("fresh trail after quarantine: %v", err)
	}
	_ = al.Info("engine_started", nil)
	_ = al.Close()
	if seq, _, err := scanTrail(path, key); err != nil || seq != 1 {
		t.Fatalf("fresh trail sequence %d (err %v)", seq, err)
	}
}
