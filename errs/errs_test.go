package errs

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestErrorFormattingIncludesMetadataAndCause(t *testing.T) {
	err := New(
		"execution/start",
		CodeConflict,
		WithMessage("symbol already leased"),
		WithSymbol("BTC_USDT"),
		WithSession("exec_20260101_000000_deadbeef"),
		WithField("holder", "exec_20251231_120000_cafebabe"),
		WithCause(errors.New("lease held")),
	)

	out := err.Error()
	if !strings.Contains(out, "op=execution/start") {
		t.Fatalf("expected op marker in error string: %s", out)
	}
	if !strings.Contains(out, "code=conflict") {
		t.Fatalf("expected code in error string: %s", out)
	}
	if !strings.Contains(out, "symbol=BTC_USDT") {
		t.Fatalf("expected symbol in error string: %s", out)
	}
	if !strings.Contains(out, `meta=holder="exec_20251231_120000_cafebabe"`) {
		t.Fatalf("expected metadata in error string: %s", out)
	}
	if !strings.Contains(out, `cause="lease held"`) {
		t.Fatalf("expected wrapped cause in error string: %s", out)
	}
}

func TestCodeOfUnwrapsWrappedEnvelopes(t *testing.T) {
	inner := New("store/write", CodePersistence, WithMessage("insert failed"))
	wrapped := fmt.Errorf("flush batch: %w", inner)

	if got := CodeOf(wrapped); got != CodePersistence {
		t.Fatalf("expected persistence code, got %q", got)
	}
	if !HasCode(wrapped, CodePersistence) {
		t.Fatal("HasCode should match through wrapping")
	}
	if HasCode(wrapped, CodeConflict) {
		t.Fatal("HasCode must not match a different code")
	}
}

func TestCodeOfForeignErrorDefaultsToUnavailable(t *testing.T) {
	if got := CodeOf(errors.New("plain")); got != CodeUnavailable {
		t.Fatalf("expected unavailable for foreign error, got %q", got)
	}
}

func TestUnwrapExposesCause(t *testing.T) {
	cause := errors.New("root")
	err := New("bus/publish", CodeUnavailable, WithCause(cause))
	if !errors.Is(err, cause) {
		t.Fatal("errors.Is should reach the cause")
	}
}
