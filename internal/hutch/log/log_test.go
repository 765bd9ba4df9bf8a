package log

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestRecoverPanic(t *testing.T) {
	var buf bytes.Buffer
	SetupWriter(&buf, true)
	if !Initialized() {
		t.Fatal("Initialized() = false after SetupWriter")
	}

	cleaned := false
	func() {
		defer RecoverPanic("worker", func() { cleaned = true })
		panic("boom")
	}()

	if !cleaned {
		t.Error("cleanup was not called")
	}
	out := buf.String()
	for _, want := range []string{"Panic in worker", "boom", "stack="} {
		if !strings.Contains(out, want) {
			t.Errorf("log output does not contain %q:\n%s", want, out)
		}
	}

	// a second setup is ignored
	var other bytes.Buffer
	SetupWriter(&other, false)
	slog.Debug("still debug")
	if other.Len() != 0 || !strings.Contains(buf.String(), "still debug") {
		t.Error("second SetupWriter replaced the handler")
	}
}

func TestRecoverPanicWithoutPanic(t *testing.T) {
	called := false
	func() {
		defer RecoverPanic("quiet", func() { called = true })
	}()
	if called {
		t.Error("cleanup ran without a panic")
	}
}
