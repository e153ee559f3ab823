package logx

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestNopAndZeroLoggerDoNotPanic(t *testing.T) {
	var zero Logger
	if !zero.IsZero() {
		t.Fatalf("zero logger should report IsZero")
	}
	zero.Info("dropped", String("k", "v"))
	Nop().With(String("comp", "x")).Error("dropped", Err(nil))
}

func TestWithAddsFixedFields(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "debug").With(String("comp", "orchestrator"))
	log.Info("job started", Int("accounts", 3))

	var m map[string]any
	if err := json.Unmarshal(buf.Bytes(), &m); err != nil {
		t.Fatalf("decode: %v (%q)", err, buf.String())
	}
	if m["comp"] != "orchestrator" || m["message"] != "job started" {
		t.Fatalf("unexpected line: %v", m)
	}
	if m["accounts"] != float64(3) {
		t.Fatalf("accounts=%v", m["accounts"])
	}
}

func TestEnabledHonorsLevel(t *testing.T) {
	log := NewWriter(&bytes.Buffer{}, "warn")
	if log.Enabled(LevelInfo) {
		t.Fatalf("info should be disabled at warn")
	}
	if !log.Enabled(LevelError) {
		t.Fatalf("error should be enabled at warn")
	}
}

func TestFormatChatLineSortsFields(t *testing.T) {
	got := formatChatLine([]byte(`{"level":"warn","message":"send failed","z":"1","a":"2","time":"x"}`))
	want := "[WARN] send failed\n- a=2\n- z=1"
	if got != want {
		t.Fatalf("got %q want %q", got, want)
	}
	if raw := formatChatLine([]byte("  plain text \n")); raw != "plain text" {
		t.Fatalf("raw=%q", raw)
	}
}

func TestTruncate(t *testing.T) {
	s := strings.Repeat("a", 50)
	if got := truncate(s, 20); len(got) != 20 || !strings.HasSuffix(got, "...") {
		t.Fatalf("got %q", got)
	}
	if got := truncate("short", 20); got != "short" {
		t.Fatalf("got %q", got)
	}
}
