package app

import (
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func TestPrettyHandlerPlainOutput(t *testing.T) {
	t.Parallel()

	var buf strings.Builder
	h := newPrettyHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}, false)
	log := slog.New(h)

	log.Info("server.start", "addr", "0.0.0.0:8080", "db_enabled", false)

	out := buf.String()
	for _, want := range []string{"lvl=[INFO]", "msg=server.start", "addr=0.0.0.0:8080", "db_enabled=false"} {
		if !strings.Contains(out, want) {
			t.Fatalf("output %q missing %q", out, want)
		}
	}
	if strings.Contains(out, "\x1b[") {
		t.Fatalf("color disabled but output has ANSI codes: %q", out)
	}
}

func TestPrettyHandlerRemapsKeys(t *testing.T) {
	t.Parallel()

	var buf strings.Builder
	h := newPrettyHandler(&buf, nil, false)
	log := slog.New(h)

	log.Info("http.request", "status_class", "2xx", "duration_ms", int64(12))

	out := buf.String()
	if !strings.Contains(out, "class=2xx") {
		t.Fatalf("status_class not remapped: %q", out)
	}
	if !strings.Contains(out, "duration=12ms") {
		t.Fatalf("duration_ms not remapped: %q", out)
	}
}

func TestPrettyHandlerGroupsAndAttrs(t *testing.T) {
	t.Parallel()

	var buf strings.Builder
	h := newPrettyHandler(&buf, nil, false)
	log := slog.New(h).With("svc", "halo").WithGroup("db")

	log.Info("query", "rows", 3)

	out := buf.String()
	if !strings.Contains(out, "svc=halo") {
		t.Fatalf("bound attr missing: %q", out)
	}
	if !strings.Contains(out, "db.rows=3") {
		t.Fatalf("group prefix missing: %q", out)
	}
}

func TestPrettyHandlerRespectsLevel(t *testing.T) {
	t.Parallel()

	h := newPrettyHandler(&strings.Builder{}, &slog.HandlerOptions{Level: slog.LevelWarn}, false)
	if h.Enabled(context.Background(), slog.LevelInfo) {
		t.Fatal("info enabled at warn threshold")
	}
	if !h.Enabled(context.Background(), slog.LevelError) {
		t.Fatal("error disabled at warn threshold")
	}
}

func TestQuoteIfNeeded(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want string
	}{
		{in: "", want: `""`},
		{in: "plain", want: "plain"},
		{in: "has space", want: `"has space"`},
		{in: `a="b"`, want: `"a=\"b\""`},
	}
	for _, tc := range cases {
		if got := quoteIfNeeded(tc.in); got != tc.want {
			t.Errorf("quoteIfNeeded(%q)=%q want=%q", tc.in, got, tc.want)
		}
	}
}

func TestLevelTagColor(t *testing.T) {
	t.Parallel()

	if got := levelTag(slog.LevelError, true); !strings.HasPrefix(got, ansiRed) {
		t.Fatalf("error tag = %q, want red", got)
	}
	if got := levelTag(slog.LevelInfo, false); got != "[INFO]" {
		t.Fatalf("plain info tag = %q", got)
	}
}

func TestValueToStringKinds(t *testing.T) {
	t.Parallel()

	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	cases := []struct {
		v    slog.Value
		want string
	}{
		{v: slog.StringValue("x"), want: "x"},
		{v: slog.Int64Value(-7), want: "-7"},
		{v: slog.BoolValue(true), want: "true"},
		{v: slog.DurationValue(1500 * time.Millisecond), want: "1.5s"},
		{v: slog.TimeValue(ts), want: "2026-01-02T03:04:05Z"},
	}
	for _, tc := range cases {
		if got := valueToString(tc.v); got != tc.want {
			t.Errorf("valueToString(%v)=%q want=%q", tc.v, got, tc.want)
		}
	}
}
