package app

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func newTestPretty(buf *bytes.Buffer, level slog.Level) *slog.Logger {
	return slog.New(newPrettyHandler(buf, &slog.HandlerOptions{Level: level}, false))
}

func TestPrettyHandler_FormatsLine(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := newTestPretty(&buf, slog.LevelInfo)

	log.Info("sync.state", "owner", "alice", "state", "syncing", "note", "two words", "status", 200)

	line := strings.TrimSpace(buf.String())
	for _, want := range []string{
		"INFO ",
		"sync.state",
		"owner=alice",
		"state=syncing",
		`note="two words"`,
		"status=200",
	} {
		if !strings.Contains(line, want) {
			t.Fatalf("line %q missing %q", line, want)
		}
	}
	if strings.Contains(line, "\x1b[") {
		t.Fatalf("unexpected color codes in %q", line)
	}
}

func TestPrettyHandler_LevelFilter(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := newTestPretty(&buf, slog.LevelWarn)

	log.Info("hidden")
	log.Warn("shown")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("info record should be filtered: %q", out)
	}
	if !strings.Contains(out, "WARN ") || !strings.Contains(out, "shown") {
		t.Fatalf("warn record missing: %q", out)
	}
}

func TestPrettyHandler_GroupsAndAttrs(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := newTestPretty(&buf, slog.LevelInfo).
		With("component", "push").
		WithGroup("conn").
		With("id", "c1")

	log.Info("push.register", "user", "bob", slog.Group("peer", "addr", "10.0.0.1"))

	line := buf.String()
	for _, want := range []string{"component=push", "conn.id=c1", "conn.user=bob", "conn.peer.addr=10.0.0.1"} {
		if !strings.Contains(line, want) {
			t.Fatalf("line %q missing %q", line, want)
		}
	}
}

func TestPrettyHandler_Color(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := slog.New(newPrettyHandler(&buf, nil, true))
	log.Error("boom", "status", 503)

	out := buf.String()
	if !strings.Contains(out, ansiRed+"ERROR"+ansiReset) {
		t.Fatalf("expected red level tag in %q", out)
	}
	if !strings.Contains(out, ansiRed+"503"+ansiReset) {
		t.Fatalf("expected red status in %q", out)
	}
}

func TestNewHandler_SelectsFormat(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	slog.New(newHandler(&buf, "info", "json", false)).Info("x.y", "k", "v")
	if !strings.HasPrefix(buf.String(), "{") {
		t.Fatalf("expected JSON output, got %q", buf.String())
	}

	buf.Reset()
	slog.New(newHandler(&buf, "debug", "Pretty", false)).Debug("x.y")
	if !strings.Contains(buf.String(), "DEBUG") {
		t.Fatalf("expected pretty output, got %q", buf.String())
	}
}
