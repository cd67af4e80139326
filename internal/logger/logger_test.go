package logger

import (
	"bytes"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// helper to close non-nil closers and ignore errors
func closeIf(c io.Closer) {
	if c != nil {
		_ = c.Close()
	}
}

func TestWriters_WithDirOnly(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "logs")
	cfg := Config{Dir: dir}
	outW, errW, err := cfg.Writers("bot")
	if err != nil {
		t.Fatalf("Writers error: %v", err)
	}
	if outW == nil || errW == nil {
		t.Fatalf("expected both writers non-nil when Dir is set")
	}
	_, _ = outW.Write([]byte("hello-out\n"))
	_, _ = errW.Write([]byte("hello-err\n"))
	closeIf(outW)
	closeIf(errW)
	for _, p := range []string{"bot.stdout.log", "bot.stderr.log"} {
		if _, err := os.Stat(filepath.Join(dir, p)); err != nil {
			t.Fatalf("log not created at %s: %v", p, err)
		}
	}
}

func TestWriters_ExplicitPathsOverrideDir(t *testing.T) {
	dir := t.TempDir()
	sp := filepath.Join(dir, "s.out.log")
	cfg := Config{Dir: filepath.Join(dir, "unused"), StdoutPath: sp}
	outW, errW, err := cfg.Writers("n")
	if err != nil {
		t.Fatalf("Writers error: %v", err)
	}
	defer closeIf(errW)
	ol, ok := outW.(*lj.Logger)
	if !ok {
		t.Fatalf("expected *lumberjack.Logger, got %T", outW)
	}
	if ol.Filename != sp {
		t.Fatalf("stdout path = %s, want %s", ol.Filename, sp)
	}
	el := errW.(*lj.Logger)
	if el.Filename != filepath.Join(dir, "unused", "n.stderr.log") {
		t.Fatalf("unexpected stderr path %s", el.Filename)
	}
}

func TestWriters_Defaults(t *testing.T) {
	cfg := Config{}
	if cfg.Enabled() {
		t.Fatalf("zero config must not be enabled")
	}
	outW, errW, _ := cfg.Writers("n")
	if outW != nil || errW != nil {
		t.Fatalf("expected nil writers when no Dir/stdout/stderr set")
	}
	cfg = Config{StdoutPath: "x", StderrPath: "y"}
	outW, _, _ = cfg.Writers("n")
	ol := outW.(*lj.Logger)
	if ol.MaxSize != DefaultMaxSizeMB || ol.MaxBackups != DefaultMaxBackups || ol.MaxAge != DefaultMaxAgeDays {
		t.Fatalf("defaults not applied: %+v", ol)
	}
}

func TestNew_JSONAndLevel(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{Format: "json", Level: "warn"}, &buf)
	l.Info("hidden")
	l.Warn("shown", "k", "v")
	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("info should be filtered at warn level: %s", out)
	}
	if !strings.Contains(out, `"msg":"shown"`) || !strings.Contains(out, `"k":"v"`) {
		t.Fatalf("unexpected json output: %s", out)
	}
}

func TestNew_NonTerminalDefaultsToText(t *testing.T) {
	var buf bytes.Buffer
	New(Config{}, &buf).Info("plain")
	if strings.Contains(buf.String(), "\033[") {
		t.Fatalf("unexpected color codes for non-terminal writer: %q", buf.String())
	}
}

func TestColorTextHandler(t *testing.T) {
	var buf bytes.Buffer
	l := slog.New(NewColorTextHandler(&buf, nil, false)).With("tier", "direct")
	l.Error("boom")
	out := buf.String()
	// TextHandler quotes messages carrying control bytes, so ESC appears escaped.
	if !strings.Contains(out, `\x1b[31mERROR`) {
		t.Fatalf("expected red ERROR prefix, got %q", out)
	}
	if strings.Contains(out, "time=") {
		t.Fatalf("time should be dropped when showTime=false: %q", out)
	}
	if !strings.Contains(out, "tier=direct") {
		t.Fatalf("attrs lost through WithAttrs: %q", out)
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{"debug": slog.LevelDebug, "WARN": slog.LevelWarn, "error": slog.LevelError, "": slog.LevelInfo, "bogus": slog.LevelInfo}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
