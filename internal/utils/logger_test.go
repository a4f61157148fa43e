package utils

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestComponentLoggerTagsEveryLine(t *testing.T) {
	var buf bytes.Buffer
	base := slog.New(slog.NewJSONHandler(&buf, nil))

	ComponentLogger(base, "autoheal").Info("restart issued", slog.String("target", "svc-a"))

	line := buf.String()
	if !strings.Contains(line, `"component":"autoheal"`) {
		t.Fatalf("component attribute missing: %s", line)
	}
	if !strings.Contains(line, `"target":"svc-a"`) {
		t.Fatalf("call-site attributes lost: %s", line)
	}
}

func TestComponentLoggerNilBase(t *testing.T) {
	if ComponentLogger(nil, "health") == nil {
		t.Fatal("nil base must fall back to the default logger")
	}
}
