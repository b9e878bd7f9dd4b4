package common

import (
	"bytes"
	"log"
	"strings"
	"testing"

	"github.com/lni/dragonboat/v4/logger"
)

func TestParseLogLevel(t *testing.T) {
	cases := map[string]logger.LogLevel{
		"debug":   logger.DEBUG,
		"INFO":    logger.INFO,
		"warn":    logger.WARNING,
		"warning": logger.WARNING,
		"error":   logger.ERROR,
	}
	for in, want := range cases {
		got, err := ParseLogLevel(in)
		if err != nil {
			t.Errorf("ParseLogLevel(%q) returned error: %v", in, err)
		}
		if got != want {
			t.Errorf("ParseLogLevel(%q) = %v, want %v", in, got, want)
		}
	}

	if _, err := ParseLogLevel("verbose"); err == nil {
		t.Error("ParseLogLevel should reject unknown levels")
	}
	if err := InitLoggers("verbose"); err == nil {
		t.Error("InitLoggers should reject unknown levels")
	}
}

func TestLoggerFormatAndLevel(t *testing.T) {
	var buf bytes.Buffer
	l := &hashDBLogger{name: "gc", level: logger.INFO, logger: log.New(&buf, "", 0)}

	l.Debugf("hidden %d", 1)
	l.Infof("round done in %dms", 12)
	l.SetLevel(logger.ERROR)
	l.Warningf("hidden too")
	l.Errorf("file %d aborted", 7)

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("Messages below the level must be dropped:\n%s", out)
	}
	if !strings.Contains(out, "INFO  | gc         | round done in 12ms") {
		t.Errorf("Unexpected info line:\n%s", out)
	}
	if !strings.Contains(out, "ERROR | gc         | file 7 aborted") {
		t.Errorf("Unexpected error line:\n%s", out)
	}
}
