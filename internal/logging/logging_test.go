package logging

import (
	"bytes"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]Level{
		"DEBUG":   DebugLevel,
		"debug":   DebugLevel,
		" info ":  InfoLevel,
		"WARN":    WarnLevel,
		"warning": WarnLevel,
		"error":   ErrorLevel,
		"FATAL":   FatalLevel,
		"bogus":   InfoLevel,
		"":        InfoLevel,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestInit_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: WarnLevel, Output: &buf})

	Info().Msg("filtered out")
	Warn().Msg("kept")

	out := buf.String()
	if strings.Contains(out, "filtered out") {
		t.Error("Info line should be filtered at warn level")
	}
	if !strings.Contains(out, "kept") {
		t.Error("Warn line should be written")
	}
}

func TestComponent(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: DebugLevel, Output: &buf})

	log := Component("sweeper")
	log.Info().Msg("sweep done")

	if !strings.Contains(buf.String(), `"component":"sweeper"`) {
		t.Errorf("Expected component field, got %s", buf.String())
	}
}
