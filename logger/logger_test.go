package logger

import (
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestVerbosityToLevel(t *testing.T) {
	cases := []struct {
		verbosity int
		want      zapcore.Level
	}{
		{0, zapcore.WarnLevel},
		{1, zapcore.InfoLevel},
		{2, zapcore.DebugLevel},
		{5, zapcore.DebugLevel},
		{-1, zapcore.WarnLevel},
	}

	for _, tc := range cases {
		if got := VerbosityToLevel(tc.verbosity); got != tc.want {
			t.Errorf("VerbosityToLevel(%d) = %v, want %v", tc.verbosity, got, tc.want)
		}
	}
}

func TestAbbreviateName(t *testing.T) {
	cases := map[string]string{
		"server":      "server",
		"server.hub":  "s.hub",
		"worker":      "worker",
		"queue.mover": "q.mover",
	}

	for in, want := range cases {
		if got := abbreviateName(in); got != want {
			t.Errorf("abbreviateName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestPackageHelpersUsableBeforeInitialize(t *testing.T) {
	// The init() nop logger must absorb calls made before Initialize.
	Infow("startup probe", FieldJobID, "J0")
	Warnw("startup probe", FieldError, "none")
	Debugw("startup probe")
}

func TestInitializeJSON(t *testing.T) {
	if err := Initialize(true, VerbosityDebug); err != nil {
		t.Fatalf("Initialize(json) failed: %v", err)
	}
	if !JSONOutput {
		t.Error("JSONOutput flag not set")
	}
	Infow("json mode probe", FieldQueue, "compile")
	Cleanup()
}
