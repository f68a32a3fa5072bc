package engine

import (
	"os"
	"path/filepath"
	"testing"
)

func TestWAVSilenceRatio(t *testing.T) {
	if got := wavSilenceRatio(writeTestWAV(t)); got != 1.0 {
		t.Errorf("silent ratio = %v, want 1.0", got)
	}
	if got := wavSilenceRatio(writeLoudWAV(t)); got != 0 {
		t.Errorf("loud ratio = %v, want 0", got)
	}

	dir := t.TempDir()
	notWAV := filepath.Join(dir, "notes.txt")
	if err := os.WriteFile(notWAV, []byte("plain text, nothing like audio"), 0o644); err != nil {
		t.Fatal(err)
	}
	if got := wavSilenceRatio(notWAV); got != 0 {
		t.Errorf("non-wav ratio = %v, want 0", got)
	}
	if got := wavSilenceRatio(filepath.Join(dir, "missing.wav")); got != 0 {
		t.Errorf("missing file ratio = %v, want 0", got)
	}
}
