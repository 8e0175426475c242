package security

import (
	"os"
	"path/filepath"
	"testing"
)

func TestValidatePathWithinDirectory(t *testing.T) {
	tmpDir := t.TempDir()

	logDir := filepath.Join(tmpDir, "mission")
	otherDir := filepath.Join(tmpDir, "other")
	if err := os.MkdirAll(logDir, 0755); err != nil {
		t.Fatalf("Failed to create log directory: %v", err)
	}
	if err := os.MkdirAll(otherDir, 0755); err != nil {
		t.Fatalf("Failed to create other directory: %v", err)
	}
	if err := os.WriteFile(filepath.Join(otherDir, "lrauv.csv"), []byte("x"), 0644); err != nil {
		t.Fatalf("Failed to create file: %v", err)
	}
	link := filepath.Join(logDir, "linked")
	if err := os.Symlink(otherDir, link); err != nil {
		t.Fatalf("Failed to create symlink: %v", err)
	}

	tests := []struct {
		name      string
		filePath  string
		wantError bool
	}{
		{"file in log directory", filepath.Join(logDir, "lrauv.csv"), false},
		{"nested file", filepath.Join(logDir, "dvl", "lrauv.csv"), false},
		{"dot-dot escape", filepath.Join(logDir, "..", "other", "lrauv.csv"), true},
		{"absolute outside", "/etc/passwd", true},
		{"symlink escape", filepath.Join(link, "lrauv.csv"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePathWithinDirectory(tt.filePath, logDir)
			if (err != nil) != tt.wantError {
				t.Errorf("ValidatePathWithinDirectory(%q) error = %v, wantError %v", tt.filePath, err, tt.wantError)
			}
		})
	}
}

func TestResolveLogPath(t *testing.T) {
	logDir := t.TempDir()

	got, err := ResolveLogPath(logDir, "lrauv_dvl.csv")
	if err != nil {
		t.Fatalf("ResolveLogPath: %v", err)
	}
	if want := filepath.Join(logDir, "lrauv_dvl.csv"); got != want {
		t.Errorf("ResolveLogPath = %q, want %q", got, want)
	}

	if _, err := ResolveLogPath(logDir, "../escape.csv"); err == nil {
		t.Errorf("expected traversal to be rejected")
	}
	if _, err := ResolveLogPath(logDir, ""); err == nil {
		t.Errorf("expected empty name to be rejected")
	}
	abs := filepath.Join(logDir, "abs.csv")
	if got, err := ResolveLogPath(logDir, abs); err != nil || got != abs {
		t.Errorf("ResolveLogPath(abs) = %q, %v", got, err)
	}
}
