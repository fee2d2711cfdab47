package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestOzziePath_Default(t *testing.T) {
	t.Setenv("OZZIE_PATH", "")

	home, err := os.UserHomeDir()
	if err != nil {
		t.Fatal(err)
	}

	got := OzziePath()
	want := filepath.Join(home, ".ozzie")
	if got != want {
		t.Errorf("OzziePath() = %q, want %q", got, want)
	}
}

func TestOzziePath_EnvOverride(t *testing.T) {
	t.Setenv("OZZIE_PATH", "/tmp/custom-ozzie")

	got := OzziePath()
	want := "/tmp/custom-ozzie"
	if got != want {
		t.Errorf("OzziePath() = %q, want %q", got, want)
	}
}
