package flagenv

import (
	"bytes"
	"errors"
	"flag"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestEnvName(t *testing.T) {
	t.Parallel()

	if got := EnvName("postgres-dsn"); got != "PRIMECLAIM_POSTGRES_DSN" {
		t.Fatalf("EnvName: got %q", got)
	}
}

func TestApply_EnvFallbackAndPrecedence(t *testing.T) {
	t.Setenv("PRIMECLAIM_LISTEN", "0.0.0.0:9000")
	t.Setenv("PRIMECLAIM_STORE_DRIVER", "memory")
	t.Setenv("PRIMECLAIM_SWEEP_INTERVAL", "30s")

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	listen := fs.String("listen", "127.0.0.1:8080", "")
	driver := fs.String("store-driver", "postgres", "")
	interval := fs.Duration("sweep-interval", time.Minute, "")
	untouched := fs.String("untouched", "keep", "")

	if err := fs.Parse([]string{"--store-driver", "postgres"}); err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if err := Apply(fs, ""); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	if *listen != "0.0.0.0:9000" {
		t.Fatalf("listen: got %q", *listen)
	}
	if *driver != "postgres" {
		t.Fatalf("command line must win, got %q", *driver)
	}
	if *interval != 30*time.Second {
		t.Fatalf("sweep-interval: got %v", *interval)
	}
	if *untouched != "keep" {
		t.Fatalf("untouched: got %q", *untouched)
	}
}

func TestApply_EnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "primeclaim.env")
	if err := os.WriteFile(path, []byte("PRIMECLAIM_FLAGENV_TEST_RATE=7\n"), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}
	t.Cleanup(func() { _ = os.Unsetenv("PRIMECLAIM_FLAGENV_TEST_RATE") })

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	rate := fs.Int("flagenv-test-rate", 1, "")
	if err := fs.Parse(nil); err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if err := Apply(fs, path); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if *rate != 7 {
		t.Fatalf("rate: got %d want 7", *rate)
	}

	if err := Apply(fs, filepath.Join(t.TempDir(), "missing.env")); err == nil {
		t.Fatalf("expected error for missing env file")
	}
}

func TestApply_BadEnvValue(t *testing.T) {
	t.Setenv("PRIMECLAIM_MAX_ATTEMPTS", "many")

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	fs.Int("max-attempts", 8, "")
	if err := fs.Parse(nil); err != nil {
		t.Fatalf("Parse: %v", err)
	}
	err := Apply(fs, "")
	if err == nil || !strings.Contains(err.Error(), "PRIMECLAIM_MAX_ATTEMPTS") {
		t.Fatalf("expected error naming the variable, got %v", err)
	}
}

func TestNewLogger(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log, err := NewLogger(&buf, "warn")
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	log.Info("hidden")
	log.Warn("shown", "prime", 7)
	if out := buf.String(); strings.Contains(out, "hidden") || !strings.Contains(out, "prime=7") {
		t.Fatalf("unexpected output: %q", out)
	}

	if _, err := NewLogger(&buf, "loud"); !errors.Is(err, ErrInvalidLevel) {
		t.Fatalf("expected ErrInvalidLevel, got %v", err)
	}
}
