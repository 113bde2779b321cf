package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultValidates(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestGenerateDefaultRoundTrip(t *testing.T) {
	cfg, err := FromYAML([]byte(GenerateDefault()))
	if err != nil {
		t.Fatalf("default template does not parse: %v", err)
	}
	want := Default()
	if cfg.Limits != want.Limits {
		t.Errorf("limits = %+v, want %+v", cfg.Limits, want.Limits)
	}
	if cfg.Processor != want.Processor {
		t.Errorf("processor = %+v, want %+v", cfg.Processor, want.Processor)
	}
}

func TestFromYAMLDurations(t *testing.T) {
	cfg, err := FromYAML([]byte(`
dedupe:
  reopen_window: 48h
processor:
  lease_duration: 30m
  renew_interval: 2m
`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got := cfg.Dedupe.ReopenWindow.Std(); got != 48*time.Hour {
		t.Errorf("reopen_window = %v, want 48h", got)
	}
	if got := cfg.Processor.LeaseDuration.Std(); got != 30*time.Minute {
		t.Errorf("lease_duration = %v, want 30m", got)
	}
	// Omitted sections keep defaults.
	if cfg.Limits.MaxMessageLength != 5000 {
		t.Errorf("max_message_length = %d, want 5000", cfg.Limits.MaxMessageLength)
	}
}

func TestFromYAMLRejectsBadDuration(t *testing.T) {
	if _, err := FromYAML([]byte("processor:\n  lease_duration: soon\n")); err == nil {
		t.Fatal("expected error for invalid duration")
	}
}

func TestValidateRenewShorterThanLease(t *testing.T) {
	cfg := Default()
	cfg.Processor.RenewInterval = cfg.Processor.LeaseDuration
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error when renew_interval >= lease_duration")
	}
}

func TestValidateWebhookURL(t *testing.T) {
	cfg := Default()
	cfg.Webhooks = []WebhookConfig{{URL: ""}}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for webhook with empty url")
	}
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Limits != Default().Limits {
		t.Errorf("missing file should yield defaults")
	}
}

func TestLoadReadsWorkspaceFile(t *testing.T) {
	workspace := t.TempDir()
	data := []byte("complete:\n  min_field_length: 25\n")
	if err := os.WriteFile(filepath.Join(workspace, "actifix.yml"), data, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := Load(workspace)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Complete.MinFieldLength != 25 {
		t.Errorf("min_field_length = %d, want 25", cfg.Complete.MinFieldLength)
	}
}
