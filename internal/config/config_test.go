package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultTemplateValidates(t *testing.T) {
	cfg, err := FromYAML([]byte(GenerateDefault("tenant-1")))
	if err != nil {
		t.Fatalf("default config: %v", err)
	}
	if cfg.API.TenantID != "tenant-1" {
		t.Fatalf("tenant = %q", cfg.API.TenantID)
	}
	if cfg.PollInterval() != 2*time.Second {
		t.Fatalf("poll interval = %s", cfg.PollInterval())
	}
	if len(cfg.Uploads.AllowedExtensions) != 2 {
		t.Fatalf("extensions = %v", cfg.Uploads.AllowedExtensions)
	}
	if len(cfg.Webhooks) != 0 {
		t.Fatalf("webhooks = %v", cfg.Webhooks)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"base_url":  "api:\n  base_url: ftp://x\n  tenant_id: t\n",
		"tenant":    "api:\n  base_url: http://x\n",
		"extension": "api:\n  base_url: http://x\n  tenant_id: t\nuploads:\n  allowed_extensions: [docx]\n",
		"webhook":   "api:\n  base_url: http://x\n  tenant_id: t\nwebhooks:\n  - url: not-a-url\n",
		"subject":   "api:\n  base_url: http://x\n  tenant_id: t\nauth:\n  jwt_secret: s\n",
	}
	for name, doc := range cases {
		if _, err := FromYAML([]byte(doc)); err == nil {
			t.Errorf("%s: expected validation error", name)
		}
	}
}

func TestDurationsFallBackToDefaults(t *testing.T) {
	var cfg Config
	if cfg.Timeout() != 10*time.Second {
		t.Fatalf("timeout = %s", cfg.Timeout())
	}
	if cfg.InitialBackoff() != 500*time.Millisecond {
		t.Fatalf("backoff = %s", cfg.InitialBackoff())
	}
	cfg.Polling.IntervalSeconds = 0.25
	if cfg.PollInterval() != 250*time.Millisecond {
		t.Fatalf("poll interval = %s", cfg.PollInterval())
	}
}

func TestWebhookActive(t *testing.T) {
	off := false
	if (WebhookConfig{URL: "http://x", Enabled: &off}).Active() {
		t.Fatalf("disabled hook reported active")
	}
	if !(WebhookConfig{URL: "http://x"}).Active() {
		t.Fatalf("hook without enabled flag should be active")
	}
}

func TestLoadOptional(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadOptional(dir)
	if err != nil || cfg != nil {
		t.Fatalf("missing file: cfg=%v err=%v", cfg, err)
	}
	if _, err := Load(dir); err == nil || !strings.Contains(err.Error(), "tl config init") {
		t.Fatalf("Load missing: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "trainline.yml"), []byte(GenerateDefault("t")), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err = LoadOptional(dir)
	if err != nil || cfg == nil {
		t.Fatalf("load: cfg=%v err=%v", cfg, err)
	}
}
