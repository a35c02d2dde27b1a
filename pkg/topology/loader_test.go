package topology

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

const loaderTestPrefix = "topology:loader_test"

func TestGetDefaultConfig(t *testing.T) {
	cfg := GetDefaultConfig()

	if len(cfg.Exchanges) != len(defaultDomains) {
		t.Fatalf("%s - expected %d exchanges, got %d", loaderTestPrefix, len(defaultDomains), len(cfg.Exchanges))
	}

	auth, ok := cfg.Exchanges["auth"]
	if !ok {
		t.Fatalf("%s - expected auth exchange", loaderTestPrefix)
	}
	if auth.Name != "auth_exchange" {
		t.Errorf("%s - auth.Name = %q, want auth_exchange", loaderTestPrefix, auth.Name)
	}
	if auth.Type != ExchangeDirect {
		t.Errorf("%s - auth.Type = %q, want direct", loaderTestPrefix, auth.Type)
	}
	if !auth.Durable {
		t.Errorf("%s - expected auth exchange to be durable", loaderTestPrefix)
	}
	if cfg.Exchanges["team"].Type != ExchangeTopic {
		t.Errorf("%s - team exchange should be topic", loaderTestPrefix)
	}
	if err := Validate(cfg); err != nil {
		t.Errorf("%s - default config should validate: %v", loaderTestPrefix, err)
	}
}

func TestNewRegistry_Lookups(t *testing.T) {
	reg := NewRegistry(GetDefaultConfig(), "nats://127.0.0.1:4222", 0)

	if ex := reg.Get("team"); ex == nil || ex.Name != "team_exchange" {
		t.Fatalf("%s - Get(team) = %+v", loaderTestPrefix, ex)
	}
	if ex := reg.Get("teams"); ex == nil || ex.Name != "team_exchange" {
		t.Errorf("%s - alias teams should resolve to team_exchange, got %+v", loaderTestPrefix, ex)
	}
	if d, ok := reg.Canonical("tasks"); !ok || d != "task" {
		t.Errorf("%s - Canonical(tasks) = %q, %v", loaderTestPrefix, d, ok)
	}
	if _, ok := reg.Canonical("payments"); ok {
		t.Errorf("%s - Canonical(payments) should fail", loaderTestPrefix)
	}
	if reg.Get("payments") != nil {
		t.Errorf("%s - unknown domain should return nil", loaderTestPrefix)
	}
	if !reg.Known("auth_exchange") {
		t.Errorf("%s - auth_exchange should be known", loaderTestPrefix)
	}
	if reg.Known("payments_exchange") {
		t.Errorf("%s - payments_exchange should not be known", loaderTestPrefix)
	}
	if reg.Timeout("auth_exchange") != DefaultTimeout {
		t.Errorf("%s - Timeout = %v, want %v", loaderTestPrefix, reg.Timeout("auth_exchange"), DefaultTimeout)
	}
	if reg.BrokerURL("auth_exchange") != "nats://127.0.0.1:4222" {
		t.Errorf("%s - BrokerURL = %q", loaderTestPrefix, reg.BrokerURL("auth_exchange"))
	}
	if reg.Envelope("auth_exchange") != EnvelopeTagged {
		t.Errorf("%s - Envelope = %q, want tagged", loaderTestPrefix, reg.Envelope("auth_exchange"))
	}
	if len(reg.Domains()) != len(defaultDomains) {
		t.Errorf("%s - Domains() len = %d", loaderTestPrefix, len(reg.Domains()))
	}
}

func TestNewRegistry_Overrides(t *testing.T) {
	cfg := GetDefaultConfig()
	chatbot := cfg.Exchanges["chatbot"]
	chatbot.TimeoutMs = 30000
	chatbot.BrokerURL = "nats://ai-broker:4222"
	chatbot.Envelope = EnvelopeLegacy
	cfg.Exchanges["chatbot"] = chatbot

	reg := NewRegistry(cfg, "nats://default:4222", 5*time.Second)

	if got := reg.Timeout("chatbot_exchange"); got != 30*time.Second {
		t.Errorf("%s - chatbot timeout = %v, want 30s", loaderTestPrefix, got)
	}
	if got := reg.Timeout("task_exchange"); got != 5*time.Second {
		t.Errorf("%s - task timeout = %v, want 5s", loaderTestPrefix, got)
	}
	if got := reg.BrokerURL("chatbot_exchange"); got != "nats://ai-broker:4222" {
		t.Errorf("%s - chatbot broker = %q", loaderTestPrefix, got)
	}
	if got := reg.BrokerURL("task_exchange"); got != "nats://default:4222" {
		t.Errorf("%s - task broker = %q", loaderTestPrefix, got)
	}
	if got := reg.Envelope("chatbot_exchange"); got != EnvelopeLegacy {
		t.Errorf("%s - chatbot envelope = %q, want legacy", loaderTestPrefix, got)
	}
}

func TestMustGet_PanicsOnUnknown(t *testing.T) {
	reg := NewRegistry(GetDefaultConfig(), "", 0)
	defer func() {
		if recover() == nil {
			t.Errorf("%s - expected panic for unknown domain", loaderTestPrefix)
		}
	}()
	reg.MustGet("payments")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{"default", func(c *Config) {}, false},
		{"missing suffix", func(c *Config) {
			ex := c.Exchanges["auth"]
			ex.Name = "auth"
			c.Exchanges["auth"] = ex
		}, true},
		{"dotted name", func(c *Config) {
			ex := c.Exchanges["auth"]
			ex.Name = "auth.v2_exchange"
			c.Exchanges["auth"] = ex
		}, true},
		{"duplicate name", func(c *Config) {
			ex := c.Exchanges["task"]
			ex.Name = "auth_exchange"
			c.Exchanges["task"] = ex
		}, true},
		{"unknown type", func(c *Config) {
			ex := c.Exchanges["auth"]
			ex.Type = "fanout"
			c.Exchanges["auth"] = ex
		}, true},
		{"unknown envelope", func(c *Config) {
			ex := c.Exchanges["auth"]
			ex.Envelope = "xml"
			c.Exchanges["auth"] = ex
		}, true},
		{"dangling alias", func(c *Config) {
			c.Aliases["billing"] = "payments"
		}, true},
		{"empty", func(c *Config) {
			c.Exchanges = nil
		}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := GetDefaultConfig()
			tt.mutate(cfg)
			err := Validate(cfg)
			if tt.wantErr && err == nil {
				t.Errorf("%s - expected error", loaderTestPrefix)
			}
			if !tt.wantErr && err != nil {
				t.Errorf("%s - unexpected error: %v", loaderTestPrefix, err)
			}
		})
	}
}

func TestMerge_PartialOverride(t *testing.T) {
	base := GetDefaultConfig()
	override := &Config{
		BrokerURL: "nats://shared:4222",
		Exchanges: map[string]Exchange{
			"chatbot": {TimeoutMs: 60000, Version: "^2.0.0"},
			"billing": {Name: "billing_exchange", Type: ExchangeDirect},
		},
		Aliases: map[string]string{"bot": "chatbot"},
	}

	merged := Merge(base, override)

	chatbot := merged.Exchanges["chatbot"]
	if chatbot.Name != "chatbot_exchange" {
		t.Errorf("%s - chatbot name should be kept, got %q", loaderTestPrefix, chatbot.Name)
	}
	if chatbot.TimeoutMs != 60000 {
		t.Errorf("%s - chatbot timeout = %d, want 60000", loaderTestPrefix, chatbot.TimeoutMs)
	}
	if chatbot.Version != "^2.0.0" {
		t.Errorf("%s - chatbot version = %q", loaderTestPrefix, chatbot.Version)
	}
	if _, ok := merged.Exchanges["billing"]; !ok {
		t.Errorf("%s - billing should be added", loaderTestPrefix)
	}
	if merged.BrokerURL != "nats://shared:4222" {
		t.Errorf("%s - BrokerURL = %q", loaderTestPrefix, merged.BrokerURL)
	}
	if merged.Aliases["bot"] != "chatbot" {
		t.Errorf("%s - alias bot missing", loaderTestPrefix)
	}
	// base must be untouched
	if base.Exchanges["chatbot"].TimeoutMs != 0 {
		t.Errorf("%s - base config was mutated", loaderTestPrefix)
	}
}

func TestLoadConfig_YAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "topology.yaml")
	doc := `
name: staging
exchanges:
  file:
    timeoutMs: 20000
    envelope: legacy
`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatalf("%s - write: %v", loaderTestPrefix, err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("%s - LoadConfig: %v", loaderTestPrefix, err)
	}
	if cfg.Name != "staging" {
		t.Errorf("%s - Name = %q, want staging", loaderTestPrefix, cfg.Name)
	}
	file := cfg.Exchanges["file"]
	if file.TimeoutMs != 20000 || file.Envelope != EnvelopeLegacy {
		t.Errorf("%s - file exchange = %+v", loaderTestPrefix, file)
	}
	if file.Name != "file_exchange" {
		t.Errorf("%s - file exchange name should come from defaults, got %q", loaderTestPrefix, file.Name)
	}
}

func TestLoadConfig_JSONFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "topology.json")
	doc := `{"brokerUrl":"nats://json:4222","exchanges":{"auth":{"timeoutMs":2000}}}`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatalf("%s - write: %v", loaderTestPrefix, err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("%s - LoadConfig: %v", loaderTestPrefix, err)
	}
	if cfg.BrokerURL != "nats://json:4222" {
		t.Errorf("%s - BrokerURL = %q", loaderTestPrefix, cfg.BrokerURL)
	}
	if cfg.Exchanges["auth"].TimeoutMs != 2000 {
		t.Errorf("%s - auth timeout = %d", loaderTestPrefix, cfg.Exchanges["auth"].TimeoutMs)
	}
}

func TestLoadConfig_InvalidFileFallsBack(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "broken.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatalf("%s - write: %v", loaderTestPrefix, err)
	}
	os.Unsetenv("TOPOLOGY_FILE")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("%s - LoadConfig: %v", loaderTestPrefix, err)
	}
	if cfg.Name != "api-gateway-topology" {
		t.Errorf("%s - expected default config, got %q", loaderTestPrefix, cfg.Name)
	}
}
