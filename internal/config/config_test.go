package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadFullConfig(t *testing.T) {
	path := writeConfig(t, `listen:
  ip: 0.0.0.0
  port: 1502
  idle_timeout: 10s
  max_clients: 4
script:
  path: device.lua
  exec_timeout: 250ms
dispatch:
  queue_size: 8
  call_timeout: 2s
  shutdown_grace: 1s
access:
  rules:
    - name: calibration
      operations: [write_multiple_registers]
      deny: "address < 100"
logging:
  level: debug
  format: text
telemetry:
  enabled: true
  listen: 127.0.0.1:9200
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	Normalize(cfg)
	if err := Validate(cfg); err != nil {
		t.Fatalf("validate: %v", err)
	}

	if cfg.Listen.URL() != "tcp://0.0.0.0:1502" {
		t.Fatalf("unexpected listen url %q", cfg.Listen.URL())
	}
	if cfg.Listen.IdleTimeout.Duration != 10*time.Second || cfg.Listen.MaxClients != 4 {
		t.Fatalf("unexpected listen config: %+v", cfg.Listen)
	}
	if cfg.Script.Path != "device.lua" || cfg.Script.ExecTimeout.Duration != 250*time.Millisecond {
		t.Fatalf("unexpected script config: %+v", cfg.Script)
	}
	if cfg.Dispatch.QueueSize != 8 || cfg.Dispatch.CallTimeout.Duration != 2*time.Second {
		t.Fatalf("unexpected dispatch config: %+v", cfg.Dispatch)
	}
	if len(cfg.Access.Rules) != 1 || cfg.Access.Rules[0].Operations[0] != "write_multiple_registers" {
		t.Fatalf("unexpected access rules: %+v", cfg.Access.Rules)
	}
	if cfg.Telemetry.Listen != "127.0.0.1:9200" {
		t.Fatalf("unexpected telemetry listen %q", cfg.Telemetry.Listen)
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := writeConfig(t, `listen:
  address: 127.0.0.1
`)
	if _, err := Load(path); err == nil {
		t.Fatalf("expected unknown key error")
	}
}

func TestLoadEmptyFile(t *testing.T) {
	cfg, err := Load(writeConfig(t, ""))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	Normalize(cfg)
	if cfg.Listen.Address() != "127.0.0.1:5502" {
		t.Fatalf("unexpected default address %q", cfg.Listen.Address())
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestDurationRejectsGarbage(t *testing.T) {
	path := writeConfig(t, `dispatch:
  call_timeout: soon
`)
	if _, err := Load(path); err == nil {
		t.Fatalf("expected duration parse error")
	}
}

func TestNormalizeDefaults(t *testing.T) {
	cfg := Default()
	if cfg.Listen.IP != DefaultIP || cfg.Listen.Port != DefaultPort {
		t.Fatalf("unexpected listen defaults: %+v", cfg.Listen)
	}
	if cfg.Dispatch.QueueSize != DefaultQueueSize {
		t.Fatalf("unexpected queue size %d", cfg.Dispatch.QueueSize)
	}
	if cfg.Dispatch.CallTimeout.Duration != DefaultCallTimeout || cfg.Dispatch.ShutdownGrace.Duration != DefaultShutdownGrace {
		t.Fatalf("unexpected dispatch defaults: %+v", cfg.Dispatch)
	}
	if cfg.Script.ExecTimeout.Duration != DefaultExecTimeout {
		t.Fatalf("unexpected exec timeout %v", cfg.Script.ExecTimeout.Duration)
	}
	if cfg.Telemetry.Listen != "" {
		t.Fatalf("telemetry listen must stay empty while disabled")
	}

	cfg.Telemetry.Enabled = true
	cfg.Access.Rules = []AccessRuleConfig{{Deny: " true "}}
	Normalize(cfg)
	if cfg.Telemetry.Listen != DefaultMetricsListen {
		t.Fatalf("unexpected telemetry listen %q", cfg.Telemetry.Listen)
	}
	if cfg.Access.Rules[0].Name != "rule-1" || cfg.Access.Rules[0].Deny != "true" {
		t.Fatalf("unexpected rule normalization: %+v", cfg.Access.Rules[0])
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := Default()
		cfg.Script.Path = "device.lua"
		return cfg
	}

	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing script", func(c *Config) { c.Script.Path = "" }},
		{"bad ip", func(c *Config) { c.Listen.IP = "localhost:1" }},
		{"port too large", func(c *Config) { c.Listen.Port = 70000 }},
		{"zero queue", func(c *Config) { c.Dispatch.QueueSize = -1 }},
		{"negative grace", func(c *Config) { c.Dispatch.ShutdownGrace.Duration = -time.Second }},
		{"empty rule", func(c *Config) { c.Access.Rules = []AccessRuleConfig{{Name: "r"}} }},
		{"unknown operation", func(c *Config) {
			c.Access.Rules = []AccessRuleConfig{{Name: "r", Deny: "true", Operations: []string{"format_disk"}}}
		}},
		{"duplicate rule", func(c *Config) {
			c.Access.Rules = []AccessRuleConfig{{Name: "r", Deny: "true"}, {Name: "r", Deny: "false"}}
		}},
		{"loki without url", func(c *Config) { c.Logging.Loki.Enabled = true }},
		{"bad telemetry listen", func(c *Config) {
			c.Telemetry.Enabled = true
			c.Telemetry.Listen = "9102"
		}},
	}

	if err := Validate(valid()); err != nil {
		t.Fatalf("baseline config invalid: %v", err)
	}
	if err := Validate(nil); err == nil {
		t.Fatalf("expected error for nil config")
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := valid()
			tc.mutate(cfg)
			if err := Validate(cfg); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestExampleConfigIsValid(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "examples", "config.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	Normalize(cfg)
	if err := Validate(cfg); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if len(cfg.Access.Rules) != 1 || !cfg.Telemetry.Enabled {
		t.Fatalf("unexpected example config: %+v", cfg)
	}
}
