package config

import (
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/timzifer/devsim/internal/dispatch"
)

// Normalize fills defaults for every unset field. It mutates cfg and is
// safe to call more than once.
func Normalize(cfg *Config) {
	if cfg == nil {
		return
	}
	cfg.Listen.IP = strings.TrimSpace(cfg.Listen.IP)
	if cfg.Listen.IP == "" {
		cfg.Listen.IP = DefaultIP
	}
	if cfg.Listen.Port == 0 {
		cfg.Listen.Port = DefaultPort
	}
	if cfg.Listen.IdleTimeout.Duration <= 0 {
		cfg.Listen.IdleTimeout.Duration = DefaultIdleTimeout
	}
	if cfg.Listen.MaxClients == 0 {
		cfg.Listen.MaxClients = DefaultMaxClients
	}

	cfg.Script.Path = strings.TrimSpace(cfg.Script.Path)
	if cfg.Script.ExecTimeout.Duration == 0 {
		cfg.Script.ExecTimeout.Duration = DefaultExecTimeout
	}

	if cfg.Dispatch.QueueSize == 0 {
		cfg.Dispatch.QueueSize = DefaultQueueSize
	}
	if cfg.Dispatch.CallTimeout.Duration == 0 {
		cfg.Dispatch.CallTimeout.Duration = DefaultCallTimeout
	}
	if cfg.Dispatch.ShutdownGrace.Duration == 0 {
		cfg.Dispatch.ShutdownGrace.Duration = DefaultShutdownGrace
	}

	for i := range cfg.Access.Rules {
		rule := &cfg.Access.Rules[i]
		rule.Name = strings.TrimSpace(rule.Name)
		if rule.Name == "" {
			rule.Name = fmt.Sprintf("rule-%d", i+1)
		}
		rule.Deny = strings.TrimSpace(rule.Deny)
	}

	if cfg.Telemetry.Enabled && strings.TrimSpace(cfg.Telemetry.Listen) == "" {
		cfg.Telemetry.Listen = DefaultMetricsListen
	}
}

// Validate checks configuration correctness. It performs declarative
// validation only and does not mutate cfg. Call it after Normalize.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config must not be nil")
	}

	if net.ParseIP(cfg.Listen.IP) == nil {
		return fmt.Errorf("listen.ip %q is not an IP address", cfg.Listen.IP)
	}
	if cfg.Listen.Port < 1 || cfg.Listen.Port > 65535 {
		return fmt.Errorf("listen.port %d outside 1..65535", cfg.Listen.Port)
	}
	if cfg.Listen.IdleTimeout.Duration < 0 {
		return fmt.Errorf("listen.idle_timeout must not be negative")
	}

	if cfg.Script.Path == "" {
		return errors.New("script.path is required")
	}
	if cfg.Script.ExecTimeout.Duration < 0 {
		return fmt.Errorf("script.exec_timeout must not be negative")
	}

	if cfg.Dispatch.QueueSize < 1 {
		return fmt.Errorf("dispatch.queue_size %d must be positive", cfg.Dispatch.QueueSize)
	}
	if cfg.Dispatch.CallTimeout.Duration <= 0 {
		return fmt.Errorf("dispatch.call_timeout must be positive")
	}
	if cfg.Dispatch.ShutdownGrace.Duration < 0 {
		return fmt.Errorf("dispatch.shutdown_grace must not be negative")
	}

	seen := make(map[string]struct{}, len(cfg.Access.Rules))
	for _, rule := range cfg.Access.Rules {
		if _, dup := seen[rule.Name]; dup {
			return fmt.Errorf("access rule %q defined more than once", rule.Name)
		}
		seen[rule.Name] = struct{}{}
		if rule.Deny == "" {
			return fmt.Errorf("access rule %q: deny expression must not be empty", rule.Name)
		}
		for _, op := range rule.Operations {
			if _, err := dispatch.ParseKind(op); err != nil {
				return fmt.Errorf("access rule %q: %w", rule.Name, err)
			}
		}
	}

	if cfg.Logging.Loki.Enabled && strings.TrimSpace(cfg.Logging.Loki.URL) == "" {
		return errors.New("logging.loki.url is required when loki is enabled")
	}
	if cfg.Telemetry.Enabled {
		if _, _, err := net.SplitHostPort(cfg.Telemetry.Listen); err != nil {
			return fmt.Errorf("telemetry.listen %q: %w", cfg.Telemetry.Listen, err)
		}
	}
	return nil
}
