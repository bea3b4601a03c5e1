package config

import (
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/postwatch/postwatch/internal/domain"
)

// Validate validates the configuration using struct tags registered with
// the go-playground/validator library, plus the cross-section rules below.
func Validate(cfg *Config) error {
	v := validator.New()
	v.RegisterStructValidation(validateConfig, Config{})
	if err := v.Struct(cfg); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}
	return nil
}

// validateConfig checks rules that span fields or sections.
func validateConfig(sl validator.StructLevel) {
	cfg := sl.Current().Interface().(Config)

	if cfg.Monitor.SeenCapacity <= cfg.X.PageSize {
		sl.ReportError(cfg.Monitor.SeenCapacity, "Monitor.SeenCapacity", "SeenCapacity", "gtpagesize", "")
	}

	if cfg.Notify.Webhook.Enabled && cfg.Notify.Webhook.URL == "" {
		sl.ReportError(cfg.Notify.Webhook.URL, "Notify.Webhook.URL", "URL", "required_if", "Enabled true")
	}

	seen := make(map[string]bool, len(cfg.Accounts))
	for i, acct := range cfg.Accounts {
		handle, err := domain.NormalizeHandle(acct.Handle)
		field := fmt.Sprintf("Accounts[%d].Handle", i)
		if err != nil {
			sl.ReportError(acct.Handle, field, "Handle", "handle", "")
			continue
		}
		if seen[handle] {
			sl.ReportError(acct.Handle, field, "Handle", "unique", "")
		}
		seen[handle] = true
	}
}
