package config

import (
	"fmt"
	"strings"
)

// Validate checks that the Config contains valid values.
// Returns an error describing the first invalid field found.
func (c Config) Validate() error {
	if c.ListenPort < 1 || c.ListenPort > 65535 {
		return fmt.Errorf("config: ListenPort must be 1-65535, got %d", c.ListenPort)
	}

	if c.PrometheusURL == "" {
		return fmt.Errorf("config: ZEROSCALE_PROMETHEUS_URL is required")
	}

	if c.ConfidenceThreshold <= 0 || c.ConfidenceThreshold > 1 {
		return fmt.Errorf("config: ConfidenceThreshold must be in (0, 1], got %v", c.ConfidenceThreshold)
	}

	if c.TrafficTriggerRatio <= 0 || c.TrafficTriggerRatio > 1 {
		return fmt.Errorf("config: TrafficTriggerRatio must be in (0, 1], got %v", c.TrafficTriggerRatio)
	}

	if c.CPUThresholdPct <= 0 || c.CPUThresholdPct > 100 {
		return fmt.Errorf("config: CPUThresholdPct must be in (0, 100], got %v", c.CPUThresholdPct)
	}
	if c.MemoryThresholdPct <= 0 || c.MemoryThresholdPct > 100 {
		return fmt.Errorf("config: MemoryThresholdPct must be in (0, 100], got %v", c.MemoryThresholdPct)
	}

	if c.MinSamples < 1 {
		return fmt.Errorf("config: MinSamples must be >= 1, got %d", c.MinSamples)
	}

	if c.MaxRetries < 0 {
		return fmt.Errorf("config: MaxRetries must be >= 0, got %d", c.MaxRetries)
	}

	if c.ExecutorConcurrency < 1 {
		return fmt.Errorf("config: ExecutorConcurrency must be >= 1, got %d", c.ExecutorConcurrency)
	}

	if c.PollInterval <= 0 {
		return fmt.Errorf("config: PollInterval must be > 0, got %v", c.PollInterval)
	}

	if c.RollbackTimeout < c.PollInterval {
		return fmt.Errorf("config: RollbackTimeout must be >= PollInterval, got %v < %v", c.RollbackTimeout, c.PollInterval)
	}

	if c.AlertWebhookURL != "" && !c.AllowInsecure && !strings.HasPrefix(c.AlertWebhookURL, "https://") {
		return fmt.Errorf("config: ZEROSCALE_ALERT_WEBHOOK_URL must use https:// (got %q); set ZEROSCALE_ALLOW_INSECURE=true to override", c.AlertWebhookURL)
	}

	return nil
}
