package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// negotiationProfile is the YAML shape of a `Negotiation.ProfileOverlay`
// file: a small, hand-editable sibling to the TOML config that operators
// tune more frequently than the rest of the node's configuration.
type negotiationProfile struct {
	ApproveTimeout         Duration `yaml:"approve_timeout"`
	WaitForApprovalTimeout Duration `yaml:"wait_for_approval_timeout"`
}

// applyNegotiationOverlay reads cfg.Negotiation.ProfileOverlay, if set, and
// overrides the TOML-configured negotiation timeouts with its values. A
// missing overlay file is not an error — ProfileOverlay is opt-in.
func applyNegotiationOverlay(cfg *Config) error {
	path := cfg.Negotiation.ProfileOverlay
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("config: read negotiation profile overlay %s: %w", path, err)
	}
	var profile negotiationProfile
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return fmt.Errorf("config: parse negotiation profile overlay %s: %w", path, err)
	}
	if profile.ApproveTimeout.Duration > 0 {
		cfg.Negotiation.ApproveTimeout = profile.ApproveTimeout
	}
	if profile.WaitForApprovalTimeout.Duration > 0 {
		cfg.Negotiation.WaitForApprovalTimeout = profile.WaitForApprovalTimeout
	}
	return nil
}
