package config

import "fmt"

// ValidateConfig enumerates every §6 configuration knob and rejects values
// that would leave a node unable to start or silently misbehave.
func ValidateConfig(cfg Config) error {
	if cfg.DataDir == "" {
		return fmt.Errorf("config: data_dir must not be empty")
	}
	if cfg.Database.Driver != "sqlite" && cfg.Database.Driver != "postgres" {
		return fmt.Errorf("config: database.driver must be sqlite or postgres, got %q", cfg.Database.Driver)
	}
	if cfg.Database.Driver == "postgres" && cfg.Database.DSN == "" {
		return fmt.Errorf("config: database.dsn is required when database.driver is postgres")
	}
	if cfg.Bus.ListenAddress == "" {
		return fmt.Errorf("config: bus.listen_address must not be empty")
	}
	if cfg.Discovery.MeanCyclicBcastInterval.Duration <= 0 {
		return fmt.Errorf("config: discovery.mean_cyclic_bcast_interval must be positive")
	}
	if cfg.Discovery.MeanCyclicUnsubscribesInterval.Duration <= 0 {
		return fmt.Errorf("config: discovery.mean_cyclic_unsubscribes_interval must be positive")
	}
	if cfg.Discovery.MaxBcastedOffers <= 0 {
		return fmt.Errorf("config: discovery.max_bcasted_offers must be positive")
	}
	if cfg.Discovery.MaxBcastedUnsubscribes <= 0 {
		return fmt.Errorf("config: discovery.max_bcasted_unsubscribes must be positive")
	}
	if cfg.Subscription.DefaultTTL.Duration <= 0 {
		return fmt.Errorf("config: subscription.default_ttl must be positive")
	}
	if cfg.Negotiation.ApproveTimeout.Duration <= 0 {
		return fmt.Errorf("config: negotiation.approve_timeout must be positive")
	}
	if cfg.Negotiation.WaitForApprovalTimeout.Duration <= 0 {
		return fmt.Errorf("config: negotiation.wait_for_approval_timeout must be positive")
	}
	if cfg.Scan.DefaultTimeout.Duration <= 0 {
		return fmt.Errorf("config: scan.default_timeout must be positive")
	}
	if cfg.Scan.SweepInterval.Duration <= 0 {
		return fmt.Errorf("config: scan.sweep_interval must be positive")
	}
	if cfg.Export.Enabled && cfg.Export.Interval.Duration <= 0 {
		return fmt.Errorf("config: export.interval must be positive when export.enabled is true")
	}
	if cfg.Identity.KeystorePath == "" {
		return fmt.Errorf("config: identity.keystore_path must not be empty")
	}
	return nil
}
