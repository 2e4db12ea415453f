package config

import (
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// Load reads the TOML configuration at path, creating a default file there
// if none exists yet, and validates the result. Mirrors the teacher
// `config.Load`'s self-bootstrapping shape.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	cfg := &Config{}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	if err := applyNegotiationOverlay(cfg); err != nil {
		return nil, err
	}
	if err := ValidateConfig(*cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func createDefault(path string) (*Config, error) {
	cfg := &Config{}
	applyDefaults(cfg)

	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	if err := toml.NewEncoder(f).Encode(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDefaults fills every zero-value knob with spec.md §6's stated
// production default (or this repo's ambient equivalent).
func applyDefaults(cfg *Config) {
	if cfg.DataDir == "" {
		cfg.DataDir = "./marketd-data"
	}
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "sqlite"
	}
	if cfg.Bus.ListenAddress == "" {
		cfg.Bus.ListenAddress = "127.0.0.1:7700"
	}
	if cfg.Identity.KeystorePath == "" {
		cfg.Identity.KeystorePath = cfg.DataDir + "/node_key.json"
	}
	if cfg.Identity.PassphraseEnv == "" {
		cfg.Identity.PassphraseEnv = "MARKETD_KEYSTORE_PASSPHRASE"
	}
	if cfg.Discovery.MeanCyclicBcastInterval.Duration == 0 {
		cfg.Discovery.MeanCyclicBcastInterval = Duration{60 * time.Second}
	}
	if cfg.Discovery.MeanCyclicUnsubscribesInterval.Duration == 0 {
		cfg.Discovery.MeanCyclicUnsubscribesInterval = Duration{60 * time.Second}
	}
	if cfg.Discovery.MaxBcastedOffers == 0 {
		cfg.Discovery.MaxBcastedOffers = 200
	}
	if cfg.Discovery.MaxBcastedUnsubscribes == 0 {
		cfg.Discovery.MaxBcastedUnsubscribes = 200
	}
	if cfg.Subscription.DefaultTTL.Duration == 0 {
		cfg.Subscription.DefaultTTL = Duration{24 * time.Hour}
	}
	if cfg.Negotiation.ApproveTimeout.Duration == 0 {
		cfg.Negotiation.ApproveTimeout = Duration{30 * time.Second}
	}
	if cfg.Negotiation.WaitForApprovalTimeout.Duration == 0 {
		cfg.Negotiation.WaitForApprovalTimeout = Duration{30 * time.Second}
	}
	if cfg.Scan.DefaultTimeout.Duration == 0 {
		cfg.Scan.DefaultTimeout = Duration{300 * time.Second}
	}
	if cfg.Scan.SweepInterval.Duration == 0 {
		cfg.Scan.SweepInterval = Duration{10 * time.Second}
	}
	if cfg.Export.Interval.Duration == 0 {
		cfg.Export.Interval = Duration{time.Hour}
	}
	if cfg.Export.Dir == "" {
		cfg.Export.Dir = cfg.DataDir + "/exports"
	}
}
