// Package config loads and validates the TOML runtime configuration for a
// marketplace node: every knob `spec.md` §6 names under "Configuration
// (enumerated, core-relevant)", plus the ambient additions SPEC_FULL.md §B
// adds on top (database driver/DSN, bus listen address, DNS seed zone,
// identity keystore location, metrics/telemetry endpoints, log file path).
package config

import "time"

// Duration wraps time.Duration so it round-trips through TOML as a human
// readable string ("60s", "5m0s") instead of an opaque integer of
// nanoseconds.
type Duration struct {
	time.Duration
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	if len(text) == 0 {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

// Database selects the gorm dialect a node persists `market_*`/`pay_*`
// tables through (spec.md §6 "Persistent state").
type Database struct {
	Driver string `toml:"Driver"` // "sqlite" (default) or "postgres"
	DSN    string `toml:"DSN"`
}

// Bus configures the node's websocket transport bus.
type Bus struct {
	ListenAddress string   `toml:"ListenAddress"`
	Bootstrap     []string `toml:"Bootstrap"` // "nodeid@ws://host:port" entries
}

// Seeds names the DNS seed zone for bus/seeds bootstrap lookups. marketd
// does not read it; the peers it dials at startup come from Bus.Bootstrap.
type Seeds struct {
	Zone string `toml:"Zone"`
}

// Identity controls how the node's private key is persisted at rest.
type Identity struct {
	KeystorePath  string `toml:"KeystorePath"`
	PassphraseEnv string `toml:"PassphraseEnv"`
}

// Discovery holds the gossip knobs spec.md §6 names directly:
// `discovery.mean_cyclic_bcast_interval`, `mean_cyclic_unsubscribes_interval`,
// `max_bcasted_offers`, `max_bcasted_unsubscribes`.
type Discovery struct {
	MeanCyclicBcastInterval        Duration `toml:"MeanCyclicBcastInterval"`
	MeanCyclicUnsubscribesInterval Duration `toml:"MeanCyclicUnsubscribesInterval"`
	MaxBcastedOffers                int      `toml:"MaxBcastedOffers"`
	MaxBcastedUnsubscribes          int      `toml:"MaxBcastedUnsubscribes"`
}

// Subscription holds `subscription.default_ttl`: the Offer/Demand lifetime
// applied when the Agent omits one.
type Subscription struct {
	DefaultTTL Duration `toml:"DefaultTTL"`
}

// Negotiation holds the `negotiation.*` default timeouts spec.md §6 names:
// the caller-supplied durations `ApproveAgreement`/`WaitForApproval` fall
// back to when the embedding Requestor/Provider application doesn't pick
// its own.
type Negotiation struct {
	ApproveTimeout         Duration `toml:"ApproveTimeout"`
	WaitForApprovalTimeout Duration `toml:"WaitForApprovalTimeout"`

	// ProfileOverlay optionally points at a YAML file whose
	// approve_timeout/wait_for_approval_timeout values override the two
	// timeouts above (operators tune these by hand more often than the rest
	// of the TOML file, so they live in their own small, reviewable overlay).
	ProfileOverlay string `toml:"ProfileOverlay"`
}

// Scan holds `scan.default_timeout` (spec.md §6, default 300s) plus this
// node's background sweep cadence for expired Scanners.
type Scan struct {
	DefaultTimeout Duration `toml:"DefaultTimeout"`
	SweepInterval  Duration `toml:"SweepInterval"`
}

// Export controls the payment ledger's periodic Parquet export.
type Export struct {
	Enabled  bool     `toml:"Enabled"`
	Interval Duration `toml:"Interval"`
	Dir      string   `toml:"Dir"`
}

// Logging controls the ambient slog/lumberjack sink.
type Logging struct {
	File string `toml:"File"`
}

// Metrics controls the internal `/healthz`+`/metrics` admin surface.
type Metrics struct {
	ListenAddress string `toml:"ListenAddress"`
}

// Telemetry controls the OTLP exporter target.
type Telemetry struct {
	Endpoint string `toml:"Endpoint"`
	Insecure bool   `toml:"Insecure"`
}

// Config is the full set of knobs a marketd node reads from its TOML file.
type Config struct {
	DataDir   string   `toml:"DataDir"`
	Blacklist []string `toml:"Blacklist"`

	Database     Database     `toml:"Database"`
	Bus          Bus          `toml:"Bus"`
	Seeds        Seeds        `toml:"Seeds"`
	Identity     Identity     `toml:"Identity"`
	Discovery    Discovery    `toml:"Discovery"`
	Subscription Subscription `toml:"Subscription"`
	Negotiation  Negotiation  `toml:"Negotiation"`
	Scan         Scan         `toml:"Scan"`
	Export       Export       `toml:"Export"`
	Logging      Logging      `toml:"Logging"`
	Metrics      Metrics      `toml:"Metrics"`
	Telemetry    Telemetry    `toml:"Telemetry"`
}
