// Package config loads process configuration: an optional YAML
// document for the structured settings, overlaid by environment
// variables for the handful of settings that vary by deployment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds every tunable the ledger's components read at startup.
type Config struct {
	ListenAddr string `yaml:"listen_addr"`
	LogLevel   string `yaml:"log_level"`

	DatabaseURL string `yaml:"database_url"`
	RedisAddr   string `yaml:"redis_addr"`

	KeystorePath string `yaml:"keystore_path"`
	IdentityFile string `yaml:"identity_file"`

	HashVerifier HashVerifierConfig `yaml:"hash_verifier"`
	GapDetector  GapDetectorConfig  `yaml:"gap_detector"`
	Checkpoint   CheckpointConfig   `yaml:"checkpoint"`
	Witness      WitnessConfig      `yaml:"witness"`
	Entropy      EntropyConfig      `yaml:"entropy"`
	Trend        TrendConfig        `yaml:"trend"`
}

// HashVerifierConfig configures the hash verifier.
type HashVerifierConfig struct {
	ScanIntervalSeconds int `yaml:"scan_interval_seconds"`
	ScanTimeoutSeconds  int `yaml:"scan_timeout_seconds"`
}

// ScanInterval and ScanTimeout convert the configured seconds to
// time.Duration, falling back to the documented defaults when unset.
func (c HashVerifierConfig) ScanInterval() time.Duration {
	if c.ScanIntervalSeconds <= 0 {
		return 3600 * time.Second
	}
	return time.Duration(c.ScanIntervalSeconds) * time.Second
}

func (c HashVerifierConfig) ScanTimeout() time.Duration {
	if c.ScanTimeoutSeconds <= 0 {
		return 600 * time.Second
	}
	return time.Duration(c.ScanTimeoutSeconds) * time.Second
}

// GapDetectorConfig configures the gap detector. cmd/ledgerd passes
// HaltOnGap to integrity.NewGapDetector; CheckIntervalSeconds is not
// read there, and the detector always runs every
// integrity.DefaultGapCheckInterval.
type GapDetectorConfig struct {
	CheckIntervalSeconds int  `yaml:"check_interval_seconds"`
	HaltOnGap            bool `yaml:"halt_on_gap"`
}

func (c GapDetectorConfig) CheckInterval() time.Duration {
	if c.CheckIntervalSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.CheckIntervalSeconds) * time.Second
}

// CheckpointConfig configures the checkpoint worker.
type CheckpointConfig struct {
	IntervalHours  int `yaml:"interval_hours"`
	TimeoutSeconds int `yaml:"timeout_seconds"`

	ArchiveBackend string `yaml:"archive_backend"` // "s3" | "gcs" | ""
	S3Bucket       string `yaml:"s3_bucket"`
	S3Region       string `yaml:"s3_region"`
	S3Endpoint     string `yaml:"s3_endpoint"`
	GCSBucket      string `yaml:"gcs_bucket"`
}

func (c CheckpointConfig) Interval() time.Duration {
	if c.IntervalHours <= 0 {
		return 7 * 24 * time.Hour
	}
	return time.Duration(c.IntervalHours) * time.Hour
}

func (c CheckpointConfig) Timeout() time.Duration {
	if c.TimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// WitnessConfig configures the witness pool floors. cmd/ledgerd passes
// StandardFloor to writer.WithDefaultFloor; HighStakesFloor is not read
// there, and Writer.WriteHighStakes always uses selector.HighStakesFloor.
type WitnessConfig struct {
	StandardFloor   int `yaml:"standard_floor"`
	HighStakesFloor int `yaml:"high_stakes_floor"`
}

// EntropyConfig configures the external entropy beacon.
type EntropyConfig struct {
	BeaconEndpoint string `yaml:"beacon_endpoint"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

func (c EntropyConfig) Timeout() time.Duration {
	if c.TimeoutSeconds <= 0 {
		return 5 * time.Second
	}
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// TrendConfig configures the trend analyzer's event stream and
// cadence.
type TrendConfig struct {
	OverrideEventType     string `yaml:"override_event_type"`
	AnalysisIntervalHours int    `yaml:"analysis_interval_hours"`
}

func (c TrendConfig) AnalysisInterval() time.Duration {
	if c.AnalysisIntervalHours <= 0 {
		return 24 * time.Hour
	}
	return time.Duration(c.AnalysisIntervalHours) * time.Hour
}

// Default returns a Config populated with every documented
// default, suitable as a base before Load overlays a file and
// environment variables.
func Default() Config {
	return Config{
		ListenAddr:   ":8080",
		LogLevel:     "info",
		KeystorePath: "ledger-keys/keystore.json",
		IdentityFile: "ledger-keys/identities.json",
		HashVerifier: HashVerifierConfig{
			ScanIntervalSeconds: 3600,
			ScanTimeoutSeconds:  600,
		},
		GapDetector: GapDetectorConfig{
			CheckIntervalSeconds: 30,
			HaltOnGap:            true,
		},
		Checkpoint: CheckpointConfig{
			IntervalHours: 7 * 24,
		},
		Witness: WitnessConfig{
			StandardFloor:   4,
			HighStakesFloor: 12,
		},
		Entropy: EntropyConfig{
			TimeoutSeconds: 5,
		},
		Trend: TrendConfig{
			OverrideEventType:     "override.issued",
			AnalysisIntervalHours: 24,
		},
	}
}

// LoadFile reads a YAML configuration document from path, starting
// from Default() so unset fields keep their documented default.
func LoadFile(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// Load builds a Config the way the process actually starts: a base of
// Default(), overlaid by an optional YAML file named by the
// LEDGER_CONFIG_FILE environment variable, overlaid by a handful of
// environment variables for the settings most likely to vary by
// deployment (listen address, database/redis endpoints, log level).
func Load() (Config, error) {
	cfg := Default()

	if path := os.Getenv("LEDGER_CONFIG_FILE"); path != "" {
		fileCfg, err := LoadFile(path)
		if err != nil {
			return Config{}, err
		}
		cfg = fileCfg
	}

	if v := os.Getenv("LEDGER_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("LEDGER_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("LEDGER_DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("LEDGER_REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("LEDGER_KEYSTORE_PATH"); v != "" {
		cfg.KeystorePath = v
	}
	if v := os.Getenv("LEDGER_IDENTITY_FILE"); v != "" {
		cfg.IdentityFile = v
	}
	if v := os.Getenv("LEDGER_GAP_DETECTOR_HALT_ON_GAP"); v != "" {
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			return Config{}, fmt.Errorf("config: parse LEDGER_GAP_DETECTOR_HALT_ON_GAP: %w", err)
		}
		cfg.GapDetector.HaltOnGap = parsed
	}

	return cfg, nil
}
