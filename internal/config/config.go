// Package config loads the compile-time defaults every other component
// falls back to on a storage fault (spec.md §7: "storage: fall back to
// compile-time defaults; emit diagnostic event").
package config

import (
	_ "embed"
	"time"

	"github.com/BurntSushi/toml"
)

//go:embed defaults.toml
var defaultsTOML []byte

type Periods struct {
	PollMS        int64 `toml:"poll_ms"`
	UploadMS      int64 `toml:"upload_ms"`
	ConfigMS      int64 `toml:"config_ms"`
	CommandsMS    int64 `toml:"commands_ms"`
	PowerReportMS int64 `toml:"power_report_ms"`
	OTAMS         int64 `toml:"ota_ms"`
	WatchdogMS    int64 `toml:"watchdog_ms"`
}

type Registers struct {
	Catalog      []string `toml:"catalog"`
	DefaultMask  uint16   `toml:"default_mask"`
	DefaultCount uint8    `toml:"default_count"`
}

type Endpoint struct {
	BaseURL  string `toml:"base_url"`
	DeviceID string `toml:"device_id"`
}

type Security struct {
	NonceSeed uint64 `toml:"nonce_seed"`
}

type OTA struct {
	ChunkSize           int   `toml:"chunk_size"`
	MinChunkSize        int   `toml:"min_chunk_size"`
	MaxChunkSize        int   `toml:"max_chunk_size"`
	StaleSessionAfterMS int64 `toml:"stale_session_after_ms"`
	MaxRollbackAttempts int   `toml:"max_rollback_attempts"`
}

type Power struct {
	Enabled        bool  `toml:"enabled"`
	TechniqueMask  uint8 `toml:"technique_mask"`
	ReportPeriodMS int64 `toml:"report_period_ms"`
}

func (p Power) ReportPeriod() time.Duration {
	return time.Duration(p.ReportPeriodMS) * time.Millisecond
}

// Defaults is the compile-time-embedded default configuration record.
type Defaults struct {
	Periods   Periods   `toml:"periods"`
	Registers Registers `toml:"registers"`
	Endpoint  Endpoint  `toml:"endpoint"`
	Security  Security  `toml:"security"`
	OTA       OTA       `toml:"ota"`
	Power     Power     `toml:"power"`
}

// Load parses the embedded defaults.toml. It can only fail if the embedded
// file itself is malformed, which a passing test suite rules out; callers
// may treat a returned error as a build-time defect.
func Load() (Defaults, error) {
	var d Defaults
	_, err := toml.Decode(string(defaultsTOML), &d)
	return d, err
}

func (p Periods) Poll() time.Duration     { return time.Duration(p.PollMS) * time.Millisecond }
func (p Periods) Upload() time.Duration   { return time.Duration(p.UploadMS) * time.Millisecond }
func (p Periods) Config() time.Duration   { return time.Duration(p.ConfigMS) * time.Millisecond }
func (p Periods) Commands() time.Duration { return time.Duration(p.CommandsMS) * time.Millisecond }
func (p Periods) PowerReport() time.Duration {
	return time.Duration(p.PowerReportMS) * time.Millisecond
}
func (p Periods) OTA() time.Duration      { return time.Duration(p.OTAMS) * time.Millisecond }
func (p Periods) Watchdog() time.Duration { return time.Duration(p.WatchdogMS) * time.Millisecond }
