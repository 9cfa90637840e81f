// Package config reads bridgesim settings from .env files and the
// environment.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/sarchlab/usb4bridge/bridge"
	"github.com/sarchlab/usb4bridge/link"
	"github.com/sarchlab/usb4bridge/logging"
	"github.com/sarchlab/usb4bridge/silicon"
	"github.com/sarchlab/usb4bridge/state"
	"github.com/sarchlab/usb4bridge/timing"
	"github.com/sarchlab/usb4bridge/tlp"
)

// Environment variable names.
const (
	EnvPollSpins       = "BRIDGE_POLL_SPINS"
	EnvSettleDelay     = "BRIDGE_SETTLE_DELAY"
	EnvLanes           = "BRIDGE_LANES"
	EnvSpeed           = "BRIDGE_SPEED"
	EnvBusyLatency     = "BRIDGE_BUSY_LATENCY"
	EnvCompleteLatency = "BRIDGE_COMPLETE_LATENCY"
	EnvTrainLatency    = "BRIDGE_TRAIN_LATENCY"
	EnvFreqMHz         = "BRIDGE_FREQ_MHZ"
	EnvFault           = "BRIDGE_FAULT"
	EnvTraceDB         = "BRIDGE_TRACE_DB"
	EnvTraceRegisters  = "BRIDGE_TRACE_REGISTERS"
	EnvMonitorPort     = "BRIDGE_MONITOR_PORT"
	EnvLogLevel        = "BRIDGE_LOG_LEVEL"
	EnvLogFormat       = "BRIDGE_LOG_FORMAT"
)

// DefaultEnvFile is loaded by Load when no file is named and it exists.
const DefaultEnvFile = ".env"

// ErrInvalid is wrapped by every validation error.
var ErrInvalid = errors.New("config: invalid value")

// Config holds the settings of one simulated bridge.
type Config struct {
	PollSpins       int
	SettleDelay     time.Duration
	Lanes           uint8
	Speed           uint8
	BusyLatency     int
	CompleteLatency int
	TrainLatency    int
	FreqMHz         float64
	Fault           silicon.Fault

	TraceDB        string
	TraceRegisters bool
	MonitorPort    int

	LogLevel  slog.Level
	LogFormat logging.Format
}

// Default returns the built-in settings.
func Default() Config {
	return Config{
		PollSpins:       tlp.DefaultMaxSpins,
		SettleDelay:     link.DefaultSettleDelay,
		Lanes:           state.FullWidth,
		Speed:           3,
		BusyLatency:     2,
		CompleteLatency: 8,
		TrainLatency:    100,
		FreqMHz:         100,
		Fault:           silicon.FaultNone,
		LogLevel:        slog.LevelWarn,
		LogFormat:       logging.FormatText,
	}
}

// Load reads the named .env files, or .env when it exists and no file is
// named, and then the process environment. Process variables win over file
// entries.
func Load(paths ...string) (Config, error) {
	return LoadWith(nil, paths...)
}

// LoadWith is Load with overrides that win over both the environment and the
// files. Command-line flags use it.
func LoadWith(overrides map[string]string, paths ...string) (Config, error) {
	if len(paths) == 0 {
		if _, err := os.Stat(DefaultEnvFile); err == nil {
			paths = []string{DefaultEnvFile}
		}
	}

	file := map[string]string{}

	if len(paths) > 0 {
		var err error

		file, err = godotenv.Read(paths...)
		if err != nil {
			return Config{}, fmt.Errorf("config: %w", err)
		}
	}

	return Parse(func(key string) (string, bool) {
		if v, ok := overrides[key]; ok {
			return v, true
		}

		if v, ok := os.LookupEnv(key); ok {
			return v, true
		}

		v, ok := file[key]

		return v, ok
	})
}

// Parse builds a configuration from a variable lookup, starting from Default.
func Parse(lookup func(key string) (string, bool)) (Config, error) {
	c := Default()
	p := parser{lookup: lookup}

	p.intVar(EnvPollSpins, &c.PollSpins, 0)
	p.durationVar(EnvSettleDelay, &c.SettleDelay)
	p.maskVar(EnvLanes, &c.Lanes)
	p.byteVar(EnvSpeed, &c.Speed, 0x07)
	p.intVar(EnvBusyLatency, &c.BusyLatency, 1)
	p.intVar(EnvCompleteLatency, &c.CompleteLatency, 1)
	p.intVar(EnvTrainLatency, &c.TrainLatency, 1)
	p.floatVar(EnvFreqMHz, &c.FreqMHz)
	p.faultVar(EnvFault, &c.Fault)
	p.stringVar(EnvTraceDB, &c.TraceDB)
	p.boolVar(EnvTraceRegisters, &c.TraceRegisters)
	p.intVar(EnvMonitorPort, &c.MonitorPort, 0)
	p.levelVar(EnvLogLevel, &c.LogLevel)
	p.formatVar(EnvLogFormat, &c.LogFormat)

	if err := errors.Join(p.errs...); err != nil {
		return Config{}, err
	}

	if c.CompleteLatency <= c.BusyLatency {
		return Config{}, fmt.Errorf("%w: %s (%d) must exceed %s (%d)",
			ErrInvalid, EnvCompleteLatency, c.CompleteLatency,
			EnvBusyLatency, c.BusyLatency)
	}

	return c, nil
}

// ApplyLogging sets the process-wide log level and format.
func (c Config) ApplyLogging() {
	logging.SetLevel(c.LogLevel)
	logging.SetFormat(c.LogFormat)
}

// ChipBuilder returns a chip builder with the simulated parameters.
func (c Config) ChipBuilder() silicon.Builder {
	return silicon.MakeBuilder().
		WithFreq(timing.Freq(c.FreqMHz) * timing.MHz).
		WithBusyLatency(c.BusyLatency).
		WithCompleteLatency(c.CompleteLatency).
		WithTrainLatency(c.TrainLatency).
		WithLanes(c.Lanes).
		WithSpeed(c.Speed)
}

// BuildChip builds a chip and applies the configured fault.
func (c Config) BuildChip(name string) *silicon.Chip {
	chip := c.ChipBuilder().Build(name)
	chip.SetFault(c.Fault)

	return chip
}

// BridgeBuilder returns a bridge builder wired to chip.
func (c Config) BridgeBuilder(chip *silicon.Chip) bridge.Builder {
	return bridge.MakeBuilder().
		WithChip(chip).
		WithMaxSpins(c.PollSpins).
		WithSettleDelay(c.SettleDelay)
}

type parser struct {
	lookup func(string) (string, bool)
	errs   []error
}

func (p *parser) get(key string) (string, bool) {
	v, ok := p.lookup(key)
	if !ok {
		return "", false
	}

	v = strings.TrimSpace(v)

	return v, v != ""
}

func (p *parser) fail(key, value, want string) {
	p.errs = append(p.errs,
		fmt.Errorf("%w: %s=%q, want %s", ErrInvalid, key, value, want))
}

func (p *parser) intVar(key string, dst *int, minimum int) {
	v, ok := p.get(key)
	if !ok {
		return
	}

	n, err := strconv.Atoi(v)
	if err != nil || n < minimum {
		p.fail(key, v, fmt.Sprintf("an integer >= %d", minimum))
		return
	}

	*dst = n
}

func (p *parser) byteVar(key string, dst *uint8, maximum uint8) {
	v, ok := p.get(key)
	if !ok {
		return
	}

	n, err := strconv.ParseUint(v, 0, 8)
	if err != nil || uint8(n) > maximum {
		p.fail(key, v, fmt.Sprintf("a value <= %d", maximum))
		return
	}

	*dst = uint8(n)
}

func (p *parser) maskVar(key string, dst *uint8) {
	v, ok := p.get(key)
	if !ok {
		return
	}

	n, err := strconv.ParseUint(v, 0, 8)
	if err != nil || n == 0 || uint8(n) > state.FullWidth {
		p.fail(key, v, "a non-empty lane mask within 0x0F")
		return
	}

	*dst = uint8(n)
}

func (p *parser) floatVar(key string, dst *float64) {
	v, ok := p.get(key)
	if !ok {
		return
	}

	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f <= 0 {
		p.fail(key, v, "a positive number")
		return
	}

	*dst = f
}

func (p *parser) durationVar(key string, dst *time.Duration) {
	v, ok := p.get(key)
	if !ok {
		return
	}

	d, err := time.ParseDuration(v)
	if err != nil || d < 0 {
		p.fail(key, v, "a duration such as 200ms")
		return
	}

	*dst = d
}

func (p *parser) boolVar(key string, dst *bool) {
	v, ok := p.get(key)
	if !ok {
		return
	}

	b, err := strconv.ParseBool(v)
	if err != nil {
		p.fail(key, v, "true or false")
		return
	}

	*dst = b
}

func (p *parser) stringVar(key string, dst *string) {
	if v, ok := p.get(key); ok {
		*dst = v
	}
}

func (p *parser) faultVar(key string, dst *silicon.Fault) {
	v, ok := p.get(key)
	if !ok {
		return
	}

	f, ok := silicon.ParseFault(v)
	if !ok {
		p.fail(key, v, "none, error, hang or dead")
		return
	}

	*dst = f
}

func (p *parser) levelVar(key string, dst *slog.Level) {
	v, ok := p.get(key)
	if !ok {
		return
	}

	switch strings.ToLower(v) {
	case "debug", "info", "warn", "error":
		*dst = logging.ParseLevel(v)
	default:
		p.fail(key, v, "debug, info, warn or error")
	}
}

func (p *parser) formatVar(key string, dst *logging.Format) {
	v, ok := p.get(key)
	if !ok {
		return
	}

	switch strings.ToLower(v) {
	case "text", "json":
		*dst = logging.ParseFormat(v)
	default:
		p.fail(key, v, "text or json")
	}
}
