package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

// TransportKind selects how collective groups move data between ranks.
type TransportKind string

const (
	TransportLocal  TransportKind = "local"
	TransportFlight TransportKind = "flight"
)

// Environment variables understood by FromEnv.
const (
	EnvDebugMode           = "EAGER_DEBUG_MODE"
	EnvLogLevel            = "EAGER_LOG_LEVEL"
	EnvLogFormat           = "EAGER_LOG_FORMAT"
	EnvNumDevices          = "EAGER_NUM_DEVICES"
	EnvDeviceMemory        = "EAGER_DEVICE_MEMORY"
	EnvPinnedBudget        = "EAGER_PINNED_BUDGET"
	EnvWaitTimeout         = "EAGER_WAIT_TIMEOUT"
	EnvCollectiveWatchdog  = "EAGER_COLLECTIVE_WATCHDOG"
	EnvGroupTimeout        = "EAGER_COLLECTIVE_GROUP_TIMEOUT"
	EnvFusionThreshold     = "EAGER_FUSION_THRESHOLD"
	EnvMaxGroupSize        = "EAGER_MAX_GROUP_SIZE"
	EnvCollectiveTransport = "EAGER_COLLECTIVE_TRANSPORT"
	EnvFlightAddr          = "EAGER_FLIGHT_ADDR"
)

type Config struct {
	// Debug enables verbose tracing of instruction state transitions.
	Debug     bool
	LogLevel  string
	LogFormat string

	NumDevices        int
	DeviceMemoryBytes int64
	PinnedBudgetBytes int64
	StreamQueueDepth  int

	// WaitTimeout bounds blocking host reads/writes.
	WaitTimeout time.Duration

	Collective CollectiveConfig
}

type CollectiveConfig struct {
	WatchdogTimeout      time.Duration
	GroupTimeout         time.Duration // bounds one fused group exchange, 0 disables
	PollInterval         time.Duration
	FusionThresholdBytes int64
	MaxGroupSize         int
	Transport            TransportKind
	FlightAddr           string
	MaxRetries           int
}

func Default() Config {
	return Config{
		LogLevel:          "info",
		LogFormat:         "console",
		NumDevices:        1,
		DeviceMemoryBytes: 1 << 30,
		PinnedBudgetBytes: 256 << 20,
		StreamQueueDepth:  1024,
		WaitTimeout:       30 * time.Second,
		Collective: CollectiveConfig{
			WatchdogTimeout:      60 * time.Second,
			GroupTimeout:         30 * time.Second,
			PollInterval:         time.Millisecond,
			FusionThresholdBytes: 16 << 20,
			MaxGroupSize:         0,
			Transport:            TransportLocal,
			MaxRetries:           3,
		},
	}
}

func (c *Config) Validate() error {
	if c.NumDevices <= 0 {
		return fmt.Errorf("invalid num_devices: %d (must be positive)", c.NumDevices)
	}
	if c.DeviceMemoryBytes <= 0 {
		return fmt.Errorf("invalid device_memory: %d (must be positive)", c.DeviceMemoryBytes)
	}
	if c.PinnedBudgetBytes < 0 {
		return fmt.Errorf("invalid pinned_budget: %d (must be non-negative)", c.PinnedBudgetBytes)
	}
	if c.StreamQueueDepth <= 0 {
		return fmt.Errorf("invalid stream_queue_depth: %d (must be positive)", c.StreamQueueDepth)
	}
	if c.WaitTimeout <= 0 {
		return fmt.Errorf("invalid wait_timeout: %v (must be positive)", c.WaitTimeout)
	}
	return c.Collective.validate()
}

func (c *CollectiveConfig) validate() error {
	if c.WatchdogTimeout <= 0 {
		return fmt.Errorf("invalid collective watchdog: %v (must be positive)", c.WatchdogTimeout)
	}
	if c.GroupTimeout < 0 {
		return fmt.Errorf("invalid collective group_timeout: %v (must be non-negative)", c.GroupTimeout)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("invalid collective poll_interval: %v (must be positive)", c.PollInterval)
	}
	if c.FusionThresholdBytes < 0 {
		return fmt.Errorf("invalid fusion_threshold: %d (must be non-negative)", c.FusionThresholdBytes)
	}
	if c.MaxGroupSize < 0 {
		return fmt.Errorf("invalid max_group_size: %d (must be non-negative)", c.MaxGroupSize)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("invalid max_retries: %d (must be non-negative)", c.MaxRetries)
	}
	switch c.Transport {
	case TransportLocal:
	case TransportFlight:
		if c.FlightAddr == "" {
			return fmt.Errorf("flight transport requires %s", EnvFlightAddr)
		}
	default:
		return fmt.Errorf("unknown collective transport: %q", c.Transport)
	}
	return nil
}

// FromEnv overlays environment variables on Default(). Unset variables keep
// their defaults; malformed values are reported.
func FromEnv() (Config, error) {
	return fromLookup(os.LookupEnv)
}

func fromLookup(lookup func(string) (string, bool)) (Config, error) {
	c := Default()
	var err error

	if v, ok := lookup(EnvDebugMode); ok {
		if c.Debug, err = strconv.ParseBool(v); err != nil {
			return c, fmt.Errorf("%s: %w", EnvDebugMode, err)
		}
	}
	if v, ok := lookup(EnvLogLevel); ok {
		c.LogLevel = strings.ToLower(v)
	}
	if v, ok := lookup(EnvLogFormat); ok {
		c.LogFormat = strings.ToLower(v)
	}
	if v, ok := lookup(EnvNumDevices); ok {
		if c.NumDevices, err = strconv.Atoi(v); err != nil {
			return c, fmt.Errorf("%s: %w", EnvNumDevices, err)
		}
	}
	if v, ok := lookup(EnvDeviceMemory); ok {
		if c.DeviceMemoryBytes, err = parseBytes(v); err != nil {
			return c, fmt.Errorf("%s: %w", EnvDeviceMemory, err)
		}
	}
	if v, ok := lookup(EnvPinnedBudget); ok {
		if c.PinnedBudgetBytes, err = parseBytes(v); err != nil {
			return c, fmt.Errorf("%s: %w", EnvPinnedBudget, err)
		}
	}
	if v, ok := lookup(EnvWaitTimeout); ok {
		if c.WaitTimeout, err = time.ParseDuration(v); err != nil {
			return c, fmt.Errorf("%s: %w", EnvWaitTimeout, err)
		}
	}
	if v, ok := lookup(EnvCollectiveWatchdog); ok {
		if c.Collective.WatchdogTimeout, err = time.ParseDuration(v); err != nil {
			return c, fmt.Errorf("%s: %w", EnvCollectiveWatchdog, err)
		}
	}
	if v, ok := lookup(EnvGroupTimeout); ok {
		if c.Collective.GroupTimeout, err = time.ParseDuration(v); err != nil {
			return c, fmt.Errorf("%s: %w", EnvGroupTimeout, err)
		}
	}
	if v, ok := lookup(EnvFusionThreshold); ok {
		if c.Collective.FusionThresholdBytes, err = parseBytes(v); err != nil {
			return c, fmt.Errorf("%s: %w", EnvFusionThreshold, err)
		}
	}
	if v, ok := lookup(EnvMaxGroupSize); ok {
		if c.Collective.MaxGroupSize, err = strconv.Atoi(v); err != nil {
			return c, fmt.Errorf("%s: %w", EnvMaxGroupSize, err)
		}
	}
	if v, ok := lookup(EnvCollectiveTransport); ok {
		c.Collective.Transport = TransportKind(strings.ToLower(v))
	}
	if v, ok := lookup(EnvFlightAddr); ok {
		c.Collective.FlightAddr = v
	}

	return c, nil
}

// parseBytes accepts plain integers or humanized sizes such as "256MiB".
func parseBytes(v string) (int64, error) {
	n, err := humanize.ParseBytes(v)
	if err != nil {
		return 0, err
	}
	return int64(n), nil
}
