package config

import (
	"fmt"
	"strings"
	"time"
)

// Fixed keys for Redis
const (
	OtaStatusHashKey = "ota"
	VehicleHashKey   = "vehicle"
)

// Defaults used by New
const (
	DefaultCommandChannel      = "fw-update"
	DefaultSlotSize            = 1 << 20
	DefaultAlignment           = 256
	DefaultRebootDelay         = time.Second
	DefaultRebootCheckInterval = 5 * time.Minute
	DefaultChunkSize           = 4096
	DefaultAssetSuffix         = ".bin"
)

// Config holds the configuration for the firmware update agent
type Config struct {
	// Redis configuration
	RedisAddr      string
	CommandChannel string // channel carrying update, upgrade and cancel commands

	// Component name used in status fields and power inhibits
	Component string

	// Flash slot configuration
	StateDir  string // directory holding slot-0.bin, slot-1.bin and state.json
	SlotSize  int
	Alignment int // flash program page size

	// Releases API configuration
	ReleasesURL string
	AssetSuffix string // release asset carrying the firmware image

	// Transfer configuration
	ChunkSize int

	// Reboot constraints
	RebootDelay         time.Duration // delay between upgrade and reset
	RebootCheckInterval time.Duration // how often to retry an upgrade the vehicle state refused

	// Operational modes
	DryRun bool // If true, don't actually reboot, just exit
}

// New creates a new Config with the given parameters
func New(
	redisAddr string,
	stateDir string,
	component string,
	releasesURL string,
	dryRun bool,
) *Config {
	return &Config{
		RedisAddr:      redisAddr,
		CommandChannel: DefaultCommandChannel,
		Component:      strings.TrimSpace(component),
		StateDir:       stateDir,
		SlotSize:       DefaultSlotSize,
		Alignment:      DefaultAlignment,
		ReleasesURL:    releasesURL,
		AssetSuffix:    DefaultAssetSuffix,
		ChunkSize:      DefaultChunkSize,
		// Default values for reboot constraints
		RebootDelay:         DefaultRebootDelay,
		RebootCheckInterval: DefaultRebootCheckInterval,
		// Operational modes
		DryRun: dryRun,
	}
}

// Validate checks that the configuration can drive the agent
func (c *Config) Validate() error {
	if c.RedisAddr == "" {
		return fmt.Errorf("redis address is required")
	}
	if c.StateDir == "" {
		return fmt.Errorf("state directory is required")
	}
	if c.Component == "" {
		return fmt.Errorf("component name is required")
	}
	if c.CommandChannel == "" {
		return fmt.Errorf("command channel is required")
	}
	if c.Alignment <= 0 {
		return fmt.Errorf("alignment must be positive, got %d", c.Alignment)
	}
	if c.SlotSize < c.Alignment || c.SlotSize%c.Alignment != 0 {
		return fmt.Errorf("slot size %d must be a positive multiple of alignment %d", c.SlotSize, c.Alignment)
	}
	if c.ChunkSize <= 0 {
		return fmt.Errorf("chunk size must be positive, got %d", c.ChunkSize)
	}
	if c.RebootDelay < 0 {
		return fmt.Errorf("reboot delay cannot be negative, got %v", c.RebootDelay)
	}
	if c.RebootCheckInterval <= 0 {
		return fmt.Errorf("reboot check interval must be positive, got %v", c.RebootCheckInterval)
	}
	return nil
}
