package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/librescoot/fota-service/internal/config"
	"github.com/librescoot/fota-service/internal/inhibitor"
	"github.com/librescoot/fota-service/internal/power"
	"github.com/librescoot/fota-service/internal/redis"
	"github.com/librescoot/fota-service/internal/slot"
	"github.com/librescoot/fota-service/internal/updater"
	"github.com/librescoot/fota-service/internal/vehicle"
)

var (
	redisAddr           = flag.String("redis-addr", "localhost:6379", "Redis server address")
	stateDir            = flag.String("state-dir", "/data/fota", "Directory holding the firmware slots and boot state")
	component           = flag.String("component", "fw", "Component name used in status fields")
	releasesURL         = flag.String("releases-url", "", "GitHub Releases API URL used by update-latest")
	assetSuffix         = flag.String("asset-suffix", config.DefaultAssetSuffix, "Suffix of the release asset holding the firmware image")
	commandChannel      = flag.String("command-channel", config.DefaultCommandChannel, "Redis channel carrying firmware commands")
	slotSize            = flag.Int("slot-size", config.DefaultSlotSize, "Capacity of each firmware slot in bytes")
	alignment           = flag.Int("alignment", config.DefaultAlignment, "Flash program page size in bytes")
	chunkSize           = flag.Int("chunk-size", config.DefaultChunkSize, "Size of the chunks handed to the flash writer")
	rebootDelay         = flag.Duration("reboot-delay", config.DefaultRebootDelay, "Delay between upgrade and reset")
	rebootCheckInterval = flag.Duration("reboot-check-interval", config.DefaultRebootCheckInterval, "How often to retry an upgrade while the vehicle is in use")
	dryRun              = flag.Bool("dry-run", false, "If true, don't actually reboot, just exit")
)

func main() {
	flag.Parse()

	// Set up logger
	logger := log.New(os.Stdout, "fota-agent: ", log.LstdFlags)
	logger.Printf("Starting firmware update agent")

	// Create context that can be cancelled on SIGINT or SIGTERM
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize config
	cfg := config.New(*redisAddr, *stateDir, *component, *releasesURL, *dryRun)
	cfg.AssetSuffix = *assetSuffix
	cfg.CommandChannel = *commandChannel
	cfg.SlotSize = *slotSize
	cfg.Alignment = *alignment
	cfg.ChunkSize = *chunkSize
	cfg.RebootDelay = *rebootDelay
	cfg.RebootCheckInterval = *rebootCheckInterval
	if err := cfg.Validate(); err != nil {
		logger.Fatalf("Invalid configuration: %v", err)
	}

	// Initialize Redis client
	redisClient, err := redis.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Fatalf("Failed to initialize Redis client: %v", err)
	}
	defer redisClient.Close()

	vehicleService := vehicle.New(redisClient, config.VehicleHashKey, cfg.DryRun)

	reset := func() {
		logger.Printf("Resetting into new firmware")
		if err := vehicleService.TriggerReboot(); err != nil {
			logger.Printf("Failed to trigger reboot: %v", err)
		}
		// Give the power manager time to pick up the request
		time.Sleep(500 * time.Millisecond)
		os.Exit(0)
	}

	store, err := slot.Open(cfg.StateDir, slot.Geometry{SlotSize: cfg.SlotSize, Alignment: cfg.Alignment}, reset, logger)
	if err != nil {
		logger.Fatalf("Failed to open firmware slots: %v", err)
	}

	u := updater.New(cfg, store, redisClient, vehicleService,
		inhibitor.New(redisClient.Raw(), logger),
		power.New(redisClient.Raw(), logger),
		logger,
	)

	logger.Printf("Firmware update agent initialized with:")
	logger.Printf("  Redis address: %s", cfg.RedisAddr)
	logger.Printf("  State directory: %s (active slot %d)", cfg.StateDir, store.ActiveSlot())
	logger.Printf("  Slot size: %d bytes, alignment: %d bytes", cfg.SlotSize, cfg.Alignment)
	logger.Printf("  Command channel: %s", cfg.CommandChannel)
	logger.Printf("  Dry-run mode: %v", cfg.DryRun)

	if err := u.Run(ctx); err != nil {
		logger.Fatalf("Firmware update agent failed: %v", err)
	}
	logger.Printf("Shutting down firmware update agent")
}
