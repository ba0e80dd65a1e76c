package vehicle

import (
	"fmt"

	"github.com/librescoot/fota-service/internal/redis"
)

// Service represents the vehicle service client
type Service struct {
	redis          *redis.Client
	vehicleHashKey string
	dryRun         bool
}

// New creates a new vehicle service client
func New(redis *redis.Client, vehicleHashKey string, dryRun bool) *Service {
	return &Service{
		redis:          redis,
		vehicleHashKey: vehicleHashKey,
		dryRun:         dryRun,
	}
}

// GetCurrentState gets the current vehicle state
func (s *Service) GetCurrentState() (string, error) {
	return s.redis.GetVehicleState(s.vehicleHashKey)
}

// IsSafeForReboot checks if it's safe to reset into new firmware.
// The device should only be reset when the scooter is in stand-by mode or shutting down
func (s *Service) IsSafeForReboot() (bool, error) {
	currentState, err := s.redis.GetVehicleState(s.vehicleHashKey)
	if err != nil {
		return false, fmt.Errorf("failed to get current vehicle state: %w", err)
	}

	return currentState == "stand-by" || currentState == "shutting-down", nil
}

// TriggerReboot asks the power manager to reset the device
func (s *Service) TriggerReboot() error {
	if s.dryRun {
		return fmt.Errorf("DRY-RUN: Would reboot, but dry-run mode is enabled")
	}

	return s.redis.TriggerReboot()
}
