package status

import (
	"context"
	"fmt"
	"log"

	"github.com/redis/go-redis/v9"

	"github.com/librescoot/fota-service/internal/fota"
)

// Status represents the possible firmware update states
type Status string

const (
	StatusIdle        Status = "idle"
	StatusDownloading Status = "downloading"
	StatusDownloaded  Status = "downloaded"
	StatusUpdating    Status = "updating"
	StatusError       Status = "error"
)

// Reporter handles Redis status reporting for firmware updates
type Reporter struct {
	client    *redis.Client
	hashKey   string
	component string
	logger    *log.Logger
}

// NewReporter creates a new status reporter for the given component
func NewReporter(client *redis.Client, hashKey, component string, logger *log.Logger) *Reporter {
	return &Reporter{
		client:    client,
		hashKey:   hashKey,
		component: component,
		logger:    logger,
	}
}

func (r *Reporter) field(name string) string {
	return fmt.Sprintf("%s:%s", name, r.component)
}

// SetInitialState publishes the boot outcome of this start
func (r *Reporter) SetInitialState(ctx context.Context, outcome fota.BootOutcome) error {
	pipe := r.client.Pipeline()
	pipe.HSet(ctx, r.hashKey, r.field("initial-state"), outcome.String())
	pipe.HSet(ctx, r.hashKey, r.field("status"), string(StatusIdle))

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to set initial state for component %s: %w", r.component, err)
	}

	r.logger.Printf("Set initial state for %s: %s", r.component, outcome)
	return nil
}

// SetStatus updates the status for this component in Redis
func (r *Reporter) SetStatus(ctx context.Context, status Status) error {
	err := r.client.HSet(ctx, r.hashKey, r.field("status"), string(status)).Err()
	if err != nil {
		return fmt.Errorf("failed to set status for component %s: %w", r.component, err)
	}

	r.logger.Printf("Set status for %s: %s", r.component, status)
	return nil
}

// GetStatus retrieves the current status for this component from Redis
func (r *Reporter) GetStatus(ctx context.Context) (Status, error) {
	result, err := r.client.HGet(ctx, r.hashKey, r.field("status")).Result()
	if err == redis.Nil {
		return StatusIdle, nil // Default to idle if not set
	}
	if err != nil {
		return "", fmt.Errorf("failed to get status for component %s: %w", r.component, err)
	}

	return Status(result), nil
}

// SetDownloading atomically sets the downloading status, the image version
// and clears the previous error and progress
func (r *Reporter) SetDownloading(ctx context.Context, version string) error {
	pipe := r.client.Pipeline()
	pipe.HSet(ctx, r.hashKey, r.field("status"), string(StatusDownloading))
	if version != "" {
		pipe.HSet(ctx, r.hashKey, r.field("update-version"), version)
	} else {
		pipe.HDel(ctx, r.hashKey, r.field("update-version"))
	}
	pipe.HDel(ctx, r.hashKey,
		r.field("error"),
		r.field("error-message"),
		r.field("download-progress"),
		r.field("download-bytes"),
		r.field("download-total"),
	)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to set downloading for component %s: %w", r.component, err)
	}

	r.logger.Printf("Set status for %s: %s (version %q)", r.component, StatusDownloading, version)
	return nil
}

// SetIdle atomically sets status to idle and clears version, error and
// progress keys
func (r *Reporter) SetIdle(ctx context.Context) error {
	pipe := r.client.Pipeline()
	pipe.HSet(ctx, r.hashKey, r.field("status"), string(StatusIdle))
	pipe.HDel(ctx, r.hashKey,
		r.field("update-version"),
		r.field("error"),
		r.field("error-message"),
		r.field("download-progress"),
		r.field("download-bytes"),
		r.field("download-total"),
	)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to set idle for component %s: %w", r.component, err)
	}

	r.logger.Printf("Set status to idle for %s", r.component)
	return nil
}

// SetError atomically sets status to error, stores error details, and clears download progress
func (r *Reporter) SetError(ctx context.Context, errorType, errorMessage string) error {
	pipe := r.client.Pipeline()
	pipe.HSet(ctx, r.hashKey, r.field("status"), string(StatusError))
	pipe.HSet(ctx, r.hashKey, r.field("error"), errorType)
	pipe.HSet(ctx, r.hashKey, r.field("error-message"), errorMessage)
	pipe.HDel(ctx, r.hashKey,
		r.field("download-progress"),
		r.field("download-bytes"),
		r.field("download-total"),
	)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to set error for component %s: %w", r.component, err)
	}

	r.logger.Printf("Set error for %s: type=%s, message=%s", r.component, errorType, errorMessage)
	return nil
}

// SetDownloadProgress sets the download progress with both percentage and byte counts
func (r *Reporter) SetDownloadProgress(ctx context.Context, downloaded, total int64) error {
	// Calculate percentage (0-100)
	var percentage int
	if total > 0 {
		percentage = int((downloaded * 100) / total)
	}

	pipe := r.client.Pipeline()
	pipe.HSet(ctx, r.hashKey, r.field("download-progress"), percentage)
	pipe.HSet(ctx, r.hashKey, r.field("download-bytes"), downloaded)
	pipe.HSet(ctx, r.hashKey, r.field("download-total"), total)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to set download progress for component %s: %w", r.component, err)
	}

	return nil
}

// SetUpdateVersion records the version of the image held in the download slot
func (r *Reporter) SetUpdateVersion(ctx context.Context, version string) error {
	if err := r.client.HSet(ctx, r.hashKey, r.field("update-version"), version).Err(); err != nil {
		return fmt.Errorf("failed to set update version for component %s: %w", r.component, err)
	}
	return nil
}
