package inhibitor

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// Redis keys for power inhibits
	InhibitHashKey = "power:inhibits"
	InhibitChannel = "power:inhibits"

	who  = "fota-service"
	what = "power-state-change"
)

// InhibitType represents the type of power inhibit
type InhibitType string

const (
	TypeBlock InhibitType = "block" // Block power state changes completely
	TypeDelay InhibitType = "delay" // Delay power state changes for a specified duration
)

// InhibitData represents the data stored in Redis for an inhibit
type InhibitData struct {
	ID       string      `json:"id"`
	Who      string      `json:"who"`
	What     string      `json:"what"`
	Why      string      `json:"why"`
	Type     InhibitType `json:"type"`
	Duration int64       `json:"duration"`
	Created  int64       `json:"created"`
}

// Client keeps the power manager from suspending the device while firmware
// is streamed into flash or about to be swapped in
type Client struct {
	client *redis.Client
	logger *log.Logger
	now    func() time.Time
}

// New creates a power inhibitor client on a shared Redis connection
func New(client *redis.Client, logger *log.Logger) *Client {
	return &Client{
		client: client,
		logger: logger,
		now:    time.Now,
	}
}

// AddInhibit adds a power inhibit
func (c *Client) AddInhibit(ctx context.Context, id, why string, inhibitType InhibitType, duration time.Duration) error {
	c.logger.Printf("Adding power inhibit: id=%s, why=%s, type=%s, duration=%v", id, why, inhibitType, duration)

	data, err := json.Marshal(&InhibitData{
		ID:       id,
		Who:      who,
		What:     what,
		Why:      why,
		Type:     inhibitType,
		Duration: int64(duration.Seconds()),
		Created:  c.now().Unix(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal inhibit data: %w", err)
	}

	pipe := c.client.Pipeline()
	pipe.HSet(ctx, InhibitHashKey, id, string(data))
	pipe.Publish(ctx, InhibitChannel, fmt.Sprintf("add:%s", id))

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to add power inhibit: %w", err)
	}

	return nil
}

// RemoveInhibit removes a power inhibit
func (c *Client) RemoveInhibit(ctx context.Context, id string) error {
	c.logger.Printf("Removing power inhibit: id=%s", id)

	pipe := c.client.Pipeline()
	pipe.HDel(ctx, InhibitHashKey, id)
	pipe.Publish(ctx, InhibitChannel, fmt.Sprintf("remove:%s", id))

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to remove power inhibit: %w", err)
	}

	return nil
}

// AddDownloadInhibit delays power state changes for up to 5 minutes while
// an image is streamed into the download slot
func (c *Client) AddDownloadInhibit(ctx context.Context, component string) error {
	return c.AddInhibit(ctx, "download:"+component,
		fmt.Sprintf("downloading firmware for %s", component), TypeDelay, 5*time.Minute)
}

// RemoveDownloadInhibit removes a download inhibit
func (c *Client) RemoveDownloadInhibit(ctx context.Context, component string) error {
	return c.RemoveInhibit(ctx, "download:"+component)
}

// AddInstallInhibit blocks power state changes until the device resets into
// the new image
func (c *Client) AddInstallInhibit(ctx context.Context, component string) error {
	return c.AddInhibit(ctx, "install:"+component,
		fmt.Sprintf("installing firmware for %s", component), TypeBlock, 0) // 0 duration means indefinite
}

// RemoveInstallInhibit removes an install inhibit
func (c *Client) RemoveInstallInhibit(ctx context.Context, component string) error {
	return c.RemoveInhibit(ctx, "install:"+component)
}
