package power

import (
	"context"
	"fmt"
	"log"

	"github.com/redis/go-redis/v9"
)

// PowerGovernorListKey is the list pm-service reads governor requests from
const PowerGovernorListKey = "scooter:governor"

// Governor represents a CPU governor type
type Governor string

const (
	// GovernorOndemand is the on-demand CPU governor, scales frequency based on load
	GovernorOndemand Governor = "ondemand"
	// GovernorPowersave is the powersave CPU governor, keeps CPU at lowest frequency
	GovernorPowersave Governor = "powersave"
)

// Client represents a client for the power manager
type Client struct {
	client *redis.Client
	logger *log.Logger
}

// New creates a power manager client on a shared Redis connection
func New(client *redis.Client, logger *log.Logger) *Client {
	return &Client{
		client: client,
		logger: logger,
	}
}

// RequestGovernor requests a governor change from pm-service
func (c *Client) RequestGovernor(ctx context.Context, governor Governor) error {
	c.logger.Printf("Requesting CPU governor change to: %s", governor)

	if err := c.client.LPush(ctx, PowerGovernorListKey, string(governor)).Err(); err != nil {
		return fmt.Errorf("failed to request governor change: %w", err)
	}

	return nil
}

// RequestOndemandGovernor requests the ondemand governor while a download
// keeps the CPU busy
func (c *Client) RequestOndemandGovernor(ctx context.Context) error {
	return c.RequestGovernor(ctx, GovernorOndemand)
}

// RequestPowersaveGovernor returns the CPU to power saving
func (c *Client) RequestPowersaveGovernor(ctx context.Context) error {
	return c.RequestGovernor(ctx, GovernorPowersave)
}
