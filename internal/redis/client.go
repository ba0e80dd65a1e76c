package redis

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// PowerCommandListKey is the list the power manager pops commands from
const PowerCommandListKey = "scooter:power"

// Client represents a Redis client for the update agent
type Client struct {
	client *redis.Client
	ctx    context.Context
}

// New creates a new Redis client
func New(ctx context.Context, addr string) (*Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr: addr,
		DB:   0,
	})

	// Test connection
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &Client{
		client: client,
		ctx:    ctx,
	}, nil
}

// Close closes the Redis client
func (c *Client) Close() error {
	return c.client.Close()
}

// Raw returns the underlying go-redis client
func (c *Client) Raw() *redis.Client {
	return c.client
}

// Subscribe subscribes to a channel and returns its payloads.
// The returned cleanup function closes the subscription and the channel.
func (c *Client) Subscribe(channel string) (<-chan string, func(), error) {
	pubsub := c.client.Subscribe(c.ctx, channel)

	// Wait for the subscription to be confirmed
	if _, err := pubsub.Receive(c.ctx); err != nil {
		pubsub.Close()
		return nil, nil, fmt.Errorf("failed to subscribe to %s: %w", channel, err)
	}

	out := make(chan string)
	done := make(chan struct{})
	go func() {
		defer close(out)
		for msg := range pubsub.Channel() {
			select {
			case out <- msg.Payload:
			case <-done:
				return
			case <-c.ctx.Done():
				return
			}
		}
	}()

	cleanup := func() {
		close(done)
		pubsub.Close()
	}

	return out, cleanup, nil
}

// Publish publishes a message to a channel
func (c *Client) Publish(channel, message string) error {
	return c.client.Publish(c.ctx, channel, message).Err()
}

// GetVehicleState gets the vehicle state from Redis
func (c *Client) GetVehicleState(vehicleHashKey string) (string, error) {
	state, err := c.client.HGet(c.ctx, vehicleHashKey, "state").Result()
	if err == redis.Nil {
		return "", nil
	}
	return state, err
}

// GetOTAStatus gets the OTA status hash from Redis
func (c *Client) GetOTAStatus(otaHashKey string) (map[string]string, error) {
	return c.client.HGetAll(c.ctx, otaHashKey).Result()
}

// TriggerReboot asks the power manager to reboot the device
func (c *Client) TriggerReboot() error {
	if err := c.client.LPush(c.ctx, PowerCommandListKey, "reboot").Err(); err != nil {
		return fmt.Errorf("failed to request reboot: %w", err)
	}
	return nil
}
