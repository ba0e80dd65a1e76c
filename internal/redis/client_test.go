package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func TestNew_ConnectionFailure(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	if _, err := New(context.Background(), addr); err == nil {
		t.Errorf("Expected error connecting to a closed server")
	}
}

func TestClient_SubscribeAndReboot(t *testing.T) {
	mr := miniredis.RunT(t)
	c, err := New(context.Background(), mr.Addr())
	if err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}
	defer c.Close()

	messages, cleanup, err := c.Subscribe("fw-update")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer cleanup()

	if err := c.Publish("fw-update", "upgrade"); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	select {
	case msg := <-messages:
		if msg != "upgrade" {
			t.Errorf("Expected 'upgrade', got %q", msg)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("No message received")
	}

	if err := c.TriggerReboot(); err != nil {
		t.Fatalf("TriggerReboot failed: %v", err)
	}
	cmds, err := mr.List(PowerCommandListKey)
	if err != nil {
		t.Fatalf("Failed to read power commands: %v", err)
	}
	if len(cmds) != 1 || cmds[0] != "reboot" {
		t.Errorf("Expected [reboot], got %v", cmds)
	}
}

func TestClient_GetVehicleState(t *testing.T) {
	mr := miniredis.RunT(t)
	c, err := New(context.Background(), mr.Addr())
	if err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}
	defer c.Close()

	state, err := c.GetVehicleState("vehicle")
	if err != nil {
		t.Fatalf("GetVehicleState failed: %v", err)
	}
	if state != "" {
		t.Errorf("Expected empty state for a missing hash, got %q", state)
	}

	mr.HSet("vehicle", "state", "parked")
	state, err = c.GetVehicleState("vehicle")
	if err != nil {
		t.Fatalf("GetVehicleState failed: %v", err)
	}
	if state != "parked" {
		t.Errorf("Expected 'parked', got %q", state)
	}
}
