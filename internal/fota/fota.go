// Package fota implements the firmware-over-the-air update session: the
// open/write/finish/reset state machine driven by a transport, aligned
// persistence of the incoming image into a flash slot, and the deferred
// reboot into a verified image.
//
// A Session is not safe for concurrent use. Callers running the transport
// and the deferred reboot on different goroutines must serialize them, for
// example by driving both from a single sched.Scheduler.
package fota

import "time"

// BootStatus reports why the device booted into the running image.
type BootStatus interface {
	// BootedAfterUpdate reports whether the running slot was just swapped in.
	BootedAfterUpdate() bool
	// BootedAfterRollback reports whether the bootloader reverted a swap.
	BootedAfterRollback() bool
}

// Coordinator provides the slot lifecycle primitives of the bootloader.
type Coordinator interface {
	BootStatus

	// InitDownloadSlot erases and prepares the inactive slot.
	InitDownloadSlot() error
	// WriteAligned writes one block into the download slot. len(src) is the
	// alignment quantum except for the final short block.
	WriteAligned(src []byte, offset int) error
	// CheckIntegrity verifies the first size bytes of the download slot.
	CheckIntegrity(size int) error
	// MarkValid accepts the downloaded image for the next boot. Idempotent.
	MarkValid() error
	// SwapAndReset activates the valid image and resets the device.
	// It does not return on real hardware.
	SwapAndReset()
}

// Scheduler runs a one-shot job after a delay. Scheduled jobs cannot be
// cancelled.
type Scheduler interface {
	Delayed(d time.Duration, fn func())
}

// Handlers is the callback contract exposed to the transport.
type Handlers interface {
	Open(uri, etag string) error
	Write(p []byte) error
	Finish() error
	Reset()
	PerformUpgrade() error
}

var _ Handlers = (*Session)(nil)
