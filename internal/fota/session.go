package fota

import (
	"fmt"
	"log"
	"time"

	"github.com/librescoot/fota-service/internal/flash"
)

// Session is the update state machine: Idle -> Downloading (Open, then Write
// any number of times) -> Idle (Finish or Reset). A successful PerformUpgrade
// moves it to Upgrading, which it never leaves.
type Session struct {
	coord  Coordinator
	sched  Scheduler
	logger *log.Logger

	rebootDelay time.Duration
	block       []byte
	writer      *flash.AlignedWriter

	active    bool
	verified  bool
	upgrading bool
	received  int
}

// NewSession creates an idle session bound to the given slot coordinator and
// scheduler.
func NewSession(coord Coordinator, sched Scheduler, opts ...Option) *Session {
	if coord == nil {
		panic("fota: coordinator cannot be nil")
	}
	if sched == nil {
		panic("fota: scheduler cannot be nil")
	}

	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	return &Session{
		coord:       coord,
		sched:       sched,
		logger:      cfg.logger,
		rebootDelay: cfg.rebootDelay,
		block:       make([]byte, cfg.alignment),
	}
}

// Open starts a download: it prepares the download slot and binds a fresh
// aligned writer to it. Opening an active session abandons the previous
// download.
func (s *Session) Open(uri, etag string) error {
	if s.upgrading {
		return ErrUpgradeScheduled
	}
	if s.active {
		s.logger.Printf("Abandoning download after %d bytes, new download requested", s.received)
	}
	s.active = false
	s.verified = false

	if err := s.coord.InitDownloadSlot(); err != nil {
		return fmt.Errorf("failed to initialize download slot: %w", err)
	}

	s.writer = flash.NewAlignedWriter(s.block, s.coord.WriteAligned)
	s.received = 0
	s.active = true
	s.logger.Printf("Init successful, downloading %s (etag %q)", uri, etag)

	return nil
}

// Write appends p to the image. It panics if no download is open.
func (s *Session) Write(p []byte) error {
	if !s.active {
		panic(&ProtocolMisuseError{Op: "write"})
	}

	if _, err := s.writer.Write(p); err != nil {
		return &SinkError{Offset: s.writer.Offset(), Err: err}
	}

	s.received += len(p)
	s.logger.Printf("Downloaded %d bytes", s.received)

	return nil
}

// Finish ends the download, flushes the final block and verifies the image
// over exactly the received bytes. The session is idle afterwards whatever
// the outcome. It panics if no download is open.
//
// A verified image is not yet accepted for boot; see PerformUpgrade.
func (s *Session) Finish() error {
	if !s.active {
		panic(&ProtocolMisuseError{Op: "finish"})
	}
	s.active = false

	if err := s.writer.Flush(); err != nil {
		s.logger.Printf("Failed to finish download: flush failed: %v", err)
		return &SinkError{Offset: s.writer.Offset(), Err: err}
	}

	if err := s.coord.CheckIntegrity(s.received); err != nil {
		s.logger.Printf("Integrity check failed: %v", err)
		return &IntegrityError{Size: s.received, Err: err}
	}

	s.verified = true
	s.logger.Printf("Download complete, %d bytes verified", s.received)

	return nil
}

// Reset aborts the download. The slot is left unmarked and is ignored by the
// bootloader. Calling Reset on an idle session is a no-op.
func (s *Session) Reset() {
	s.active = false
	s.verified = false
}

// PerformUpgrade marks the verified image valid and schedules the swap and
// reset after the reboot delay. Once it returns nil the reboot will happen and
// the download slot is no longer touched.
func (s *Session) PerformUpgrade() error {
	if s.upgrading {
		return ErrUpgradeScheduled
	}
	if !s.verified {
		return ErrNoVerifiedImage
	}

	if err := s.coord.MarkValid(); err != nil {
		return fmt.Errorf("failed to mark download slot valid: %w", err)
	}
	s.logger.Printf("The firmware will be updated at the next device reset")

	s.sched.Delayed(s.rebootDelay, s.reboot)
	s.upgrading = true
	return nil
}

func (s *Session) reboot() {
	s.logger.Printf("Rebooting")
	s.coord.SwapAndReset()
}

// Upgrading reports whether a reset into the accepted image is scheduled.
func (s *Session) Upgrading() bool {
	return s.upgrading
}

// Active reports whether a download is open.
func (s *Session) Active() bool {
	return s.active
}

// Verified reports whether the last download passed verification and can be
// passed to PerformUpgrade.
func (s *Session) Verified() bool {
	return s.verified
}

// Received returns the number of bytes accepted in the current or last
// download.
func (s *Session) Received() int {
	return s.received
}
