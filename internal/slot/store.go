// Package slot emulates a two-slot (A/B) firmware flash layout on a host
// directory, together with the bootloader decisions taken at power-on.
//
// Images are stored as payload || sha256(payload). A downloaded image marked
// valid is swapped in on the next boot and must be confirmed by the new
// firmware before the following boot, otherwise the bootloader rolls back.
package slot

import (
	"bytes"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
)

const (
	// DefaultAlignment is the program page size of the emulated flash.
	DefaultAlignment = 256
	// TrailerSize is the size of the digest appended to every image.
	TrailerSize = sha256.Size

	stateFile = "state.json"
)

var (
	// ErrSlotOverflow is returned for writes past the end of the slot.
	ErrSlotOverflow = errors.New("write exceeds slot size")
	// ErrUnaligned is returned for writes not starting on a page boundary or
	// longer than a page.
	ErrUnaligned = errors.New("unaligned flash write")
	// ErrImageTooSmall is returned when an image cannot hold its trailer.
	ErrImageTooSmall = errors.New("image smaller than its digest trailer")
	// ErrDigestMismatch is returned when the image trailer does not match.
	ErrDigestMismatch = errors.New("image digest mismatch")
)

// Geometry describes the emulated flash layout.
type Geometry struct {
	// SlotSize is the capacity of each slot in bytes.
	SlotSize int
	// Alignment is the program page size; every write but the last starts
	// on and spans exactly one page.
	Alignment int
}

// Validate checks that the geometry is self-consistent.
func (g Geometry) Validate() error {
	if g.Alignment <= 0 {
		return fmt.Errorf("invalid geometry: alignment must be positive, got %d", g.Alignment)
	}
	if g.SlotSize < g.Alignment {
		return fmt.Errorf("invalid geometry: slot size (%d bytes) smaller than alignment (%d bytes)", g.SlotSize, g.Alignment)
	}
	if g.SlotSize%g.Alignment != 0 {
		return fmt.Errorf("invalid geometry: slot size (%d bytes) is not a multiple of alignment (%d bytes)", g.SlotSize, g.Alignment)
	}
	return nil
}

// State is the bootloader state persisted next to the slots.
type State struct {
	// Active is the index of the slot the device boots from.
	Active int `json:"active"`
	// SwapPending is set when the download slot holds an image accepted for
	// the next boot.
	SwapPending bool `json:"swap_pending"`
	// Unconfirmed is set while a freshly swapped image has not been
	// confirmed by the running firmware.
	Unconfirmed bool `json:"unconfirmed"`
	// AfterUpdate and AfterRollback describe the current boot.
	AfterUpdate   bool `json:"after_update"`
	AfterRollback bool `json:"after_rollback"`
}

// Store is a directory-backed slot coordinator.
type Store struct {
	mu     sync.Mutex
	dir    string
	geo    Geometry
	state  State
	reset  func()
	logger *log.Logger
}

// Open opens the slot store in dir, creating it if needed, and applies the
// boot-time decisions of the bootloader: a pending swap activates the
// downloaded image, an unconfirmed image is rolled back. reset is called by
// SwapAndReset to restart the device.
func Open(dir string, geo Geometry, reset func(), logger *log.Logger) (*Store, error) {
	if err := geo.Validate(); err != nil {
		return nil, err
	}
	if reset == nil {
		return nil, fmt.Errorf("reset hook cannot be nil")
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create slot directory %q: %w", dir, err)
	}

	s := &Store{
		dir:    dir,
		geo:    geo,
		reset:  reset,
		logger: logger,
	}

	for i := 0; i < 2; i++ {
		f, err := os.OpenFile(s.ImagePath(i), os.O_RDWR|os.O_CREATE, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to create slot %d: %w", i, err)
		}
		f.Close()
	}

	if err := s.load(); err != nil {
		return nil, err
	}
	if err := s.boot(); err != nil {
		return nil, err
	}

	return s, nil
}

func (s *Store) load() error {
	data, err := os.ReadFile(filepath.Join(s.dir, stateFile))
	if os.IsNotExist(err) {
		s.logger.Printf("No slot state found in %s, starting from slot 0", s.dir)
		s.state = State{}
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read slot state: %w", err)
	}

	if err := json.Unmarshal(data, &s.state); err != nil {
		return fmt.Errorf("failed to decode slot state: %w", err)
	}
	if s.state.Active != 0 && s.state.Active != 1 {
		return fmt.Errorf("invalid active slot %d in slot state", s.state.Active)
	}
	return nil
}

// save writes the state atomically via a temporary file.
func (s *Store) save() error {
	data, err := json.Marshal(s.state)
	if err != nil {
		return fmt.Errorf("failed to encode slot state: %w", err)
	}

	path := filepath.Join(s.dir, stateFile)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write slot state: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to replace slot state: %w", err)
	}
	return nil
}

func (s *Store) boot() error {
	s.state.AfterUpdate = false
	s.state.AfterRollback = false

	switch {
	case s.state.SwapPending:
		s.state.Active = 1 - s.state.Active
		s.state.SwapPending = false
		s.state.Unconfirmed = true
		s.state.AfterUpdate = true
		s.logger.Printf("Swapped in firmware from slot %d", s.state.Active)
	case s.state.Unconfirmed:
		s.state.Active = 1 - s.state.Active
		s.state.Unconfirmed = false
		s.state.AfterRollback = true
		s.logger.Printf("Firmware was not confirmed, rolled back to slot %d", s.state.Active)
	}

	return s.save()
}

// ImagePath returns the backing file of slot i.
func (s *Store) ImagePath(i int) string {
	return filepath.Join(s.dir, fmt.Sprintf("slot-%d.bin", i))
}

// ActiveSlot returns the index of the slot the device booted from.
func (s *Store) ActiveSlot() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Active
}

func (s *Store) downloadPath() string {
	return s.ImagePath(1 - s.state.Active)
}

// InitDownloadSlot erases the inactive slot and withdraws any pending swap.
func (s *Store) InitDownloadSlot() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Truncate(s.downloadPath(), 0); err != nil {
		return fmt.Errorf("failed to erase download slot: %w", err)
	}

	if s.state.SwapPending {
		s.state.SwapPending = false
		if err := s.save(); err != nil {
			return err
		}
	}
	return nil
}

// WriteAligned programs one page of the download slot.
func (s *Store) WriteAligned(src []byte, offset int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if offset%s.geo.Alignment != 0 || len(src) > s.geo.Alignment {
		return fmt.Errorf("%w: %d bytes at offset %d", ErrUnaligned, len(src), offset)
	}
	if offset+len(src) > s.geo.SlotSize {
		return fmt.Errorf("%w: %d bytes at offset %d, slot holds %d", ErrSlotOverflow, len(src), offset, s.geo.SlotSize)
	}

	f, err := os.OpenFile(s.downloadPath(), os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open download slot: %w", err)
	}
	defer f.Close()

	if _, err := f.WriteAt(src, int64(offset)); err != nil {
		return fmt.Errorf("failed to program download slot: %w", err)
	}
	return nil
}

// CheckIntegrity verifies the digest trailer of the first size bytes of the
// download slot.
func (s *Store) CheckIntegrity(size int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if size < TrailerSize {
		return fmt.Errorf("%w: %d bytes", ErrImageTooSmall, size)
	}

	f, err := os.Open(s.downloadPath())
	if err != nil {
		return fmt.Errorf("failed to open download slot: %w", err)
	}
	defer f.Close()

	hash := sha256.New()
	if _, err := io.CopyN(hash, f, int64(size-TrailerSize)); err != nil {
		return fmt.Errorf("failed to read image: %w", err)
	}

	trailer := make([]byte, TrailerSize)
	if _, err := io.ReadFull(f, trailer); err != nil {
		return fmt.Errorf("failed to read image digest: %w", err)
	}

	if sum := hash.Sum(nil); !bytes.Equal(sum, trailer) {
		return fmt.Errorf("%w: expected %x, got %x", ErrDigestMismatch, trailer, sum)
	}

	s.logger.Printf("SHA256 check successful for %d bytes", size)
	return nil
}

// MarkValid accepts the downloaded image for the next boot.
func (s *Store) MarkValid() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state.SwapPending {
		return nil
	}
	s.state.SwapPending = true
	return s.save()
}

// SwapAndReset resets the device; the bootloader swaps in a valid image on
// the way up. The state is already durable, so only the reset hook runs.
func (s *Store) SwapAndReset() {
	s.mu.Lock()
	pending := s.state.SwapPending
	s.mu.Unlock()

	if !pending {
		s.logger.Printf("Resetting without a valid download, booting current firmware again")
	}
	s.reset()
}

// BootedAfterUpdate reports whether this boot swapped in a new image.
func (s *Store) BootedAfterUpdate() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.AfterUpdate
}

// BootedAfterRollback reports whether this boot rolled back an image.
func (s *Store) BootedAfterRollback() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.AfterRollback
}

// ConfirmBoot commits the running image so the next boot keeps it.
func (s *Store) ConfirmBoot() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.state.Unconfirmed {
		return nil
	}
	s.state.Unconfirmed = false
	if err := s.save(); err != nil {
		return err
	}
	s.logger.Printf("Confirmed firmware in slot %d", s.state.Active)
	return nil
}

// AppendDigest returns payload followed by its SHA-256 trailer.
func AppendDigest(payload []byte) []byte {
	sum := sha256.Sum256(payload)
	out := make([]byte, 0, len(payload)+TrailerSize)
	out = append(out, payload...)
	return append(out, sum[:]...)
}
