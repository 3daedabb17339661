package partition

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"os"
	"sync"
	"time"

	"github.com/CloudNativeWorks/otad/pkg/logger"
)

// Session is the Writer handed out by Table.Begin.
type Session struct {
	table   *Table
	slot    Slot
	label   string
	file    *os.File
	partial string
	hasher  hash.Hash

	mu      sync.Mutex
	written int64
	first   byte
	closed  bool
}

func newSession(t *Table, slot Slot, label string, f *os.File, partial string) *Session {
	return &Session{
		table:   t,
		slot:    slot,
		label:   label,
		file:    f,
		partial: partial,
		hasher:  sha256.New(),
	}
}

// Slot is the slot being written.
func (s *Session) Slot() Slot {
	return s.slot
}

// Written returns the number of bytes accepted so far.
func (s *Session) Written() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.written
}

func (s *Session) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrSessionClosed
	}
	if s.written+int64(len(p)) > s.table.slotSize {
		return 0, fmt.Errorf("%w: %d bytes exceed slot size %d", ErrImageTooLarge, s.written+int64(len(p)), s.table.slotSize)
	}
	if len(p) == 0 {
		return 0, nil
	}
	if s.written == 0 {
		s.first = p[0]
	}

	n, err := s.file.Write(p)
	s.hasher.Write(p[:n])
	s.written += int64(n)
	return n, err
}

// Abort drops the partial image. The boot target is never touched.
func (s *Session) Abort() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.closeLocked()
	s.table.logger.WithFields(logger.Fields{
		"slot":    s.slot,
		"written": s.written,
	}).Warn("Partition write aborted")
}

func (s *Session) closeLocked() {
	s.closed = true
	s.file.Close()
	os.Remove(s.partial)
	s.table.release()
}

// Finalize validates the image, moves it into the slot and switches the
// boot target. On error the session is aborted.
func (s *Session) Finalize() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSessionClosed
	}

	if s.written == 0 {
		s.closeLocked()
		return ErrEmptyImage
	}
	if s.first != s.table.magic {
		s.closeLocked()
		return fmt.Errorf("%w: got 0x%02X, want 0x%02X", ErrBadMagic, s.first, s.table.magic)
	}

	if err := s.file.Sync(); err != nil {
		s.closeLocked()
		return fmt.Errorf("failed to sync image: %w", err)
	}
	if err := s.file.Close(); err != nil {
		s.closed = true
		os.Remove(s.partial)
		s.table.release()
		return fmt.Errorf("failed to close image: %w", err)
	}
	s.closed = true
	defer s.table.release()

	if err := os.Rename(s.partial, s.table.slotPath(s.slot)); err != nil {
		os.Remove(s.partial)
		return fmt.Errorf("failed to move image into slot %s: %w", s.slot, err)
	}

	info := SlotInfo{
		Label:     s.label,
		Size:      s.written,
		SHA256:    hex.EncodeToString(s.hasher.Sum(nil)),
		WrittenAt: time.Now().UTC(),
		Bootable:  true,
	}
	if err := s.table.commit(s.slot, info); err != nil {
		return fmt.Errorf("failed to switch boot target: %w", err)
	}

	s.table.logger.WithFields(logger.Fields{
		"slot":   s.slot,
		"size":   s.written,
		"sha256": info.SHA256,
	}).Info("Boot target switched")
	return nil
}
