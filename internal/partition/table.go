// Package partition manages the two firmware slots of the device and the
// pointer that selects which one boots next.
//
// Slots are image files inside one directory next to a small YAML table:
//
//	<dir>/slot-a.img
//	<dir>/slot-b.img
//	<dir>/slots.yaml
//	<dir>/slots.lock
//
// A write session holds an exclusive flock on slots.lock, so two processes
// sharing the directory never write the inactive slot at the same time.
//
// A new image is always written to the slot that is not running. It only
// becomes the boot target after Finalize succeeded.
package partition

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sys/unix"
	"gopkg.in/yaml.v3"

	"github.com/CloudNativeWorks/otad/pkg/logger"
)

// Slot names one of the two firmware partitions.
type Slot string

const (
	SlotA Slot = "a"
	SlotB Slot = "b"
)

// Other returns the opposite slot.
func (s Slot) Other() Slot {
	if s == SlotA {
		return SlotB
	}
	return SlotA
}

func (s Slot) valid() bool {
	return s == SlotA || s == SlotB
}

const (
	// DefaultMagic is the first byte of an ESP-style application image.
	DefaultMagic byte = 0xE9
	// DefaultSlotSize bounds one image.
	DefaultSlotSize int64 = 4 * 1024 * 1024

	tableFile = "slots.yaml"
	lockFile  = "slots.lock"
)

var (
	ErrBusy          = errors.New("partition write already in progress")
	ErrNoFreeSlot    = errors.New("no free partition")
	ErrImageTooLarge = errors.New("image does not fit the partition")
	ErrBadMagic      = errors.New("image magic byte mismatch")
	ErrEmptyImage    = errors.New("image is empty")
	ErrSessionClosed = errors.New("partition session already closed")
)

// SlotInfo is the metadata kept for a finalized slot.
type SlotInfo struct {
	Label     string    `yaml:"label,omitempty"`
	Size      int64     `yaml:"size"`
	SHA256    string    `yaml:"sha256"`
	WrittenAt time.Time `yaml:"written_at"`
	Bootable  bool      `yaml:"bootable"`
}

// State is the persisted partition table.
type State struct {
	Boot  Slot              `yaml:"boot"`
	Slots map[Slot]SlotInfo `yaml:"slots"`
}

// Writer receives one image. Callers must either Finalize or Abort it;
// calling Abort after Finalize is a no-op, so `defer w.Abort()` is safe.
type Writer interface {
	Write(p []byte) (int, error)
	Written() int64
	Slot() Slot
	Finalize() error
	Abort()
}

// Options configures a Table.
type Options struct {
	SlotSize int64
	Magic    byte
}

// Table is the file backed A/B partition table.
type Table struct {
	dir      string
	slotSize int64
	magic    byte
	logger   *logger.Logger

	mu      sync.Mutex
	state   State
	running Slot
	busy    bool
	lock    *os.File
}

// Open loads (or creates) the table in dir. The slot that is the boot target
// when the process starts is treated as the running one.
func Open(dir string, opts Options, log *logger.Logger) (*Table, error) {
	if opts.SlotSize <= 0 {
		opts.SlotSize = DefaultSlotSize
	}
	if opts.Magic == 0 {
		opts.Magic = DefaultMagic
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create partition directory: %w", err)
	}

	t := &Table{
		dir:      dir,
		slotSize: opts.SlotSize,
		magic:    opts.Magic,
		logger:   log,
	}

	state, err := t.load()
	if err != nil {
		return nil, err
	}
	t.state = state
	t.running = state.Boot

	log.WithFields(logger.Fields{
		"dir":       dir,
		"running":   t.running,
		"slot_size": t.slotSize,
	}).Info("Partition table opened")

	return t, nil
}

func (t *Table) path(name string) string {
	return filepath.Join(t.dir, name)
}

func (t *Table) slotPath(s Slot) string {
	return t.path(fmt.Sprintf("slot-%s.img", s))
}

func (t *Table) load() (State, error) {
	data, err := os.ReadFile(t.path(tableFile))
	if os.IsNotExist(err) {
		return State{Boot: SlotA, Slots: map[Slot]SlotInfo{}}, nil
	}
	if err != nil {
		return State{}, fmt.Errorf("failed to read partition table: %w", err)
	}

	var state State
	if err := yaml.Unmarshal(data, &state); err != nil {
		return State{}, fmt.Errorf("failed to parse partition table: %w", err)
	}
	if !state.Boot.valid() {
		return State{}, fmt.Errorf("partition table names unknown boot slot %q", state.Boot)
	}
	if state.Slots == nil {
		state.Slots = map[Slot]SlotInfo{}
	}
	return state, nil
}

// save writes the table atomically: temp file, fsync, rename, fsync dir.
func (t *Table) save(state State) error {
	data, err := yaml.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to encode partition table: %w", err)
	}

	tmp := t.path(tableFile + ".tmp")
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("failed to write partition table: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to write partition table: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to sync partition table: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, t.path(tableFile)); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace partition table: %w", err)
	}
	return t.syncDir()
}

func (t *Table) syncDir() error {
	d, err := os.Open(t.dir)
	if err != nil {
		return err
	}
	defer d.Close()
	if err := unix.Fsync(int(d.Fd())); err != nil {
		return fmt.Errorf("failed to sync partition directory: %w", err)
	}
	return nil
}

// Running returns the slot the current process was booted from.
func (t *Table) Running() Slot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running
}

// BootTarget returns the slot the next boot will load.
func (t *Table) BootTarget() Slot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state.Boot
}

// Snapshot returns a copy of the persisted table.
func (t *Table) Snapshot() State {
	t.mu.Lock()
	defer t.mu.Unlock()

	cp := State{Boot: t.state.Boot, Slots: make(map[Slot]SlotInfo, len(t.state.Slots))}
	for k, v := range t.state.Slots {
		cp.Slots[k] = v
	}
	return cp
}

// SlotSize is the largest image a slot accepts.
func (t *Table) SlotSize() int64 {
	return t.slotSize
}

// Begin opens a write session on the inactive slot. Only one session may
// exist at a time, across every process using the same directory.
func (t *Table) Begin(label string) (Writer, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.busy {
		return nil, ErrBusy
	}

	lock, err := t.acquire()
	if err != nil {
		return nil, err
	}

	// another process may have switched the boot target since Open
	state, err := t.load()
	if err != nil {
		unlock(lock)
		return nil, err
	}
	t.state = state

	target := t.running.Other()
	partial := t.slotPath(target) + ".partial"
	f, err := os.OpenFile(partial, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		unlock(lock)
		return nil, fmt.Errorf("%w: %v", ErrNoFreeSlot, err)
	}

	t.busy = true
	t.lock = lock
	t.logger.WithFields(logger.Fields{
		"slot":  target,
		"label": label,
	}).Info("Partition write session started")

	return newSession(t, target, label, f, partial), nil
}

// acquire takes the exclusive write lock without waiting.
func (t *Table) acquire() (*os.File, error) {
	f, err := os.OpenFile(t.path(lockFile), os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open partition lock: %w", err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, ErrBusy
		}
		return nil, fmt.Errorf("failed to lock partition table: %w", err)
	}
	return f, nil
}

func unlock(f *os.File) {
	_ = unix.Flock(int(f.Fd()), unix.LOCK_UN)
	_ = f.Close()
}

func (t *Table) release() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.lock != nil {
		unlock(t.lock)
		t.lock = nil
	}
	t.busy = false
}

// commit makes slot the boot target after its image file is in place. The
// table is re-read first so entries written by another process survive.
func (t *Table) commit(slot Slot, info SlotInfo) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	cur, err := t.load()
	if err != nil {
		return err
	}

	next := State{Boot: slot, Slots: make(map[Slot]SlotInfo, len(cur.Slots)+1)}
	for k, v := range cur.Slots {
		next.Slots[k] = v
	}
	next.Slots[slot] = info

	if err := t.save(next); err != nil {
		return err
	}
	t.state = next
	return nil
}
