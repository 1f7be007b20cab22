package dfu

import (
	"fmt"
	"hash/crc32"
)

// Target is the firmware store being updated.
type Target interface {
	// RunningImage is 'A' or 'B', the slot the case runs from.
	RunningImage() byte
	// Busy reports an update already under way by other means.
	Busy() bool
	// Erase clears the spare slot.
	Erase() error
	// Write stores data at addr. Addresses outside the spare slot are
	// ignored.
	Write(addr uint32, data []byte) error
	// Verify checks what was written against the S0 header.
	Verify(h Header) error
	// Reboot restarts into the spare slot.
	Reboot()
	// PendingCommit reports a new image that runs but is not committed.
	PendingCommit() bool
	// Commit marks the running image good.
	Commit() error
}

// MemTarget keeps the spare slot in memory. Its checksum is CRC-32 (IEEE)
// over the bytes written.
type MemTarget struct {
	base, size uint32
	running    byte
	image      []byte
	end        uint32

	verified bool
	pending  bool
	busy     bool
	count    uint32
	reboots  int

	// FailCommit makes Commit fail, for exercising the error path.
	FailCommit bool
}

func NewMemTarget(base, size uint32) *MemTarget {
	return &MemTarget{base: base, size: size, running: 'A'}
}

func (m *MemTarget) RunningImage() byte  { return m.running }
func (m *MemTarget) Busy() bool          { return m.busy }
func (m *MemTarget) PendingCommit() bool { return m.pending }

// SetBusy marks an update as already running.
func (m *MemTarget) SetBusy(busy bool) { m.busy = busy }

func (m *MemTarget) Erase() error {
	m.image = make([]byte, m.size)
	for i := range m.image {
		m.image[i] = 0xFF
	}
	m.end = m.base
	m.verified = false
	return nil
}

func (m *MemTarget) Write(addr uint32, data []byte) error {
	if m.image == nil {
		return ErrFlashFailed
	}
	if addr < m.base || addr+uint32(len(data)) > m.base+m.size {
		return nil
	}
	copy(m.image[addr-m.base:], data)
	if e := addr + uint32(len(data)); e > m.end {
		m.end = e
	}
	return nil
}

// Checksum is the CRC over the written part of the spare slot.
func (m *MemTarget) Checksum() uint32 {
	if m.image == nil {
		return 0
	}
	return crc32.ChecksumIEEE(m.image[:m.end-m.base])
}

func (m *MemTarget) Verify(h Header) error {
	want := h.ChecksumB
	if m.running == 'B' {
		want = h.ChecksumA
	}
	if got := m.Checksum(); got != want {
		return fmt.Errorf("%w: 0x%08X, expected 0x%08X", ErrImageChecksum, got, want)
	}
	m.verified = true
	return nil
}

// Reboot boots a verified spare image, uncommitted. An uncommitted image
// that reboots again falls back to the previous one.
func (m *MemTarget) Reboot() {
	m.reboots++
	switch {
	case m.verified:
		m.swap()
		m.verified = false
		m.pending = true
	case m.pending:
		m.swap()
		m.pending = false
	}
}

func (m *MemTarget) swap() {
	if m.running == 'A' {
		m.running = 'B'
	} else {
		m.running = 'A'
	}
}

func (m *MemTarget) Commit() error {
	if m.FailCommit {
		return ErrWriteCount
	}
	m.count++
	m.pending = false
	return nil
}

// Image returns the written part of the spare slot.
func (m *MemTarget) Image() []byte {
	if m.image == nil {
		return nil
	}
	return m.image[:m.end-m.base]
}

// Reboots counts Reboot calls.
func (m *MemTarget) Reboots() int { return m.reboots }

// Count is the number of committed images.
func (m *MemTarget) Count() uint32 { return m.count }
