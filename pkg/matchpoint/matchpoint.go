// Package matchpoint implements the breakpoint/watchpoint substitution
// table described in spec.md §4.A: a unified record of the original bytes
// living under each planted matchpoint, keyed by (kind, address).
package matchpoint

import (
	"errors"
	"fmt"
	"sync"
)

// ErrUnsupportedKind names the case of a Z/z kind digit outside 0-4.
// Nothing in this package returns it: ParseKind reports that case with
// ok == false, and the dispatcher answers it with the empty packet
// rather than an E-code.
var ErrUnsupportedKind = errors.New("matchpoint: unsupported kind")

// Kind is one of the five RSP Z/z matchpoint kinds.
type Kind int

const (
	SoftwareBreakpoint Kind = iota
	HardwareBreakpoint
	WriteWatchpoint
	ReadWatchpoint
	AccessWatchpoint
)

// ParseKind maps an RSP Z/z kind digit (0-4) to a Kind.
func ParseKind(digit int) (Kind, bool) {
	if digit < int(SoftwareBreakpoint) || digit > int(AccessWatchpoint) {
		return 0, false
	}
	return Kind(digit), true
}

func (k Kind) String() string {
	switch k {
	case SoftwareBreakpoint:
		return "sw-bp"
	case HardwareBreakpoint:
		return "hw-bp"
	case WriteWatchpoint:
		return "write-wp"
	case ReadWatchpoint:
		return "read-wp"
	case AccessWatchpoint:
		return "access-wp"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// key identifies a single matchpoint slot.
type key struct {
	kind Kind
	addr uint32
}

// Table records the original instruction/data bytes displaced by a
// matchpoint, so that removal can restore them bit-identically
// (spec.md's Invariant 3). At most one entry exists per (kind, addr).
type Table struct {
	mu      sync.Mutex
	entries map[key][]byte
}

// New returns an empty matchpoint table.
func New() *Table {
	return &Table{entries: make(map[key][]byte)}
}

// Insert records original under (kind, addr), replacing any prior entry.
// It returns the previous value, if any.
func (t *Table) Insert(kind Kind, addr uint32, original []byte) (prior []byte, hadPrior bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	k := key{kind, addr}
	prior, hadPrior = t.entries[k]

	stored := make([]byte, len(original))
	copy(stored, original)
	t.entries[k] = stored
	return prior, hadPrior
}

// Lookup returns the original bytes recorded for (kind, addr), if any.
func (t *Table) Lookup(kind Kind, addr uint32) (original []byte, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	v, ok := t.entries[key{kind, addr}]
	return v, ok
}

// Remove deletes the entry for (kind, addr) if present, returning the
// bytes that were recorded there (for restoration) and whether an entry
// existed at all. Removing a missing key is not an error.
func (t *Table) Remove(kind Kind, addr uint32) (original []byte, existed bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	k := key{kind, addr}
	v, existed := t.entries[k]
	if existed {
		delete(t.entries, k)
	}
	return v, existed
}

// Len reports the number of live matchpoints, for diagnostics and tests.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
