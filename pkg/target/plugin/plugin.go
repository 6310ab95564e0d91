// Package plugin loads the dynamically-linked driver described by
// spec.md §6.2: a shared object exposing a fixed set of C entry points
// (esrv_init_platform, esrv_close_platform, esrv_write_to,
// esrv_read_from, esrv_get_description, esrv_hw_reset,
// e_set_host_verbosity) plus a platform_definition_t the server builds
// its memory/register maps from.
//
// The shared object is opened with the Go standard library's "plugin"
// package, which binds each entry point by its exact name. That package
// opens only Go plugins and resolves exported Go symbols: each entry
// point must be a Go function of the exact type listed in symbols
// below, and a plain C shared object exposing only the C functions
// cannot be loaded.
package plugin

import (
	"fmt"
	gplugin "plugin"
	"sync"

	"github.com/kmate/epiphany-libs/pkg/target"
)

// Bank describes one external memory bank entry of platform_definition_t.
type Bank struct {
	Base uint64
	Size uint64
}

// Chip describes one chip's geometry within platform_definition_t.
type Chip struct {
	Rows           int
	Cols           int
	CoreMemorySize uint64
	XIDBase        int
	YIDBase        int
}

// PlatformDefinition mirrors spec.md §6.2's platform_definition_t: chip
// geometry plus external memory banks, from which the server derives its
// memory_map and register_map.
type PlatformDefinition struct {
	Chips []Chip
	Banks []Bank
}

// symbols is the fixed ABI surface resolved by name from the shared
// object, spec.md §6.2.
type symbols struct {
	initPlatform     func(*PlatformDefinition, int) int
	closePlatform    func() int
	writeTo          func(addr uint32, buf []byte) int
	readFrom         func(addr uint32, buf []byte) int
	getDescription   func() string
	hwReset          func() int
	setHostVerbosity func(int)
}

// Driver adapts a loaded shared object to target.Port, serializing every
// call through a single mutex held for the duration of bursts and never
// across socket I/O (spec.md §5's driver mutex rule).
type Driver struct {
	mu sync.Mutex

	sym symbols

	memoryMap   map[int]target.Window
	registerMap map[int]target.Window

	coreSpace     target.LocalAddr
	wordBytes     int
	doubleBytes   int
	maxReadChunk  int
	maxWriteChunk int
}

// Load opens path, resolves the §6.2 symbol set, and initializes the
// platform with def at the given verbosity. Symbol lookup failure and
// esrv_init_platform returning non-zero are both fatal per spec.md §7's
// "Platform reset failure ... Fatal" row (generalized here to platform
// init as a whole).
func Load(path string, def *PlatformDefinition, verbosity int) (*Driver, error) {
	lib, err := gplugin.Open(path)
	if err != nil {
		return nil, fmt.Errorf("plugin: opening %s: %w", path, err)
	}

	sym, err := resolveSymbols(lib)
	if err != nil {
		return nil, err
	}

	if rc := sym.initPlatform(def, verbosity); rc != 0 {
		return nil, fmt.Errorf("plugin: esrv_init_platform failed: rc=%d", rc)
	}

	d := &Driver{
		sym:           sym,
		memoryMap:     buildWindows(def, 20 /* CoreId shift, spec.md §3 */),
		registerMap:   map[int]target.Window{},
		coreSpace:     1 << 20,
		wordBytes:     4,
		doubleBytes:   8,
		maxReadChunk:  16,
		maxWriteChunk: 16,
	}
	return d, nil
}

// resolveSymbols looks up every §6.2 entry point by its exact C name.
// Go's plugin.Lookup returns exported Go symbols (typically small Go
// shims around the real cgo-exported C functions supplied by the driver
// author); each symbol is asserted to the one fixed Go function type
// listed in symbols, and a symbol of any other type panics.
func resolveSymbols(lib *gplugin.Plugin) (symbols, error) {
	var sym symbols
	var err error

	lookup := func(name string) gplugin.Symbol {
		if err != nil {
			return nil
		}
		s, lerr := lib.Lookup(name)
		if lerr != nil {
			err = fmt.Errorf("plugin: missing symbol %s: %w", name, lerr)
			return nil
		}
		return s
	}

	if s := lookup("esrv_init_platform"); s != nil {
		sym.initPlatform = s.(func(*PlatformDefinition, int) int)
	}
	if s := lookup("esrv_close_platform"); s != nil {
		sym.closePlatform = s.(func() int)
	}
	if s := lookup("esrv_write_to"); s != nil {
		sym.writeTo = s.(func(uint32, []byte) int)
	}
	if s := lookup("esrv_read_from"); s != nil {
		sym.readFrom = s.(func(uint32, []byte) int)
	}
	if s := lookup("esrv_get_description"); s != nil {
		sym.getDescription = s.(func() string)
	}
	if s := lookup("esrv_hw_reset"); s != nil {
		sym.hwReset = s.(func() int)
	}
	if s := lookup("e_set_host_verbosity"); s != nil {
		sym.setHostVerbosity = s.(func(int))
	}

	return sym, err
}

// buildWindows derives memory_map from the chip geometry the way
// original_source/src/e-server/src/TargetControlHardware.cpp does:
// each core's window base is (row<<shift_col_bits | col) << coreIdShift,
// sized at CoreMemorySize.
func buildWindows(def *PlatformDefinition, coreIDShift uint) map[int]target.Window {
	windows := make(map[int]target.Window)
	index := 0
	for _, chip := range def.Chips {
		for row := 0; row < chip.Rows; row++ {
			for col := 0; col < chip.Cols; col++ {
				coreID := uint32(chip.YIDBase+row)<<6 | uint32(chip.XIDBase+col)
				base := target.GlobalAddr(coreID << coreIDShift)
				end := base + target.GlobalAddr(chip.CoreMemorySize) - 1
				windows[index] = target.Window{Base: base, End: end}
				index++
			}
		}
	}
	for _, bank := range def.Banks {
		windows[index] = target.Window{
			Base: target.GlobalAddr(bank.Base),
			End:  target.GlobalAddr(bank.Base + bank.Size - 1),
		}
		index++
	}
	return windows
}

func (d *Driver) Read(addr target.GlobalAddr, buf []byte, n int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	got := d.sym.readFrom(uint32(addr), buf[:n])
	if got != n {
		return &target.ErrShortTransfer{Addr: addr, Requested: n, Completed: got}
	}
	return nil
}

func (d *Driver) Write(addr target.GlobalAddr, buf []byte, n int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	got := d.sym.writeTo(uint32(addr), buf[:n])
	if got != n {
		return &target.ErrShortTransfer{Addr: addr, Requested: n, Completed: got}
	}
	return nil
}

func (d *Driver) ReadBurst(addr target.GlobalAddr, buf []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	read := func(a target.GlobalAddr, b []byte) (int, error) {
		return d.sym.readFrom(uint32(a), b), nil
	}
	return target.DecomposeRead(addr, buf, d.wordBytes, d.maxReadChunk, read)
}

func (d *Driver) WriteBurst(addr target.GlobalAddr, buf []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	write := func(a target.GlobalAddr, b []byte) (int, error) {
		return d.sym.writeTo(uint32(a), b), nil
	}
	return target.DecomposeWrite(addr, buf, d.doubleBytes, d.maxWriteChunk, write)
}

func (d *Driver) Reset() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if rc := d.sym.hwReset(); rc != 0 {
		return fmt.Errorf("plugin: esrv_hw_reset failed: rc=%d", rc)
	}
	return nil
}

func (d *Driver) Describe() (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sym.getDescription(), nil
}

func (d *Driver) MemoryMap() map[int]target.Window   { return d.memoryMap }
func (d *Driver) RegisterMap() map[int]target.Window { return d.registerMap }

func (d *Driver) CoreSpaceThreshold() target.LocalAddr { return d.coreSpace }
func (d *Driver) WordBytes() int                       { return d.wordBytes }
func (d *Driver) DoubleBytes() int                      { return d.doubleBytes }
func (d *Driver) MaxReadChunk() int                     { return d.maxReadChunk }
func (d *Driver) MaxWriteChunk() int                    { return d.maxWriteChunk }

// Close releases the platform, per esrv_close_platform.
func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if rc := d.sym.closePlatform(); rc != 0 {
		return fmt.Errorf("plugin: esrv_close_platform failed: rc=%d", rc)
	}
	return nil
}

// SetHostVerbosity forwards to e_set_host_verbosity.
func (d *Driver) SetHostVerbosity(level int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sym.setHostVerbosity(level)
}

var _ target.Port = (*Driver)(nil)
