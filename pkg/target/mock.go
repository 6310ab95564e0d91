package target

import "sync"

// Mock is an in-memory Port used by tests and by --platform-yaml bring-up
// without hardware (spec.md §9's note on the historical simulator
// subclass of TargetControl). All access is serialized by a single
// mutex, held for the duration of bursts and never across socket I/O,
// matching the discipline required of a real driver (spec.md §5).
type Mock struct {
	mu sync.Mutex

	mem map[GlobalAddr]byte

	memoryMap   map[int]Window
	registerMap map[int]Window

	coreSpace     LocalAddr
	wordBytes     int
	doubleBytes   int
	maxReadChunk  int
	maxWriteChunk int

	resetCount int
	describe   string
}

// NewMock returns a Mock with the given memory/register maps and fixed
// Epiphany-typical parameters: 4-byte word, 8-byte double, burst reads
// of up to 16 words, burst writes of up to 16 double-words, and a 1 MiB
// core-space threshold.
func NewMock(memoryMap, registerMap map[int]Window) *Mock {
	return &Mock{
		mem:           make(map[GlobalAddr]byte),
		memoryMap:     memoryMap,
		registerMap:   registerMap,
		coreSpace:     1 << 20,
		wordBytes:     4,
		doubleBytes:   8,
		maxReadChunk:  16,
		maxWriteChunk: 16,
		describe:      "mock epiphany target",
	}
}

func (m *Mock) Read(addr GlobalAddr, buf []byte, n int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := 0; i < n; i++ {
		buf[i] = m.mem[addr+GlobalAddr(i)]
	}
	return nil
}

func (m *Mock) Write(addr GlobalAddr, buf []byte, n int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := 0; i < n; i++ {
		m.mem[addr+GlobalAddr(i)] = buf[i]
	}
	return nil
}

func (m *Mock) ReadBurst(addr GlobalAddr, buf []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	read := func(a GlobalAddr, b []byte) (int, error) {
		for i := range b {
			b[i] = m.mem[a+GlobalAddr(i)]
		}
		return len(b), nil
	}
	return DecomposeRead(addr, buf, m.wordBytes, m.maxReadChunk, read)
}

func (m *Mock) WriteBurst(addr GlobalAddr, buf []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	write := func(a GlobalAddr, b []byte) (int, error) {
		for i, v := range b {
			m.mem[a+GlobalAddr(i)] = v
		}
		return len(b), nil
	}
	return DecomposeWrite(addr, buf, m.doubleBytes, m.maxWriteChunk, write)
}

func (m *Mock) Reset() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resetCount++
	return nil
}

func (m *Mock) ResetCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.resetCount
}

func (m *Mock) Describe() (string, error) { return m.describe, nil }

func (m *Mock) MemoryMap() map[int]Window   { return m.memoryMap }
func (m *Mock) RegisterMap() map[int]Window { return m.registerMap }

func (m *Mock) CoreSpaceThreshold() LocalAddr { return m.coreSpace }
func (m *Mock) WordBytes() int                { return m.wordBytes }
func (m *Mock) DoubleBytes() int              { return m.doubleBytes }
func (m *Mock) MaxReadChunk() int             { return m.maxReadChunk }
func (m *Mock) MaxWriteChunk() int            { return m.maxWriteChunk }

var _ Port = (*Mock)(nil)
