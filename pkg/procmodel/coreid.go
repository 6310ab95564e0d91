package procmodel

import "fmt"

// CoreId identifies a mesh core by (row, col) (spec.md §3). Its canonical
// 12-bit packed form (row<<6)|col is used both as the map key and as the
// high bits of the global address (CoreId<<20)|localAddress.
type CoreId struct {
	Row uint8
	Col uint8
}

// Packed returns the canonical 12-bit (row<<6)|col form.
func (c CoreId) Packed() uint16 {
	return uint16(c.Row)<<6 | uint16(c.Col)
}

// CoreIdFromPacked reconstructs a CoreId from its packed form.
func CoreIdFromPacked(packed uint16) CoreId {
	return CoreId{Row: uint8(packed >> 6), Col: uint8(packed & 0x3f)}
}

func (c CoreId) String() string {
	return fmt.Sprintf("(%d,%d)", c.Row, c.Col)
}
