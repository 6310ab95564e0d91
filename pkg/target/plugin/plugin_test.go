package plugin

import "testing"

// TestBuildWindowsOrdersCoresThenBanks covers the pure part of Load's
// platform-definition translation (the rest needs a real .so to open),
// mirroring original_source/src/e-server/src/TargetControlHardware.cpp's
// "core window, shifted by 20, sized at CoreMemorySize" rule plus
// external banks appended after every core.
func TestBuildWindowsOrdersCoresThenBanks(t *testing.T) {
	def := &PlatformDefinition{
		Chips: []Chip{{Rows: 1, Cols: 2, CoreMemorySize: 0x100000, XIDBase: 8, YIDBase: 32}},
		Banks: []Bank{{Base: 0x8e000000, Size: 0x2000000}},
	}
	windows := buildWindows(def, 20)
	if len(windows) != 3 {
		t.Fatalf("len(windows) = %d, want 3", len(windows))
	}

	core0 := windows[0]
	wantCoreID := uint64(32)<<6 | 8
	if uint64(core0.Base) != wantCoreID<<20 {
		t.Fatalf("core 0 base = %#x, want %#x", core0.Base, wantCoreID<<20)
	}
	if core0.End-core0.Base+1 != 0x100000 {
		t.Fatalf("core 0 size = %#x, want %#x", core0.End-core0.Base+1, 0x100000)
	}

	core1 := windows[1]
	wantCoreID1 := uint64(32)<<6 | 9
	if uint64(core1.Base) != wantCoreID1<<20 {
		t.Fatalf("core 1 base = %#x, want %#x", core1.Base, wantCoreID1<<20)
	}

	bank := windows[2]
	if bank.Base != 0x8e000000 || bank.End != 0x8e000000+0x2000000-1 {
		t.Fatalf("bank window = %+v, want base 0x8e000000 size 0x2000000", bank)
	}
}
