package platformcfg_test

import (
	"testing"

	"github.com/kmate/epiphany-libs/pkg/platformcfg"
)

func TestLoadYAMLMesh(t *testing.T) {
	def, err := platformcfg.LoadYAML("testdata/mesh4x4.yaml")
	if err != nil {
		t.Fatalf("LoadYAML: %v", err)
	}
	if len(def.Chips) != 1 {
		t.Fatalf("chips = %d, want 1", len(def.Chips))
	}
	chip := def.Chips[0]
	if chip.Rows != 4 || chip.Cols != 4 {
		t.Fatalf("geometry = %dx%d, want 4x4", chip.Rows, chip.Cols)
	}
	if len(def.Banks) != 1 || def.Banks[0].Base != 0x8e000000 {
		t.Fatalf("banks = %+v", def.Banks)
	}
}

func TestMockFromYAMLBuildsSixteenCoreWindows(t *testing.T) {
	m, err := platformcfg.MockFromYAML("testdata/mesh4x4.yaml")
	if err != nil {
		t.Fatalf("MockFromYAML: %v", err)
	}
	// 16 cores + 1 external bank.
	if got := len(m.MemoryMap()); got != 17 {
		t.Fatalf("memory map entries = %d, want 17", got)
	}
}
