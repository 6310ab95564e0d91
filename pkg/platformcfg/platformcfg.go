// Package platformcfg loads a platform description from a YAML fixture,
// for bring-up and tests without hardware — the modern equivalent of the
// simulator subclass of TargetControl the original source used to carry.
// Loading from a real driver shared object is done by
// pkg/target/plugin.Load, not here.
package platformcfg

import (
	"fmt"
	"os"

	"github.com/kmate/epiphany-libs/pkg/target"
	"github.com/kmate/epiphany-libs/pkg/target/plugin"
	"gopkg.in/yaml.v2"
)

// yamlDefinition is the YAML-friendly shape of plugin.PlatformDefinition.
type yamlDefinition struct {
	Chips []struct {
		Rows           int    `yaml:"rows"`
		Cols           int    `yaml:"cols"`
		CoreMemorySize uint64 `yaml:"core_memory_size"`
		XIDBase        int    `yaml:"xid_base"`
		YIDBase        int    `yaml:"yid_base"`
	} `yaml:"chips"`
	Banks []struct {
		Base uint64 `yaml:"base"`
		Size uint64 `yaml:"size"`
	} `yaml:"banks"`
}

// LoadYAML parses a platform description file, returning the same shape
// Load would build from a real driver's platform_definition_t.
func LoadYAML(path string) (*plugin.PlatformDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("platformcfg: reading %s: %w", path, err)
	}

	var y yamlDefinition
	if err := yaml.Unmarshal(data, &y); err != nil {
		return nil, fmt.Errorf("platformcfg: parsing %s: %w", path, err)
	}

	def := &plugin.PlatformDefinition{}
	for _, c := range y.Chips {
		def.Chips = append(def.Chips, plugin.Chip{
			Rows:           c.Rows,
			Cols:           c.Cols,
			CoreMemorySize: c.CoreMemorySize,
			XIDBase:        c.XIDBase,
			YIDBase:        c.YIDBase,
		})
	}
	for _, b := range y.Banks {
		def.Banks = append(def.Banks, plugin.Bank{Base: b.Base, Size: b.Size})
	}
	return def, nil
}

// MockFromYAML builds a target.Mock whose memory/register maps reflect
// the YAML platform description, for driving the server without a real
// shared object.
func MockFromYAML(path string) (*target.Mock, error) {
	def, err := LoadYAML(path)
	if err != nil {
		return nil, err
	}

	memoryMap := make(map[int]target.Window)
	index := 0
	for _, chip := range def.Chips {
		for row := 0; row < chip.Rows; row++ {
			for col := 0; col < chip.Cols; col++ {
				coreID := uint32(chip.YIDBase+row)<<6 | uint32(chip.XIDBase+col)
				base := target.GlobalAddr(coreID << 20)
				end := base + target.GlobalAddr(chip.CoreMemorySize) - 1
				memoryMap[index] = target.Window{Base: base, End: end}
				index++
			}
		}
	}
	for _, bank := range def.Banks {
		memoryMap[index] = target.Window{
			Base: target.GlobalAddr(bank.Base),
			End:  target.GlobalAddr(bank.Base + bank.Size - 1),
		}
		index++
	}

	return target.NewMock(memoryMap, map[int]target.Window{}), nil
}
