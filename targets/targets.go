// Package targets maps chip names to the RAM regions an RTT control block
// scan should cover. The builtin table lists common RTT-capable parts;
// additional chips can be loaded from a YAML file or given directly as a
// range list on the command line.
package targets

import (
	"io/ioutil"
	"sort"
	"strconv"
	"strings"

	"github.com/juju/errors"
	yaml "gopkg.in/yaml.v2"

	"github.com/mongoose-os/rtthost/rtt"
)

type Chip struct {
	Name string      `yaml:"name"`
	RAM  []MemRegion `yaml:"ram"`
}

type MemRegion struct {
	Start uint32 `yaml:"start"`
	Size  uint32 `yaml:"size"`
}

// Builtin chips. Sizes are the smallest RAM configuration of the part so a
// scan never reads unmapped addresses; boards with more RAM can override
// with a chip file or an explicit range list.
var builtin = []*Chip{
	{Name: "esp32c3", RAM: []MemRegion{{0x3FC80000, 0x60000}}},
	{Name: "nrf51822", RAM: []MemRegion{{0x20000000, 0x4000}}},
	{Name: "nrf52832", RAM: []MemRegion{{0x20000000, 0x10000}}},
	{Name: "nrf52840", RAM: []MemRegion{{0x20000000, 0x40000}}},
	{Name: "rp2040", RAM: []MemRegion{{0x20000000, 0x42000}}},
	{Name: "stm32f103", RAM: []MemRegion{{0x20000000, 0x5000}}},
	// Main SRAM first, then CCM: linkers put RTT in .bss which normally
	// lives in the former.
	{Name: "stm32f407", RAM: []MemRegion{{0x20000000, 0x20000}, {0x10000000, 0x10000}}},
	{Name: "stm32l475", RAM: []MemRegion{{0x20000000, 0x18000}, {0x10000000, 0x8000}}},
}

// Builtin returns the builtin chip table, sorted by name.
func Builtin() []*Chip {
	out := make([]*Chip, len(builtin))
	copy(out, builtin)
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Lookup resolves a chip name, case-insensitively, against extra first and
// the builtin table second.
func Lookup(name string, extra []*Chip) (*Chip, error) {
	for _, c := range extra {
		if strings.EqualFold(c.Name, name) {
			return c, nil
		}
	}
	for _, c := range builtin {
		if strings.EqualFold(c.Name, name) {
			return c, nil
		}
	}
	return nil, errors.NotFoundf("chip %q", name)
}

// Ranges converts the chip's RAM regions to scan ranges.
func (c *Chip) Ranges() []rtt.Range {
	var rr []rtt.Range
	for _, m := range c.RAM {
		rr = append(rr, rtt.Range{Start: m.Start, Size: m.Size})
	}
	return rr
}

// LoadFile reads chip descriptions from a YAML file. The file is a list of
// chips:
//
//	- name: myboard
//	  ram:
//	    - {start: 0x20000000, size: 0x10000}
func LoadFile(fname string) ([]*Chip, error) {
	data, err := ioutil.ReadFile(fname)
	if err != nil {
		return nil, errors.Trace(err)
	}
	var chips []*Chip
	if err := yaml.Unmarshal(data, &chips); err != nil {
		return nil, errors.Annotatef(err, "%s", fname)
	}
	for i, c := range chips {
		if c == nil || c.Name == "" {
			return nil, errors.Errorf("%s: chip %d has no name", fname, i)
		}
		if len(c.RAM) == 0 {
			return nil, errors.Errorf("%s: chip %q has no RAM regions", fname, c.Name)
		}
		for _, m := range c.RAM {
			if err := checkRegion(m.Start, m.Size); err != nil {
				return nil, errors.Annotatef(err, "%s: chip %q", fname, c.Name)
			}
		}
	}
	return chips, nil
}

// ParseRanges parses a comma-separated list of start:size pairs, e.g.
// "0x20000000:0x10000,0x10000000:0x8000". Numbers take any base strconv
// accepts with base 0. Empty elements are tolerated so a trailing comma is
// not an error.
func ParseRanges(spec string) ([]rtt.Range, error) {
	var rr []rtt.Range
	for _, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		sp := strings.Split(part, ":")
		if len(sp) != 2 {
			return nil, errors.NotValidf("range %q (want start:size)", part)
		}
		start, err := strconv.ParseUint(sp[0], 0, 32)
		if err != nil {
			return nil, errors.NotValidf("range start %q", sp[0])
		}
		size, err := strconv.ParseUint(sp[1], 0, 32)
		if err != nil {
			return nil, errors.NotValidf("range size %q", sp[1])
		}
		if err := checkRegion(uint32(start), uint32(size)); err != nil {
			return nil, errors.Trace(err)
		}
		rr = append(rr, rtt.Range{Start: uint32(start), Size: uint32(size)})
	}
	if len(rr) == 0 {
		return nil, errors.NotValidf("empty range list %q", spec)
	}
	return rr, nil
}

func checkRegion(start, size uint32) error {
	if size == 0 {
		return errors.Errorf("region 0x%08x has zero size", start)
	}
	if uint64(start)+uint64(size) > 1<<32 {
		return errors.Errorf("region 0x%08x + 0x%x overflows the address space", start, size)
	}
	return nil
}
