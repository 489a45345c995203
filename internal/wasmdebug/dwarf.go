package wasmdebug

import (
	"debug/dwarf"
	"fmt"
	"sort"
	"sync"
)

// DWARFLines resolves source lines of instructions from the .debug_* custom sections.
type DWARFLines struct {
	d *dwarf.Data
	// codeSectionOffset converts binary positions to the code section relative addresses DWARF uses.
	codeSectionOffset uint64

	mux sync.Mutex
	// lines are the sorted line entries of all compilation units, loaded on first use.
	lines  []dwarf.LineEntry
	loaded bool
}

// NewDWARFLines returns nil unless sections, keyed by custom section name, hold at least .debug_info and
// .debug_line that parse.
func NewDWARFLines(sections map[string][]byte, codeSectionOffset uint64) *DWARFLines {
	info, line := sections[".debug_info"], sections[".debug_line"]
	if len(info) == 0 || len(line) == 0 {
		return nil
	}
	d, err := dwarf.New(sections[".debug_abbrev"], sections[".debug_aranges"], sections[".debug_frame"], info, line,
		sections[".debug_pubnames"], sections[".debug_ranges"], sections[".debug_str"])
	if err != nil {
		return nil
	}
	return &DWARFLines{d: d, codeSectionOffset: codeSectionOffset}
}

// Line returns the source location of the instruction at the binary position, or nil if unknown.
// Ex. []string{"0x12d: main.c:10:5"}
func (d *DWARFLines) Line(position uint64) []string {
	if d == nil || position < d.codeSectionOffset {
		return nil
	}
	addr := position - d.codeSectionOffset

	d.mux.Lock()
	defer d.mux.Unlock()
	if !d.loaded {
		d.load()
	}

	// The entry covering addr is the last one starting at or before it.
	i := sort.Search(len(d.lines), func(i int) bool { return d.lines[i].Address > addr })
	if i == 0 {
		return nil
	}
	le := d.lines[i-1]
	if le.EndSequence || le.File == nil {
		return nil
	}
	return []string{fmt.Sprintf("%#x: %s:%d:%d", le.Address, le.File.Name, le.Line, le.Column)}
}

func (d *DWARFLines) load() {
	d.loaded = true
	r := d.d.Reader()
	for {
		ent, err := r.Next()
		if err != nil || ent == nil {
			break
		}
		if ent.Tag != dwarf.TagCompileUnit {
			r.SkipChildren()
			continue
		}
		lr, err := d.d.LineReader(ent)
		if err != nil || lr == nil {
			continue
		}
		var le dwarf.LineEntry
		for lr.Next(&le) == nil {
			d.lines = append(d.lines, le)
		}
	}
	sort.SliceStable(d.lines, func(i, j int) bool {
		a, b := &d.lines[i], &d.lines[j]
		if a.Address != b.Address {
			return a.Address < b.Address
		}
		// A sequence end sorts before a sequence starting at the same address.
		return a.EndSequence && !b.EndSequence
	})
}
