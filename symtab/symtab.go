// Package symtab parses nm-style text symbol tables and answers
// name-to-address and address-to-(name, offset) queries.
//
// The grammar is one symbol per line:
//
//	<16 hex digits> <type char> <name>
//
// Blank lines and lines beginning with '#' are ignored. Lines that do
// not match the grammar are logged at DEBUG verbosity and skipped
// rather than aborting the parse; an empty result set after parsing
// is a fatal error.
package symtab

import (
	"bufio"
	"fmt"
	"io"
	"log"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/PaulMarron/xen-crashdump-analyser/errkind"
)

// maxSymboliseGap is the largest address gap (in bytes) between a
// probe address and its nearest preceding symbol for which Symbolise
// still reports a match. Beyond this, the nearest symbol is presumed
// unrelated to the probe address and Symbolise reports a miss rather
// than a misleading attribution.
const maxSymboliseGap = 1 << 20 // 1 MiB

// textSectionMarker is the symbol name whose presence indicates a
// full (not stripped) kernel symbol table was supplied.
const textSectionMarker = "_stext"

// Symbol is one entry of a symbol table.
type Symbol struct {
	Name    string
	Address uint64
	Type    byte
}

// Table is an immutable, address-ordered symbol table.
type Table struct {
	symbols []Symbol       // sorted by Address
	byName  map[string]int // name -> index into symbols
	gap     uint64         // maxSymboliseGap, overridable for tests
}

// Option configures Parse.
type Option func(*Table)

// WithMaxSymboliseGap overrides the default 1 MiB symbolisation gap
// threshold. Intended for tests that probe exact offsets against a
// small synthetic table.
func WithMaxSymboliseGap(gap uint64) Option {
	return func(t *Table) { t.gap = gap }
}

// Parse reads the nm-style text file at path. If requireTextSection is
// set, parsing fails unless a symbol named "_stext" is present — this
// enforces that a full hypervisor symbol table was supplied rather
// than a stripped one.
func Parse(path string, requireTextSection bool, logger *log.Logger, opts ...Option) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("symtab: open %s: %w: %v", path, errkind.ErrIO, err)
	}
	defer f.Close()

	t, err := parseReader(f, logger)
	if err != nil {
		return nil, err
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.gap == 0 {
		t.gap = maxSymboliseGap
	}

	if len(t.symbols) == 0 {
		return nil, fmt.Errorf("symtab: %s: %w: no symbols parsed", path, errkind.ErrInvalidFormat)
	}
	if requireTextSection {
		if _, ok := t.byName[textSectionMarker]; !ok {
			return nil, fmt.Errorf("symtab: %s: %w: missing %s (stripped symbol table?)",
				path, errkind.ErrInvalidFormat, textSectionMarker)
		}
	}
	return t, nil
}

func parseReader(r io.Reader, logger *log.Logger) (*Table, error) {
	t := &Table{byName: make(map[string]int), gap: maxSymboliseGap}

	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		sym, ok := parseLine(line)
		if !ok {
			if logger != nil {
				logger.Printf("DEBUG symtab: skipping malformed line %d: %q", lineNo, line)
			}
			continue
		}
		t.insert(sym)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("symtab: %w: %v", errkind.ErrIO, err)
	}

	sort.Slice(t.symbols, func(i, j int) bool { return t.symbols[i].Address < t.symbols[j].Address })
	// byName was built against pre-sort indices; rebuild against the
	// final sorted order.
	t.byName = make(map[string]int, len(t.symbols))
	for i, s := range t.symbols {
		t.byName[s.Name] = i
	}
	return t, nil
}

func (t *Table) insert(s Symbol) {
	t.symbols = append(t.symbols, s)
}

// parseLine parses one "<hex16> <type> <name>" line. The three fields
// are whitespace-separated; the name field may not itself contain
// whitespace (nm output never does).
func parseLine(line string) (Symbol, bool) {
	fields := strings.Fields(line)
	if len(fields) != 3 || len(fields[0]) != 16 {
		return Symbol{}, false
	}
	addr, err := strconv.ParseUint(fields[0], 16, 64)
	if err != nil {
		return Symbol{}, false
	}
	typeField := fields[1]
	if len(typeField) != 1 {
		return Symbol{}, false
	}
	name := fields[2]
	if name == "" {
		return Symbol{}, false
	}
	return Symbol{Name: name, Address: addr, Type: typeField[0]}, true
}

// LookupName returns the address of the named symbol.
func (t *Table) LookupName(name string) (uint64, bool) {
	i, ok := t.byName[name]
	if !ok {
		return 0, false
	}
	return t.symbols[i].Address, true
}

// Symbolise returns the name of, and offset into, the symbol covering
// addr: the greatest symbol with Address <= addr. If no symbol
// precedes addr, or the gap to the nearest preceding symbol exceeds
// the configured threshold, Symbolise reports a miss.
func (t *Table) Symbolise(addr uint64) (name string, offset uint64, ok bool) {
	n := len(t.symbols)
	if n == 0 {
		return "", 0, false
	}
	// Binary search for the first symbol with Address > addr; the
	// covering symbol, if any, is the one just before it.
	i := sort.Search(n, func(i int) bool { return t.symbols[i].Address > addr })
	if i == 0 {
		return "", 0, false
	}
	sym := t.symbols[i-1]
	gap := addr - sym.Address
	if gap > t.gap {
		return "", 0, false
	}
	return sym.Name, gap, true
}

// Len reports the number of symbols in the table.
func (t *Table) Len() int { return len(t.symbols) }
