package store

import (
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
)

// A Record is one result extracted from a run directory.
// Extra settings are merged over the directory's settings before the
// record is registered, so one directory may yield several keys.
type Record struct {
	Extra  map[string]string
	Result any
}

// A Parser turns a valid run directory into records.
// Returning no records means there is nothing to register for that
// directory. Returning an error aborts the whole scan.
type Parser interface {
	ParseResults(dir string, settings map[string]string) ([]Record, error)
}

// ParserFunc adapts a function to the Parser interface.
type ParserFunc func(dir string, settings map[string]string) ([]Record, error)

func (f ParserFunc) ParseResults(dir string, settings map[string]string) ([]Record, error) {
	return f(dir, settings)
}

// DefaultParser is the name of the parser used when none is configured.
const DefaultParser = "simple"

var (
	parsersMu sync.RWMutex
	parsers   = map[string]Parser{
		DefaultParser: ParserFunc(parseSimple),
	}
)

// parseSimple records every completed run without any payload,
// which is enough to mark its settings as done.
func parseSimple(string, map[string]string) ([]Record, error) {
	return []Record{{}}, nil
}

// RegisterParser makes a workload parser available by name.
// It panics if the name is already taken.
func RegisterParser(name string, p Parser) {
	parsersMu.Lock()
	defer parsersMu.Unlock()
	if p == nil {
		panic("store: RegisterParser parser is nil")
	}
	if _, dup := parsers[name]; dup {
		panic("store: RegisterParser called twice for " + name)
	}
	parsers[name] = p
}

// LookupParser returns the parser registered under name.
func LookupParser(name string) (Parser, error) {
	if name == "" {
		name = DefaultParser
	}
	parsersMu.RLock()
	defer parsersMu.RUnlock()
	p, ok := parsers[name]
	if !ok {
		return nil, fmt.Errorf("unknown workload %q (known: %s)", name, strings.Join(slices.Sorted(maps.Keys(parsers)), ", "))
	}
	return p, nil
}
