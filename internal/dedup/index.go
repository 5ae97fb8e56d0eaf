// Package dedup tracks which settings combinations already have a result.
//
// A combination is identified by its canonical Key. The results tree on disk
// is the only persisted record of what has run: an Index is rebuilt at the
// start of every invocation by scanning that tree, then consulted (and
// extended with freshly completed runs) while enumerating.
package dedup

import (
	"cmp"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"
)

// A Key is the canonical fingerprint of a settings mapping.
type Key string

// KeyOf returns the canonical key of settings.
// The result depends only on the set of name/value pairs, never on the
// order in which they were inserted.
func KeyOf(settings map[string]string) Key {
	h := sha256.New()
	for _, name := range slices.Sorted(maps.Keys(settings)) {
		// Length prefixes keep "a=b,c" and "a=b" + "c=" apart.
		value := settings[name]
		fmt.Fprintf(h, "%d:%s=%d:%s;", len(name), name, len(value), value)
	}
	return Key(hex.EncodeToString(h.Sum(nil)))
}

// A State says whether, and how, a key is known to an Index.
type State int

const (
	NotFound  State = iota
	Processed       // completed during this invocation
	Imported        // found in the results tree
)

func (s State) String() string {
	switch s {
	case NotFound:
		return "not-found"
	case Processed:
		return "processed"
	case Imported:
		return "imported"
	}
	return "State(" + strconv.Itoa(int(s)) + ")"
}

// An Entry is one known settings combination.
type Entry struct {
	Key      Key
	Settings map[string]string
	Location string // run directory holding the result
	Result   any    // workload payload, if any
	State    State
}

// A ConflictFunc is called when a key is registered a second time
// from a different location.
type ConflictFunc func(key Key, oldLocation, newLocation string)

// An Index answers "has this combination already been recorded?".
type Index interface {
	// Lookup reports the entry for key, or NotFound.
	Lookup(key Key) (*Entry, State)

	// Register records settings as found at location.
	// If the key is already bound to a different location, onConflict
	// (when non-nil) is called and Register returns nil, false.
	Register(settings map[string]string, location string, result any, state State, onConflict ConflictFunc) (*Entry, bool)
}

// Memory is an in-memory Index.
// It is not safe for concurrent use; the runner is strictly sequential.
type Memory struct {
	entries map[Key]*Entry
}

// NewMemory returns an empty Memory index.
func NewMemory() *Memory {
	return &Memory{entries: make(map[Key]*Entry)}
}

func (m *Memory) Lookup(key Key) (*Entry, State) {
	e, ok := m.entries[key]
	if !ok {
		return nil, NotFound
	}
	return e, e.State
}

func (m *Memory) Register(settings map[string]string, location string, result any, state State, onConflict ConflictFunc) (*Entry, bool) {
	if state == NotFound {
		panic("dedup: Register with state NotFound")
	}
	key := KeyOf(settings)
	if old, ok := m.entries[key]; ok {
		if old.Location == location {
			return old, true
		}
		if onConflict != nil {
			onConflict(key, old.Location, location)
		}
		return nil, false
	}
	e := &Entry{
		Key:      key,
		Settings: maps.Clone(settings),
		Location: location,
		Result:   result,
		State:    state,
	}
	m.entries[key] = e
	return e, true
}

// Len returns the number of registered keys.
func (m *Memory) Len() int {
	return len(m.entries)
}

// Entries returns all entries ordered by location.
func (m *Memory) Entries() []*Entry {
	out := slices.Collect(maps.Values(m.entries))
	slices.SortFunc(out, func(a, b *Entry) int {
		return cmp.Or(
			strings.Compare(a.Location, b.Location),
			strings.Compare(string(a.Key), string(b.Key)),
		)
	})
	return out
}
