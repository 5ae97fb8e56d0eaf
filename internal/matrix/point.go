package matrix

import (
	"iter"
	"strings"
)

// A Pair is one setting of a Point.
type Pair struct {
	Name  string
	Value string
}

// A Point is one combination of settings, in declaration order.
// Names are unique.
type Point []Pair

// Get returns the value of the named setting.
func (p Point) Get(name string) (string, bool) {
	for _, kv := range p {
		if kv.Name == name {
			return kv.Value, true
		}
	}
	return "", false
}

// Set returns p with name bound to value. An existing setting keeps its
// position; a new one is appended.
func (p Point) Set(name, value string) Point {
	for i := range p {
		if p[i].Name == name {
			p[i].Value = value
			return p
		}
	}
	return append(p, Pair{name, value})
}

// Without returns a copy of p minus the named settings.
func (p Point) Without(names ...string) Point {
	out := make(Point, 0, len(p))
next:
	for _, kv := range p {
		for _, n := range names {
			if kv.Name == n {
				continue next
			}
		}
		out = append(out, kv)
	}
	return out
}

// All iterates over the settings in order.
func (p Point) All() iter.Seq2[string, string] {
	return func(yield func(string, string) bool) {
		for _, kv := range p {
			if !yield(kv.Name, kv.Value) {
				return
			}
		}
	}
}

// Map returns the settings as a map, for keying.
func (p Point) Map() map[string]string {
	m := make(map[string]string, len(p))
	for _, kv := range p {
		m[kv.Name] = kv.Value
	}
	return m
}

func (p Point) String() string {
	var b strings.Builder
	b.WriteByte('{')
	for i, kv := range p {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(kv.Name)
		b.WriteByte('=')
		b.WriteString(kv.Value)
	}
	b.WriteByte('}')
	return b.String()
}
