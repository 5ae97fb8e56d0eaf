// Package config loads benchmark descriptions and user profiles.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// ExtraSetting is the pseudo-setting whose value carries inline
// "k=v, k=v" overrides that are unpacked into ordinary settings.
const ExtraSetting = "extra"

// PathTemplateSetting is the per-experiment setting overriding the path
// template.
const PathTemplateSetting = "--path-tpl"

// A ValueKind tells how a setting value must be interpreted.
type ValueKind int

const (
	Plain           ValueKind = iota
	InlineOverride            // value of the extra setting, "k=v, k=v"
	InvalidOverride           // extra given as a mapping; rejected at expansion
)

// A Value is one candidate value of a setting.
type Value struct {
	Kind ValueKind
	Text string
}

// A Setting is a named list of candidate values.
type Setting struct {
	Name   string
	Values []Value
}

// Texts returns the values' text.
func (s Setting) Texts() []string {
	out := make([]string, len(s.Values))
	for i, v := range s.Values {
		out[i] = v.Text
	}
	return out
}

// An Experiment is a named set of setting overrides.
type Experiment struct {
	Name     string
	Settings []Setting
}

// Flags are the operating flags a description may carry.
// Keys in the YAML document are spelled like the command line flags.
type Flags struct {
	ExpeToRun      []string // nil when absent
	PathTemplate   string
	ScriptTemplate string
	RemoteMode     bool
	StopOnError    bool
}

// A Benchmark is one document of a description file.
type Benchmark struct {
	Source      string // file name and document number, for messages
	Flags       Flags
	Common      []Setting
	Experiments []Experiment
}

// Experiment returns the named experiment.
func (b *Benchmark) Experiment(name string) (*Experiment, bool) {
	for i := range b.Experiments {
		if b.Experiments[i].Name == name {
			return &b.Experiments[i], true
		}
	}
	return nil, false
}

// LoadBenchmarks reads every YAML document of the description file at path.
func LoadBenchmarks(path string) ([]*Benchmark, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	benches, err := ParseBenchmarks(data, path)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return benches, nil
}

// ParseBenchmarks decodes every YAML document in data.
func ParseBenchmarks(data []byte, name string) ([]*Benchmark, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	var out []*Benchmark
	for doc := 1; ; doc++ {
		var root yaml.Node
		if err := dec.Decode(&root); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, err
		}
		if len(root.Content) == 0 {
			continue
		}
		b, err := decodeBenchmark(root.Content[0])
		if err != nil {
			return nil, fmt.Errorf("document %d: %w", doc, err)
		}
		b.Source = fmt.Sprintf("%s#%d", name, doc)
		out = append(out, b)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no benchmark document found")
	}
	return out, nil
}

func decodeBenchmark(n *yaml.Node) (*Benchmark, error) {
	if n.Kind != yaml.MappingNode {
		return nil, nodeErrorf(n, "benchmark description should be a mapping")
	}
	b := new(Benchmark)
	for i := 0; i+1 < len(n.Content); i += 2 {
		k, v := n.Content[i], n.Content[i+1]
		var err error
		switch k.Value {
		case "--expe-to-run":
			b.Flags.ExpeToRun, err = decodeList(v)
		case "--path-tpl":
			b.Flags.PathTemplate, err = decodeString(v)
		case "--script-tpl":
			b.Flags.ScriptTemplate, err = decodeString(v)
		case "--remote-mode":
			b.Flags.RemoteMode, err = decodeBool(v)
		case "--stop-on-error":
			b.Flags.StopOnError, err = decodeBool(v)
		case "common_settings":
			if isNull(v) {
				continue
			}
			b.Common, err = decodeSettings(v)
		case "expe":
			b.Experiments, err = decodeExperiments(v)
		default:
			// Unknown keys are left for other tools (plotting, parsers).
		}
		if err != nil {
			return nil, fmt.Errorf("%s: %w", k.Value, err)
		}
	}
	return b, nil
}

func decodeExperiments(n *yaml.Node) ([]Experiment, error) {
	if isNull(n) {
		return nil, nil
	}
	if n.Kind != yaml.MappingNode {
		return nil, nodeErrorf(n, "should be a mapping of experiment name to settings")
	}
	var out []Experiment
	for i := 0; i+1 < len(n.Content); i += 2 {
		name, body := n.Content[i].Value, n.Content[i+1]
		if isNull(body) {
			out = append(out, Experiment{Name: name})
			continue
		}
		if body.Kind != yaml.MappingNode {
			return nil, nodeErrorf(body, "experiment %q content should be a mapping", name)
		}
		settings, err := decodeSettings(body)
		if err != nil {
			return nil, fmt.Errorf("experiment %q: %w", name, err)
		}
		out = append(out, Experiment{Name: name, Settings: settings})
	}
	return out, nil
}

func decodeSettings(n *yaml.Node) ([]Setting, error) {
	if n.Kind != yaml.MappingNode {
		return nil, nodeErrorf(n, "settings should be a mapping")
	}
	var out []Setting
	for i := 0; i+1 < len(n.Content); i += 2 {
		name := n.Content[i].Value
		values, err := decodeValues(name, n.Content[i+1])
		if err != nil {
			return nil, fmt.Errorf("setting %q: %w", name, err)
		}
		out = append(out, Setting{Name: name, Values: values})
	}
	return out, nil
}

// decodeValues normalizes a setting value to a list of candidates.
// A scalar is split on commas, except a path template, which is one
// candidate. A scalar extra is split too: each piece is one variant, and
// a variant carrying several pairs must be a list item.
// A sequence is taken item by item.
func decodeValues(name string, n *yaml.Node) ([]Value, error) {
	kind := Plain
	if name == ExtraSetting {
		kind = InlineOverride
	}
	switch n.Kind {
	case yaml.ScalarNode:
		if isNull(n) {
			return nil, nodeErrorf(n, "missing value")
		}
		if name == PathTemplateSetting {
			return []Value{{Kind: kind, Text: n.Value}}, nil
		}
		var out []Value
		for _, text := range SplitList(n.Value) {
			out = append(out, Value{Kind: kind, Text: text})
		}
		return out, nil
	case yaml.SequenceNode:
		var out []Value
		for _, item := range n.Content {
			switch {
			case item.Kind == yaml.ScalarNode:
				out = append(out, Value{Kind: kind, Text: item.Value})
			case item.Kind == yaml.MappingNode && kind == InlineOverride:
				out = append(out, Value{Kind: InvalidOverride, Text: flowString(item)})
			default:
				return nil, nodeErrorf(item, "list items should be scalars")
			}
		}
		return out, nil
	case yaml.MappingNode:
		if kind == InlineOverride {
			return []Value{{Kind: InvalidOverride, Text: flowString(n)}}, nil
		}
		return nil, nodeErrorf(n, "value should be a scalar or a list, not a mapping")
	}
	return nil, nodeErrorf(n, "unsupported value")
}

// SplitList splits a comma-separated list, trimming blanks around items.
func SplitList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ",") {
		out = append(out, strings.TrimSpace(item))
	}
	return out
}

func decodeList(n *yaml.Node) ([]string, error) {
	switch n.Kind {
	case yaml.ScalarNode:
		if isNull(n) || strings.TrimSpace(n.Value) == "" {
			return []string{}, nil
		}
		return SplitList(n.Value), nil
	case yaml.SequenceNode:
		out := []string{}
		for _, item := range n.Content {
			if item.Kind != yaml.ScalarNode {
				return nil, nodeErrorf(item, "list items should be scalars")
			}
			out = append(out, item.Value)
		}
		return out, nil
	}
	return nil, nodeErrorf(n, "should be a list or a comma-separated string")
}

func decodeString(n *yaml.Node) (string, error) {
	if n.Kind != yaml.ScalarNode {
		return "", nodeErrorf(n, "should be a string")
	}
	if isNull(n) {
		return "", nil
	}
	return n.Value, nil
}

func decodeBool(n *yaml.Node) (bool, error) {
	if n.Kind != yaml.ScalarNode {
		return false, nodeErrorf(n, "should be a boolean")
	}
	if isNull(n) {
		return false, nil
	}
	var b bool
	if err := n.Decode(&b); err != nil {
		v, perr := strconv.ParseBool(n.Value)
		if perr != nil {
			return false, err
		}
		b = v
	}
	return b, nil
}

func isNull(n *yaml.Node) bool {
	return n.Kind == yaml.ScalarNode && n.Tag == "!!null"
}

// flowString renders n on one line, for error messages.
func flowString(n *yaml.Node) string {
	c := *n
	c.Style = yaml.FlowStyle
	out, err := yaml.Marshal(&c)
	if err != nil {
		return "{...}"
	}
	return strings.TrimSpace(string(out))
}

func nodeErrorf(n *yaml.Node, format string, args ...any) error {
	return fmt.Errorf("line %d: %s", n.Line, fmt.Sprintf(format, args...))
}
