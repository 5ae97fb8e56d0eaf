package matrix

import (
	"fmt"
	"strings"
)

// A Template is a path or command pattern with {name} placeholders.
// "{{" and "}}" stand for literal braces.
type Template struct {
	raw   string
	parts []part
}

type part struct {
	text string
	key  bool // text names a setting
}

// ParseTemplate compiles s.
func ParseTemplate(s string) (*Template, error) {
	t := &Template{raw: s}
	var lit strings.Builder
	flush := func() {
		if lit.Len() > 0 {
			t.parts = append(t.parts, part{text: lit.String()})
			lit.Reset()
		}
	}
	for i := 0; i < len(s); i++ {
		switch c := s[i]; c {
		case '{':
			if i+1 < len(s) && s[i+1] == '{' {
				lit.WriteByte('{')
				i++
				continue
			}
			end := strings.IndexAny(s[i+1:], "{}")
			if end < 0 || s[i+1+end] != '}' {
				return nil, fmt.Errorf("template %q: unclosed '{' at offset %d", s, i)
			}
			name := s[i+1 : i+1+end]
			if strings.TrimSpace(name) == "" {
				return nil, fmt.Errorf("template %q: empty placeholder at offset %d", s, i)
			}
			flush()
			t.parts = append(t.parts, part{text: name, key: true})
			i += end + 1
		case '}':
			if i+1 < len(s) && s[i+1] == '}' {
				lit.WriteByte('}')
				i++
				continue
			}
			return nil, fmt.Errorf("template %q: single '}' at offset %d", s, i)
		default:
			lit.WriteByte(c)
		}
	}
	flush()
	return t, nil
}

func (t *Template) String() string { return t.raw }

// Keys returns the placeholder names in order of appearance.
func (t *Template) Keys() []string {
	var keys []string
	for _, p := range t.parts {
		if p.key {
			keys = append(keys, p.text)
		}
	}
	return keys
}

// Execute substitutes the settings of p. The first placeholder p does not
// define is reported as a *TemplateError.
func (t *Template) Execute(p Point) (string, error) {
	var b strings.Builder
	for _, part := range t.parts {
		if !part.key {
			b.WriteString(part.text)
			continue
		}
		v, ok := p.Get(part.text)
		if !ok {
			return "", &TemplateError{Template: t.raw, Key: part.text, Point: p}
		}
		b.WriteString(v)
	}
	return b.String(), nil
}
