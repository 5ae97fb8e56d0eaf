package matrix

import (
	"slices"
	"strings"

	"matbench/internal/config"
)

// ExpeSetting names the setting carrying the experiment name in every point.
const ExpeSetting = "expe"

// PathTemplateSetting is a setting that overrides the path template for
// the points carrying it.
const PathTemplateSetting = config.PathTemplateSetting

// Merge overlays the settings of an experiment on the common ones.
// An overridden setting keeps its common position; new ones are appended.
func Merge(common, overrides []config.Setting) []config.Setting {
	out := slices.Clone(common)
	for _, o := range overrides {
		i := slices.IndexFunc(out, func(s config.Setting) bool { return s.Name == o.Name })
		if i < 0 {
			out = append(out, o)
			continue
		}
		out[i] = o
	}
	return out
}

// Size returns the number of points the settings expand to.
func Size(settings []config.Setting) int {
	n := 1
	for _, s := range settings {
		n *= len(s.Values)
	}
	return n
}

// Expand returns every combination of the experiment settings, merged over
// the common ones. The last setting varies fastest. Each point gets an expe
// setting and has its extra setting unpacked.
func Expand(common, overrides []config.Setting, expe string) ([]Point, error) {
	settings := Merge(common, overrides)
	total := Size(settings)
	points := make([]Point, 0, total)
	idx := make([]int, len(settings))
	for range total {
		p := make(Point, 0, len(settings)+1)
		var extra *config.Value
		for i, s := range settings {
			v := s.Values[idx[i]]
			if s.Name == config.ExtraSetting {
				extra = &v
			}
			p = append(p, Pair{s.Name, v.Text})
		}
		p = p.Set(ExpeSetting, expe)
		if extra != nil {
			var err error
			if p, err = unpackExtra(p, *extra); err != nil {
				return nil, err
			}
		}
		points = append(points, p)

		for i := len(idx) - 1; i >= 0; i-- {
			idx[i]++
			if idx[i] < len(settings[i].Values) {
				break
			}
			idx[i] = 0
		}
	}
	return points, nil
}

// unpackExtra replaces the extra setting of p by the "k=v, k=v" pairs it holds.
func unpackExtra(p Point, extra config.Value) (Point, error) {
	if extra.Kind == config.InvalidOverride {
		return nil, configErrorf("'extra' is a mapping, does it contain a ':'? (%s)", extra.Text)
	}
	p = p.Without(config.ExtraSetting)
	if strings.TrimSpace(extra.Text) == "" {
		return p, nil
	}
	for _, kv := range config.SplitList(extra.Text) {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			return nil, configErrorf("invalid 'extra' setting %q: %q has no '='", extra.Text, kv)
		}
		p = p.Set(strings.TrimSpace(k), strings.TrimSpace(v))
	}
	return p, nil
}
