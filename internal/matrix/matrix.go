// Package matrix expands benchmark settings into points and dispatches
// the points that have no recorded result yet.
package matrix

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"matbench/internal/config"
	"matbench/internal/dedup"

	"github.com/google/uuid"
	"github.com/ncruces/go-strftime"
	"go.uber.org/zap"
)

// Options configure a Runner. They do not change during a run.
type Options struct {
	Mode       Mode
	ResultsDir string // run directories are created below ResultsDir/<expe>
	ExecDir    string // relative commands are resolved against it

	Out            io.Writer // progress and summary text
	Stdout, Stderr io.Writer // mirrors of the benchmark output, local mode
	RemoteScript   io.Writer // remote mode only

	// KillDelay bounds the wait for a benchmark to exit after it was
	// interrupted. Zero waits forever.
	KillDelay time.Duration

	Logger   *zap.Logger
	Recorder Recorder         // optional
	Now      func() time.Time // for run IDs; time.Now by default
}

// A Recorder is told about every dispatched point.
type Recorder interface {
	RunStarted(run *BenchRun, mode Mode) error
	RunFinished(run *BenchRun, outcome Outcome) error
}

// Counters track the progress of one Run.
type Counters struct {
	Total    int // points of the experiments reached so far
	Current  int
	Executed int
	Recorded int
	Errors   int
}

// A Summary is the outcome of one Run.
type Summary struct {
	Mode        Mode
	Experiments []string // experiments that ran to completion
	Counters
}

// Format renders the summary for the operator.
func (s Summary) Format() string {
	var b strings.Builder
	noun := "matrices"
	if len(s.Experiments) == 1 {
		noun = "matrix"
	}
	fmt.Fprintf(&b, "Ran %d %s: %s\n", len(s.Experiments), noun, strings.Join(s.Experiments, ", "))
	fmt.Fprintf(&b, "Out of %d experiments configured:\n", s.Total)
	switch {
	case s.Mode == ModePreview:
		fmt.Fprintf(&b, "- %d would have been executed,\n", s.Executed)
	case s.Executed == 1:
		fmt.Fprintf(&b, "- %d has been executed,\n", s.Executed)
	default:
		fmt.Fprintf(&b, "- %d have been executed,\n", s.Executed)
	}
	if s.Recorded == 1 {
		fmt.Fprintf(&b, "- %d was already recorded,\n", s.Recorded)
	} else {
		fmt.Fprintf(&b, "- %d were already recorded,\n", s.Recorded)
	}
	fmt.Fprintf(&b, "- %d failed.\n", s.Errors)
	return b.String()
}

// A Runner enumerates the points of benchmarks and dispatches the new ones.
// It is not safe for concurrent use.
type Runner struct {
	opts     Options
	index    dedup.Index
	strategy Strategy
	log      *zap.Logger
}

// New returns a Runner consulting and extending index.
func New(opts Options, index dedup.Index) (*Runner, error) {
	if opts.Out == nil {
		opts.Out = io.Discard
	}
	if opts.Stdout == nil {
		opts.Stdout = io.Discard
	}
	if opts.Stderr == nil {
		opts.Stderr = io.Discard
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	s, err := newStrategy(&opts)
	if err != nil {
		return nil, err
	}
	return &Runner{opts: opts, index: index, strategy: s, log: opts.Logger}, nil
}

// Mode returns the dispatch mode of r.
func (r *Runner) Mode() Mode { return r.opts.Mode }

// Run dispatches every new point of the selected experiments of bench.
// The summary is valid even when an error is returned; it then covers the
// points handled before the run stopped.
func (r *Runner) Run(ctx context.Context, bench *config.Benchmark) (Summary, error) {
	sum := Summary{Mode: r.opts.Mode}
	flags := bench.Flags

	switch {
	case flags.ExpeToRun == nil:
		return sum, configErrorf("missing flag '--expe-to-run' in the benchmark file or on the command line")
	case len(flags.ExpeToRun) == 0:
		return sum, configErrorf("no experiment to run")
	}
	if flags.ScriptTemplate == "" {
		return sum, configErrorf("missing flag '--script-tpl' in the benchmark file or on the command line")
	}
	script, err := ParseTemplate(flags.ScriptTemplate)
	if err != nil {
		return sum, &ConfigError{Msg: "--script-tpl", Err: err}
	}
	var path *Template
	if flags.PathTemplate != "" {
		if path, err = ParseTemplate(flags.PathTemplate); err != nil {
			return sum, &ConfigError{Msg: "--path-tpl", Err: err}
		}
	}

	type experiment struct {
		name   string
		points []Point
	}
	var todo []experiment
	for _, name := range flags.ExpeToRun {
		name = strings.TrimSpace(name)
		if name == "" || strings.HasPrefix(name, "_") {
			r.log.Warn("Skipping disabled experiment", zap.String("expe", name))
			continue
		}
		e, ok := bench.Experiment(name)
		if !ok {
			return sum, configErrorf("cannot run experiment %q: experiment matrix not defined", name)
		}
		points, err := Expand(bench.Common, e.Settings, name)
		if err != nil {
			return sum, fmt.Errorf("experiment %q: %w", name, err)
		}
		todo = append(todo, experiment{name, points})
	}

	for _, e := range todo {
		sum.Total += len(e.points)
		for _, p := range e.points {
			stop, err := r.runPoint(ctx, e.name, p, script, path, flags.StopOnError, &sum)
			if err != nil {
				return sum, err
			}
			if stop {
				return sum, nil
			}
		}
		sum.Experiments = append(sum.Experiments, e.name)
		fmt.Fprintf(r.opts.Out, "#\n# Finished with '%s'\n#\n\n", e.name)
	}
	return sum, nil
}

func (r *Runner) runPoint(ctx context.Context, expe string, p Point, script, path *Template, stopOnError bool, sum *Summary) (stop bool, err error) {
	if ctx.Err() != nil {
		fmt.Fprintln(r.opts.Out, "Stopping on keyboard interrupt.")
		return true, ErrInterrupted
	}
	sum.Current++

	if tpl, ok := p.Get(PathTemplateSetting); ok {
		p = p.Without(PathTemplateSetting)
		if tpl != "" {
			if path, err = ParseTemplate(tpl); err != nil {
				return true, &ConfigError{Msg: "experiment " + expe + ": " + PathTemplateSetting, Err: err}
			}
		}
	}
	if path == nil {
		return true, configErrorf("<top-level>.--path-tpl or <top-level>.expe[%s].--path-tpl must be provided", expe)
	}

	if e, state := r.index.Lookup(dedup.KeyOf(p.Map())); state != dedup.NotFound {
		fmt.Fprintf(r.opts.Out, "experiment %d/%d already recorded, skipping.\n> %s\n\n", sum.Current, sum.Total, r.relative(e.Location))
		sum.Recorded++
		return false, nil
	}

	rel, err := path.Execute(p)
	if err == nil {
		var command string
		if command, err = script.Execute(p); err == nil {
			return r.dispatch(ctx, r.newRun(expe, rel, command, p, sum), stopOnError, sum)
		}
	}
	var tplErr *TemplateError
	if !errors.As(err, &tplErr) {
		return true, err
	}
	r.log.Error("Cannot apply template",
		zap.String("template", tplErr.Template),
		zap.String("key", tplErr.Key),
		zap.Stringer("settings", tplErr.Point))
	sum.Errors++
	if stopOnError {
		fmt.Fprintln(r.opts.Out, "Stopping on error.")
		return true, nil
	}
	return false, nil
}

func (r *Runner) dispatch(ctx context.Context, run *BenchRun, stopOnError bool, sum *Summary) (stop bool, err error) {
	fmt.Fprintf(r.opts.Out, "%s\n\n\nrunning %d/%d\n", strings.Repeat("---", 5), run.Index, run.Total)
	for k, v := range run.Point.All() {
		fmt.Fprintf(r.opts.Out, "    %s: %s\n", k, v)
	}
	if p, ok := r.strategy.(preparer); ok {
		if err := p.Prepare(run); err != nil {
			return true, err
		}
	}
	r.record(func(rec Recorder) error { return rec.RunStarted(run, r.opts.Mode) })

	outcome, err := r.strategy.Execute(ctx, run)
	if err != nil {
		r.record(func(rec Recorder) error { return rec.RunFinished(run, outcome) })
		if errors.Is(err, ErrInterrupted) {
			fmt.Fprintln(r.opts.Out, "Stopping on keyboard interrupt.")
		}
		return true, err
	}
	sum.Executed++
	r.record(func(rec Recorder) error { return rec.RunFinished(run, outcome) })

	switch outcome {
	case Succeeded:
		r.index.Register(run.Point.Map(), run.Dir, nil, dedup.Processed, nil)
	case Failed:
		sum.Errors++
		if stopOnError {
			fmt.Fprintln(r.opts.Out, "Stopping on error.")
			return true, nil
		}
	}
	return false, nil
}

func (r *Runner) record(f func(Recorder) error) {
	if r.opts.Recorder == nil {
		return
	}
	if err := f(r.opts.Recorder); err != nil {
		r.log.Warn("Cannot update the run journal", zap.Error(err))
	}
}

func (r *Runner) newRun(expe, rel, command string, p Point, sum *Summary) *BenchRun {
	now := r.opts.Now()
	id := newRunID(now)
	relDir := expe + "/" + rel + id
	return &BenchRun{
		ID:      id,
		Expe:    expe,
		RelDir:  relDir,
		Dir:     filepath.Join(r.opts.ResultsDir, filepath.FromSlash(relDir)),
		Command: command,
		Point:   p,
		Index:   sum.Current,
		Total:   sum.Total,
		Started: now,
	}
}

// relative returns a run location relative to the results directory.
func (r *Runner) relative(location string) string {
	rel, err := filepath.Rel(r.opts.ResultsDir, location)
	if err != nil || strings.HasPrefix(rel, "..") {
		return location
	}
	return filepath.ToSlash(rel)
}

// newRunID returns the ID of a run started at t: the time to the minute
// and a random suffix.
func newRunID(t time.Time) string {
	u := uuid.New()
	return strftime.Format("%Y%m%d_%H%M", t) + "." + hex.EncodeToString(u[:2])
}
