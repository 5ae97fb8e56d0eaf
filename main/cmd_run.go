package main

import (
	"cmp"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"time"

	"matbench/internal/config"
	"matbench/internal/dedup"
	"matbench/internal/matrix"
	"matbench/internal/store"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// killDelay bounds the wait for an interrupted benchmark to exit.
const killDelay = 10 * time.Second

type runOptions struct {
	file         string
	apply        bool
	clean        bool
	filter       map[string]string
	execDir      string
	remoteScript string
	noJournal    bool

	// Overrides of the description flags.
	expeToRun   string
	pathTpl     string
	scriptTpl   string
	remoteMode  bool
	stopOnError bool
}

func newRunCmd(g *globals) *cobra.Command {
	var o runOptions
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the experiments of a benchmark description",
		Long: `Loads the benchmark description, imports the runs already recorded in
<results>/<workload>, then handles every new settings combination:

  without --run              print the run directory and command
  with --run                 execute the command, one run at a time
  with --run --remote-mode   append it to a bash script for another host

The remote script takes the results directory and the exec directory as
arguments and can be run again: finished runs are not repeated. Without
--remote-script it is printed on the standard output, and progress goes
to the standard error.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.run(cmd, g)
		},
	}
	f := cmd.Flags()
	f.StringVarP(&o.file, "file", "f", "", "Benchmark description (default <results>/<workload>/benchmarks.yaml)")
	f.BoolVar(&o.apply, "run", false, "Execute or stage the experiments instead of previewing them")
	f.BoolVar(&o.clean, "clean", false, "Delete incomplete, failed and duplicated runs (needs --run)")
	f.StringToStringVar(&o.filter, "filter", nil, "Only import recorded runs with these settings (k=v, repeatable)")
	f.StringVar(&o.execDir, "exec-dir", "", "Directory commands are relative to (default: current directory)")
	f.StringVar(&o.remoteScript, "remote-script", "", "File the remote script is written to (default: stdout)")
	f.BoolVar(&o.noJournal, "no-journal", false, "Do not record runs in the journal")

	f.StringVar(&o.expeToRun, "expe-to-run", "", "Comma-separated experiments to run")
	f.StringVar(&o.pathTpl, "path-tpl", "", "Run directory template, e.g. size={size}/")
	f.StringVar(&o.scriptTpl, "script-tpl", "", "Command template, e.g. bin/bench {size}")
	f.BoolVar(&o.remoteMode, "remote-mode", false, "Stage the runs in a bash script instead of executing them")
	f.BoolVar(&o.stopOnError, "stop-on-error", false, "Stop at the first failed run")
	return cmd
}

// override applies the flags given on the command line to bench.
func (o *runOptions) override(cmd *cobra.Command, bench *config.Benchmark, profile config.Profile) {
	f := cmd.Flags()
	if f.Changed("expe-to-run") {
		bench.Flags.ExpeToRun = config.SplitList(o.expeToRun)
		if o.expeToRun == "" {
			bench.Flags.ExpeToRun = []string{}
		}
	}
	if f.Changed("path-tpl") {
		bench.Flags.PathTemplate = o.pathTpl
	}
	if f.Changed("script-tpl") {
		bench.Flags.ScriptTemplate = o.scriptTpl
	}
	if f.Changed("remote-mode") {
		bench.Flags.RemoteMode = o.remoteMode
	}
	switch {
	case f.Changed("stop-on-error"):
		bench.Flags.StopOnError = o.stopOnError
	case profile.StopOnError != nil && !bench.Flags.StopOnError:
		bench.Flags.StopOnError = *profile.StopOnError
	}
}

func (o *runOptions) run(cmd *cobra.Command, g *globals) error {
	log := g.logger
	env, err := g.environment()
	if err != nil {
		return err
	}
	campaign := env.campaignDir()

	file := o.file
	if file == "" {
		file = filepath.Join(campaign, "benchmarks.yaml")
	}
	benches, err := config.LoadBenchmarks(file)
	if err != nil {
		return err
	}
	for _, b := range benches {
		o.override(cmd, b, env.profile)
	}

	// Without a script file the remote script is the standard output, and
	// everything else goes to the standard error.
	out, stdout := cmd.OutOrStdout(), cmd.OutOrStdout()
	script := &lazyFile{path: cmp.Or(o.remoteScript, env.profile.RemoteScript), fallback: cmd.OutOrStdout()}
	defer script.Close()
	if script.path == "" && o.apply && slices.ContainsFunc(benches, func(b *config.Benchmark) bool { return b.Flags.RemoteMode }) {
		out, stdout = cmd.ErrOrStderr(), cmd.ErrOrStderr()
	}

	execDir, err := config.ExpandPath(cmp.Or(o.execDir, env.profile.ExecDir))
	if err != nil {
		return fmt.Errorf("exec directory: %w", err)
	}
	if execDir == "" {
		if execDir, err = os.Getwd(); err != nil {
			return err
		}
	}

	index := dedup.NewMemory()
	fmt.Fprintln(out, "Loading previous matrix results: ...")
	report, err := store.NewScanner(store.ScanOptions{
		Root:   campaign,
		Clean:  o.clean,
		Apply:  o.apply,
		Filter: o.filter,
		Parser: env.parser(log),
		Logger: log,
	}, index).Scan()
	if err != nil {
		return fmt.Errorf("scan %s: %w", campaign, err)
	}
	fmt.Fprintf(out, "Loading previous matrix results: done (%s)\n", report)

	var recorder matrix.Recorder
	if o.apply && !o.noJournal {
		if j, err := env.openJournal(); err != nil {
			log.Warn("Run journal disabled", zap.Error(err))
		} else {
			defer j.Close()
			j.TrackSources(execDir)
			recorder = j
		}
	}

	runners := make(map[matrix.Mode]*matrix.Runner)
	for _, bench := range benches {
		mode := matrix.SelectMode(o.apply, bench.Flags.RemoteMode)
		r, ok := runners[mode]
		if !ok {
			r, err = matrix.New(matrix.Options{
				Mode:         mode,
				ResultsDir:   campaign,
				ExecDir:      execDir,
				Out:          out,
				Stdout:       stdout,
				Stderr:       cmd.ErrOrStderr(),
				RemoteScript: script,
				KillDelay:    killDelay,
				Logger:       log,
				Recorder:     recorder,
			}, index)
			if err != nil {
				return err
			}
			runners[mode] = r
		}

		log.Debug("Running benchmark", zap.String("source", bench.Source), zap.Stringer("mode", mode))
		started := time.Now()
		sum, err := r.Run(cmd.Context(), bench)
		if sum.Total > 0 || err == nil {
			fmt.Fprintln(out)
			fmt.Fprint(out, sum.Format())
			log.Debug("Benchmark done", zap.String("source", bench.Source), zap.Duration("took", time.Since(started)))
		}
		if err != nil {
			var cfgErr *matrix.ConfigError
			if errors.As(err, &cfgErr) {
				return fmt.Errorf("%s: %w", bench.Source, err)
			}
			return err
		}
	}
	if script.file != nil {
		fmt.Fprintf(out, "Remote script written to %s\n", script.path)
	}
	return nil
}

// lazyFile creates its file on the first write, so that nothing is
// created when no run is staged. Without a path it writes to fallback.
type lazyFile struct {
	path     string
	fallback io.Writer
	file     *os.File
}

func (l *lazyFile) Write(p []byte) (int, error) {
	if l.path == "" {
		return l.fallback.Write(p)
	}
	if l.file == nil {
		f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o755)
		if err != nil {
			return 0, err
		}
		l.file = f
	}
	return l.file.Write(p)
}

func (l *lazyFile) Close() error {
	if l.file == nil {
		return nil
	}
	return l.file.Close()
}
