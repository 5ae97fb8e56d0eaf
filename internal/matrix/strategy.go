package matrix

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"matbench/internal/store"

	"go.uber.org/zap"
)

// A Mode selects how points are dispatched. It is fixed for a Runner.
type Mode int

const (
	ModePreview Mode = iota // print what would run
	ModeLocal               // run now, blocking
	ModeRemote              // append to a bash script for later
)

// SelectMode returns the mode for an invocation. Nothing is executed or
// staged unless apply is set, whatever remote says.
func SelectMode(apply, remote bool) Mode {
	switch {
	case !apply:
		return ModePreview
	case remote:
		return ModeRemote
	}
	return ModeLocal
}

func (m Mode) String() string {
	switch m {
	case ModePreview:
		return "preview"
	case ModeLocal:
		return "local"
	case ModeRemote:
		return "remote"
	}
	return "Mode(" + strconv.Itoa(int(m)) + ")"
}

// An Outcome is the result of dispatching one point.
type Outcome int

const (
	Staged      Outcome = iota // previewed or written to the remote script
	Succeeded                  // exit code 0
	Failed                     // non-zero exit code
	Interrupted                // cancelled while running; nothing recorded
)

func (o Outcome) String() string {
	switch o {
	case Staged:
		return "staged"
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	case Interrupted:
		return "interrupted"
	}
	return "Outcome(" + strconv.Itoa(int(o)) + ")"
}

// A BenchRun is one dispatched point.
type BenchRun struct {
	ID      string // YYYYMMDD_HHMM.xxxx
	Expe    string
	RelDir  string // run directory, relative to the results directory
	Dir     string
	Command string // resolved command template
	Point   Point
	Index   int // 1-based position among all points of the run
	Total   int
	Started time.Time

	ExitCode int // set by local execution

	reserved bool // run directory created
}

// rename gives run a new ID. The run directory keeps its parent.
func (r *BenchRun) rename(id string) {
	r.RelDir = strings.TrimSuffix(r.RelDir, r.ID) + id
	r.Dir = strings.TrimSuffix(r.Dir, r.ID) + id
	r.ID = id
}

// Args returns the settings as k=v command arguments, quoted for bash
// when needed.
func (r *BenchRun) Args() []string {
	args := make([]string, 0, len(r.Point))
	for k, v := range r.Point.All() {
		args = append(args, quoteArg(k+"="+v))
	}
	return args
}

// CommandLine returns the command followed by its settings arguments.
func (r *BenchRun) CommandLine() string {
	return strings.Join(append([]string{r.Command}, r.Args()...), " ")
}

// A Strategy dispatches a point according to a Mode.
type Strategy interface {
	Execute(ctx context.Context, run *BenchRun) (Outcome, error)
}

// A preparer claims the resources of a run before it is recorded.
type preparer interface {
	Prepare(run *BenchRun) error
}

func newStrategy(opts *Options) (Strategy, error) {
	switch opts.Mode {
	case ModePreview:
		return &preview{out: opts.Out}, nil
	case ModeLocal:
		return &local{
			execDir:   opts.ExecDir,
			out:       opts.Out,
			stdout:    opts.Stdout,
			stderr:    opts.Stderr,
			killDelay: opts.KillDelay,
			log:       opts.Logger,
			newID:     newRunID,
		}, nil
	case ModeRemote:
		if opts.RemoteScript == nil {
			return nil, configErrorf("remote mode needs a script to write to")
		}
		return &remote{w: opts.RemoteScript}, nil
	}
	return nil, fmt.Errorf("unknown mode %v", opts.Mode)
}

type preview struct {
	out io.Writer
}

func (p *preview) Execute(_ context.Context, run *BenchRun) (Outcome, error) {
	fmt.Fprintf(p.out, "\n\nResults: %s\nCommand: %s\n---\n\n", run.RelDir, run.CommandLine())
	return Staged, nil
}

type local struct {
	execDir        string
	out            io.Writer
	stdout, stderr io.Writer
	killDelay      time.Duration
	log            *zap.Logger
	newID          func(time.Time) string
}

// maxRenames bounds the search for a free run directory.
const maxRenames = 8

// Prepare creates the run directory. An existing directory belongs to
// another run and is never reused: run is renamed instead.
func (l *local) Prepare(run *BenchRun) error {
	if err := os.MkdirAll(filepath.Dir(run.Dir), 0o755); err != nil {
		return err
	}
	for range maxRenames {
		err := os.Mkdir(run.Dir, 0o755)
		if err == nil {
			run.reserved = true
			return nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return err
		}
		l.log.Warn("Run directory already exists, picking another ID", zap.String("dir", run.Dir))
		run.rename(l.newID(run.Started))
	}
	return fmt.Errorf("cannot find a free run directory for %s", run.RelDir)
}

func (l *local) Execute(ctx context.Context, run *BenchRun) (Outcome, error) {
	if !run.reserved {
		if err := l.Prepare(run); err != nil {
			return Failed, err
		}
	}
	if err := store.WriteSettings(run.Dir, run.Point.Without(ExpeSetting).All()); err != nil {
		return Failed, err
	}
	stdout, err := os.Create(filepath.Join(run.Dir, store.StdoutFile))
	if err != nil {
		return Failed, err
	}
	defer stdout.Close()
	stderr, err := os.Create(filepath.Join(run.Dir, store.StderrFile))
	if err != nil {
		return Failed, err
	}
	defer stderr.Close()

	line := l.commandPath(run.Command)
	if args := run.Args(); len(args) > 0 {
		line += " " + strings.Join(args, " ")
	}
	fmt.Fprintf(l.out, "cd %s\n%s\n", run.Dir, line)

	cmd := exec.CommandContext(ctx, "bash", "-c", line)
	cmd.Dir = run.Dir
	cmd.Stdout = io.MultiWriter(l.stdout, stdout)
	cmd.Stderr = io.MultiWriter(l.stderr, stderr)
	cmd.WaitDelay = l.killDelay
	prepareCommand(cmd)

	err = cmd.Run()
	if err != nil && ctx.Err() != nil {
		fmt.Fprintln(l.out)
		l.log.Info("Benchmark interrupted", zap.String("dir", run.Dir))
		return Interrupted, ErrInterrupted
	}
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		return Failed, fmt.Errorf("run %s: %w", run.RelDir, err)
	}
	run.ExitCode = exitCode(cmd.ProcessState)
	fmt.Fprintf(l.out, "exit code: %d\n", run.ExitCode)
	if err := store.WriteExitCode(run.Dir, run.ExitCode); err != nil {
		return Failed, err
	}
	if run.ExitCode != 0 {
		return Failed, nil
	}
	return Succeeded, nil
}

// commandPath resolves a relative command against the exec directory.
func (l *local) commandPath(command string) string {
	if l.execDir == "" || strings.HasPrefix(command, "/") {
		return command
	}
	return quoteArg(strings.TrimSuffix(l.execDir, "/")) + "/" + command
}
