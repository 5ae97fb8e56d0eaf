package matrix

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"matbench/internal/config"
	"matbench/internal/dedup"
	"matbench/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

const scenario = `
--expe-to-run: [A]
--path-tpl: "size={size}/mode={mode}/"
--script-tpl: "bench.sh {size}"
common_settings:
  size: "1,2"
expe:
  A:
    mode: [x, y]
`

// benchScript is installed in the exec directory. It fails when given
// fail=1 and otherwise echoes its arguments.
const benchScript = `#!/bin/bash
for a in "$@"; do
  if [[ "$a" == fail=1 ]]; then
    echo "asked to fail" >&2
    exit 3
  fi
done
echo "args: $*"
`

var fixedNow = func() time.Time { return time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC) }

func loadScenario(t *testing.T, doc string) *config.Benchmark {
	t.Helper()
	benches, err := config.ParseBenchmarks([]byte(doc), "bench.yaml")
	require.NoError(t, err)
	require.Len(t, benches, 1)
	return benches[0]
}

func requireBash(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("bash"); err != nil {
		t.Skip("bash not available")
	}
}

func execDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bench.sh"), []byte(benchScript), 0o755))
	return dir
}

func newRunner(t *testing.T, opts Options, idx dedup.Index) *Runner {
	t.Helper()
	if opts.Now == nil {
		opts.Now = fixedNow
	}
	r, err := New(opts, idx)
	require.NoError(t, err)
	return r
}

func TestSelectMode(t *testing.T) {
	assert.Equal(t, ModePreview, SelectMode(false, false))
	assert.Equal(t, ModePreview, SelectMode(false, true))
	assert.Equal(t, ModeLocal, SelectMode(true, false))
	assert.Equal(t, ModeRemote, SelectMode(true, true))
}

func TestPreviewHasNoSideEffects(t *testing.T) {
	results := filepath.Join(t.TempDir(), "results")
	var out bytes.Buffer
	r := newRunner(t, Options{Mode: ModePreview, ResultsDir: results, Out: &out}, dedup.NewMemory())

	sum, err := r.Run(context.Background(), loadScenario(t, scenario))
	require.NoError(t, err)
	assert.Equal(t, Counters{Total: 4, Current: 4, Executed: 4}, sum.Counters)
	assert.Equal(t, []string{"A"}, sum.Experiments)
	assert.NoDirExists(t, results)

	text := out.String()
	assert.Contains(t, text, "Results: A/size=1/mode=x/20240102_0304.")
	assert.Contains(t, text, "Command: bench.sh 1 size=1 mode=x expe=A")
	assert.Less(t, strings.Index(text, "mode=y expe=A"), strings.Index(text, "Command: bench.sh 2 size=2 mode=x"))
	assert.Equal(t, 4, strings.Count(text, "running "))
}

func TestLocalRunAndRerun(t *testing.T) {
	requireBash(t)
	defer goleak.VerifyNone(t)

	results := t.TempDir()
	exe := execDir(t)
	bench := loadScenario(t, scenario)
	var stdout bytes.Buffer
	idx := dedup.NewMemory()
	r := newRunner(t, Options{Mode: ModeLocal, ResultsDir: results, ExecDir: exe, Stdout: &stdout}, idx)

	sum, err := r.Run(context.Background(), bench)
	require.NoError(t, err)
	assert.Equal(t, Counters{Total: 4, Current: 4, Executed: 4}, sum.Counters)
	assert.Equal(t, 4, idx.Len())
	assert.Contains(t, stdout.String(), "args: 1 size=1 mode=x expe=A")

	// Same index: everything was processed during this invocation.
	sum, err = r.Run(context.Background(), bench)
	require.NoError(t, err)
	assert.Equal(t, Counters{Total: 4, Current: 4, Recorded: 4}, sum.Counters)

	// Fresh invocation: the scanner rebuilds the index from disk.
	fresh := dedup.NewMemory()
	report, err := store.NewScanner(store.ScanOptions{Root: results}, fresh).Scan()
	require.NoError(t, err)
	assert.Equal(t, 4, report.Valid)
	assert.Equal(t, 4, report.Registered)
	for _, e := range fresh.Entries() {
		assert.Equal(t, dedup.Imported, e.State)
		assert.Contains(t, e.Location, filepath.Join(results, "A", "size="+e.Settings["size"], "mode="+e.Settings["mode"]))

		data, err := os.ReadFile(filepath.Join(e.Location, store.StdoutFile))
		require.NoError(t, err)
		assert.Contains(t, string(data), "args: ")
	}
	for _, e := range idx.Entries() {
		_, state := fresh.Lookup(e.Key)
		assert.Equal(t, dedup.Imported, state, "local settings and scanned settings key alike")
	}

	var out bytes.Buffer
	r = newRunner(t, Options{Mode: ModeLocal, ResultsDir: results, ExecDir: exe, Out: &out}, fresh)
	sum, err = r.Run(context.Background(), bench)
	require.NoError(t, err)
	assert.Equal(t, Counters{Total: 4, Current: 4, Recorded: 4}, sum.Counters)
	assert.Contains(t, out.String(), "experiment 1/4 already recorded, skipping.\n> A/size=1/mode=x/20240102_0304.")
}

func TestLocalSettingsFile(t *testing.T) {
	requireBash(t)
	defer goleak.VerifyNone(t)

	results := t.TempDir()
	idx := dedup.NewMemory()
	r := newRunner(t, Options{Mode: ModeLocal, ResultsDir: results, ExecDir: execDir(t)}, idx)
	_, err := r.Run(context.Background(), loadScenario(t, scenario))
	require.NoError(t, err)

	for _, e := range idx.Entries() {
		data, err := os.ReadFile(filepath.Join(e.Location, store.SettingsFile))
		require.NoError(t, err)
		want := "size=" + e.Settings["size"] + "\nmode=" + e.Settings["mode"] + "\n\n"
		assert.Equal(t, want, string(data))

		code, err := store.ReadExitCode(e.Location)
		require.NoError(t, err)
		assert.Zero(t, code)
	}
}

func TestLocalNeverReusesRunDirectory(t *testing.T) {
	requireBash(t)
	defer goleak.VerifyNone(t)

	results := t.TempDir()
	taken := filepath.Join(results, "A", "mode=x", "20240102_0304.aaaa")
	require.NoError(t, os.MkdirAll(taken, 0o755))
	require.NoError(t, store.WriteSettings(taken, Point{{"mode", "x"}}.All()))
	require.NoError(t, store.WriteExitCode(taken, 0))

	run := &BenchRun{
		ID:      "20240102_0304.aaaa",
		Expe:    "A",
		RelDir:  "A/mode=x/20240102_0304.aaaa",
		Dir:     taken,
		Command: "bench.sh",
		Point:   Point{{"mode", "y"}, {"expe", "A"}},
		Started: fixedNow(),
	}
	ids := []string{"20240102_0304.aaaa", "20240102_0304.bbbb"}
	l := &local{
		execDir: execDir(t),
		out:     io.Discard,
		stdout:  io.Discard,
		stderr:  io.Discard,
		log:     zap.NewNop(),
		newID: func(time.Time) string {
			id := ids[0]
			ids = ids[1:]
			return id
		},
	}

	outcome, err := l.Execute(context.Background(), run)
	require.NoError(t, err)
	assert.Equal(t, Succeeded, outcome)
	assert.Equal(t, "20240102_0304.bbbb", run.ID)
	assert.Equal(t, "A/mode=x/20240102_0304.bbbb", run.RelDir)
	assert.Equal(t, filepath.Join(results, "A", "mode=x", "20240102_0304.bbbb"), run.Dir)

	data, err := os.ReadFile(filepath.Join(taken, store.SettingsFile))
	require.NoError(t, err)
	assert.Equal(t, "mode=x\n\n", string(data))
	data, err = os.ReadFile(filepath.Join(run.Dir, store.SettingsFile))
	require.NoError(t, err)
	assert.Equal(t, "mode=y\n\n", string(data))
}

func TestLocalGivesUpOnTakenDirectories(t *testing.T) {
	results := t.TempDir()
	taken := filepath.Join(results, "A", "20240102_0304.aaaa")
	require.NoError(t, os.MkdirAll(taken, 0o755))

	run := &BenchRun{ID: "20240102_0304.aaaa", RelDir: "A/20240102_0304.aaaa", Dir: taken}
	l := &local{log: zap.NewNop(), newID: func(time.Time) string { return "20240102_0304.aaaa" }}
	outcome, err := l.Execute(context.Background(), run)
	require.ErrorContains(t, err, "cannot find a free run directory")
	assert.Equal(t, Failed, outcome)
	assert.NoFileExists(t, filepath.Join(taken, store.SettingsFile))
}

func TestLocalFailures(t *testing.T) {
	requireBash(t)
	defer goleak.VerifyNone(t)

	const doc = `
--expe-to-run: A, B
--path-tpl: "fail={fail}/"
--script-tpl: "bench.sh"
expe:
  A:
    fail: [1, 0]
  B:
    fail: 0
`
	tests := []struct {
		name        string
		stopOnError bool
		want        Counters
		experiments []string
	}{
		{"continue", false, Counters{Total: 3, Current: 3, Executed: 3, Errors: 1}, []string{"A", "B"}},
		{"stop", true, Counters{Total: 2, Current: 1, Executed: 1, Errors: 1}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			results := t.TempDir()
			bench := loadScenario(t, doc)
			bench.Flags.StopOnError = tt.stopOnError
			var out bytes.Buffer
			r := newRunner(t, Options{Mode: ModeLocal, ResultsDir: results, ExecDir: execDir(t), Out: &out}, dedup.NewMemory())

			sum, err := r.Run(context.Background(), bench)
			require.NoError(t, err)
			assert.Equal(t, tt.want, sum.Counters)
			assert.Equal(t, tt.experiments, sum.Experiments)
			if tt.stopOnError {
				assert.Contains(t, out.String(), "Stopping on error.")
			}

			report, err := store.NewScanner(store.ScanOptions{Root: results}, dedup.NewMemory()).Scan()
			require.NoError(t, err)
			assert.Equal(t, 1, report.Failed)
		})
	}
}

func TestLocalInterrupt(t *testing.T) {
	requireBash(t)
	defer goleak.VerifyNone(t)

	exe := t.TempDir()
	slow := "#!/bin/bash\ntouch started\nsleep 30\n"
	require.NoError(t, os.WriteFile(filepath.Join(exe, "slow.sh"), []byte(slow), 0o755))
	const doc = `
--expe-to-run: [A]
--path-tpl: "n={n}/"
--script-tpl: "slow.sh"
expe:
  A:
    n: "1, 2"
`
	results := t.TempDir()
	idx := dedup.NewMemory()
	var out bytes.Buffer
	r := newRunner(t, Options{Mode: ModeLocal, ResultsDir: results, ExecDir: exe, Out: &out, KillDelay: 5 * time.Second}, idx)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		deadline := time.Now().Add(10 * time.Second)
		for time.Now().Before(deadline) {
			matches, _ := filepath.Glob(filepath.Join(results, "A", "n=1", "*", "started"))
			if len(matches) > 0 {
				break
			}
			time.Sleep(10 * time.Millisecond)
		}
		cancel()
	}()

	start := time.Now()
	sum, err := r.Run(ctx, loadScenario(t, doc))
	<-done
	require.ErrorIs(t, err, ErrInterrupted)
	require.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), 20*time.Second)
	assert.Equal(t, Counters{Total: 2, Current: 1}, sum.Counters)
	assert.Contains(t, out.String(), "Stopping on keyboard interrupt.")
	assert.Zero(t, idx.Len())

	fresh := dedup.NewMemory()
	report, err := store.NewScanner(store.ScanOptions{Root: results}, fresh).Scan()
	require.NoError(t, err)
	assert.Equal(t, 1, report.Incomplete)
	_, state := fresh.Lookup(dedup.KeyOf(map[string]string{"n": "1", "expe": "A"}))
	assert.Equal(t, dedup.NotFound, state)
}

func TestTemplateErrors(t *testing.T) {
	const doc = `
--expe-to-run: [A]
--path-tpl: "{size}/"
--script-tpl: "bench.sh {missing}"
expe:
  A:
    size: 1, 2, 3
`
	tests := []struct {
		name        string
		stopOnError bool
		want        Counters
	}{
		{"continue", false, Counters{Total: 3, Current: 3, Errors: 3}},
		{"halt", true, Counters{Total: 3, Current: 1, Errors: 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			core, logs := observer.New(zapcore.ErrorLevel)
			results := filepath.Join(t.TempDir(), "results")
			bench := loadScenario(t, doc)
			bench.Flags.StopOnError = tt.stopOnError
			r := newRunner(t, Options{Mode: ModeLocal, ResultsDir: results, Logger: zap.New(core)}, dedup.NewMemory())

			sum, err := r.Run(context.Background(), bench)
			require.NoError(t, err)
			assert.Equal(t, tt.want, sum.Counters)
			assert.NoDirExists(t, results, "nothing is created for a point whose templates fail")
			entries := logs.FilterMessage("Cannot apply template").All()
			require.NotEmpty(t, entries)
			assert.Equal(t, "missing", entries[0].ContextMap()["key"])
		})
	}
}

func TestPathTemplateOverride(t *testing.T) {
	const doc = `
--expe-to-run: [A, B]
--script-tpl: "bench.sh"
expe:
  A:
    --path-tpl: "custom/{n}/"
    n: 1
  B:
    n: 1
`
	var out bytes.Buffer
	r := newRunner(t, Options{Mode: ModePreview, Out: &out}, dedup.NewMemory())
	sum, err := r.Run(context.Background(), loadScenario(t, doc))

	var cfgErr *ConfigError
	require.True(t, errors.As(err, &cfgErr), "got %v", err)
	assert.Contains(t, err.Error(), "expe[B].--path-tpl")
	assert.Equal(t, []string{"A"}, sum.Experiments)
	assert.Contains(t, out.String(), "Results: A/custom/1/20240102_0304.")
	assert.Contains(t, out.String(), "Command: bench.sh n=1 expe=A\n")
}

func TestRunConfigErrors(t *testing.T) {
	tests := []struct {
		name, doc, want string
	}{
		{"no list", "--script-tpl: x\n--path-tpl: y\nexpe: {A: {}}\n", "missing flag '--expe-to-run'"},
		{"empty list", "--expe-to-run: []\n--script-tpl: x\n", "no experiment to run"},
		{"no script", "--expe-to-run: A\nexpe: {A: {}}\n", "--script-tpl"},
		{"unknown", "--expe-to-run: A, C\n--script-tpl: x\n--path-tpl: y\nexpe: {A: {}}\n", `"C": experiment matrix not defined`},
		{"bad template", "--expe-to-run: A\n--script-tpl: x{\n--path-tpl: y\nexpe: {A: {}}\n", "unclosed"},
		{"extra mapping", "--expe-to-run: A\n--script-tpl: x\n--path-tpl: y\nexpe: {A: {extra: {a: b}}}\n", "is a mapping"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newRunner(t, Options{Mode: ModePreview}, dedup.NewMemory())
			sum, err := r.Run(context.Background(), loadScenario(t, tt.doc))
			var cfgErr *ConfigError
			require.True(t, errors.As(err, &cfgErr), "got %v", err)
			assert.Contains(t, err.Error(), tt.want)
			assert.Zero(t, sum.Executed)
		})
	}
}

func TestDisabledExperimentsAreSkipped(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	doc := "--expe-to-run: [_A, B]\n--script-tpl: x\n--path-tpl: y/\nexpe: {B: {n: 1}}\n"
	r := newRunner(t, Options{Mode: ModePreview, Logger: zap.New(core)}, dedup.NewMemory())
	sum, err := r.Run(context.Background(), loadScenario(t, doc))
	require.NoError(t, err)
	assert.Equal(t, []string{"B"}, sum.Experiments)
	assert.Equal(t, 1, logs.FilterMessage("Skipping disabled experiment").Len())
}

func TestRemoteModeOnlyWritesTheScript(t *testing.T) {
	results := filepath.Join(t.TempDir(), "results")
	var script bytes.Buffer
	r := newRunner(t, Options{Mode: ModeRemote, ResultsDir: results, RemoteScript: &script}, dedup.NewMemory())

	bench := loadScenario(t, scenario)
	sum, err := r.Run(context.Background(), bench)
	require.NoError(t, err)
	assert.Equal(t, Counters{Total: 4, Current: 4, Executed: 4}, sum.Counters)
	_, err = r.Run(context.Background(), bench)
	require.NoError(t, err)
	assert.NoDirExists(t, results)

	text := script.String()
	assert.True(t, strings.HasPrefix(text, "#! /bin/bash\n"))
	assert.Equal(t, 1, strings.Count(text, "#! /bin/bash"), "header written once per runner")
	assert.Equal(t, 8, strings.Count(text, "echo \"$?\" > ./exit_code"))
	assert.Contains(t, text, `CURRENT_DIRNAME="${RESULTS_DIR}"/'A/size=1/mode=x/20240102_0304.`)
	assert.Contains(t, text, `printf '%s\n' 'size=1' 'mode=x' '' > ./settings`)
	assert.Contains(t, text, `"${EXEC_DIR}"/bench.sh 1 size=1 mode=x expe=A 1> >(tee stdout) 2> >(tee stderr >&2)`)

	_, err = New(Options{Mode: ModeRemote}, dedup.NewMemory())
	var cfgErr *ConfigError
	assert.True(t, errors.As(err, &cfgErr))
}

func TestRemoteScriptExecution(t *testing.T) {
	requireBash(t)
	for _, tool := range []string{"realpath", "tee"} {
		if _, err := exec.LookPath(tool); err != nil {
			t.Skipf("%s not available", tool)
		}
	}

	results := t.TempDir()
	exe := execDir(t)
	scriptPath := filepath.Join(t.TempDir(), "remote.sh")
	f, err := os.Create(scriptPath)
	require.NoError(t, err)
	r := newRunner(t, Options{Mode: ModeRemote, ResultsDir: "/elsewhere", RemoteScript: f}, dedup.NewMemory())
	_, err = r.Run(context.Background(), loadScenario(t, scenario))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	run := func() string {
		out, err := exec.Command("bash", scriptPath, results, exe).CombinedOutput()
		require.NoError(t, err, string(out))
		return string(out)
	}
	run()

	idx := dedup.NewMemory()
	report, err := store.NewScanner(store.ScanOptions{Root: results}, idx).Scan()
	require.NoError(t, err)
	assert.Equal(t, 4, report.Valid)
	assert.Equal(t, 4, report.Registered)
	_, state := idx.Lookup(dedup.KeyOf(map[string]string{"size": "2", "mode": "y", "expe": "A"}))
	assert.Equal(t, dedup.Imported, state)

	again := run()
	assert.Equal(t, 4, strings.Count(again, "\nAlready recorded in"))

	out, err := exec.Command("bash", scriptPath, filepath.Join(results, "missing"), exe).CombinedOutput()
	assert.Error(t, err)
	assert.Contains(t, string(out), "should point to the result directory")
}

func TestSummaryFormat(t *testing.T) {
	tests := []struct {
		name string
		sum  Summary
		want string
	}{
		{
			"preview",
			Summary{Mode: ModePreview, Experiments: []string{"A"}, Counters: Counters{Total: 4, Executed: 4}},
			"Ran 1 matrix: A\nOut of 4 experiments configured:\n- 4 would have been executed,\n- 0 were already recorded,\n- 0 failed.\n",
		},
		{
			"singular",
			Summary{Mode: ModeLocal, Experiments: []string{"A", "B"}, Counters: Counters{Total: 4, Executed: 1, Recorded: 1, Errors: 1}},
			"Ran 2 matrices: A, B\nOut of 4 experiments configured:\n- 1 has been executed,\n- 1 was already recorded,\n- 1 failed.\n",
		},
		{
			"plural",
			Summary{Mode: ModeRemote, Counters: Counters{Total: 4, Executed: 2, Recorded: 2}},
			"Ran 0 matrices: \nOut of 4 experiments configured:\n- 2 have been executed,\n- 2 were already recorded,\n- 0 failed.\n",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.sum.Format())
		})
	}
}

type fakeRecorder struct {
	started  []string
	finished []Outcome
}

func (f *fakeRecorder) RunStarted(run *BenchRun, mode Mode) error {
	f.started = append(f.started, run.ID)
	return nil
}

func (f *fakeRecorder) RunFinished(run *BenchRun, outcome Outcome) error {
	f.finished = append(f.finished, outcome)
	return errors.New("journal is read-only")
}

func TestRecorder(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	rec := &fakeRecorder{}
	r := newRunner(t, Options{Mode: ModePreview, Recorder: rec, Logger: zap.New(core)}, dedup.NewMemory())
	sum, err := r.Run(context.Background(), loadScenario(t, scenario))
	require.NoError(t, err, "journal failures are not fatal")
	assert.Equal(t, 4, sum.Executed)
	require.Len(t, rec.started, 4)
	assert.Regexp(t, `^20240102_0304\.[0-9a-f]{4}$`, rec.started[0])
	assert.Equal(t, []Outcome{Staged, Staged, Staged, Staged}, rec.finished)
	assert.Equal(t, 4, logs.FilterMessage("Cannot update the run journal").Len())
}
