// Package store reads and writes run directories in a results tree.
//
// A run directory holds a settings file (one key=value per line) and, once
// the benchmark command has finished, an exit_code file. A skip file
// excludes the directory from scanning.
package store

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"iter"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// File names inside a run directory.
const (
	SettingsFile = "settings"
	ExitCodeFile = "exit_code"
	SkipFile     = "skip"
	StdoutFile   = "stdout"
	StderrFile   = "stderr"
)

// FormatSettings renders settings in the settings file format,
// followed by an empty line.
func FormatSettings(settings iter.Seq2[string, string]) string {
	var b strings.Builder
	for k, v := range settings {
		fmt.Fprintf(&b, "%s=%s\n", k, v)
	}
	b.WriteString("\n")
	return b.String()
}

// WriteSettings writes the settings file of the run directory dir.
func WriteSettings(dir string, settings iter.Seq2[string, string]) error {
	return os.WriteFile(filepath.Join(dir, SettingsFile), []byte(FormatSettings(settings)), 0o644)
}

// A LineError reports a malformed line of a settings file.
type LineError struct {
	Line int
	Text string
}

func (e *LineError) Error() string {
	return fmt.Sprintf("line %d: missing '=' in %q", e.Line, e.Text)
}

// ParseSettings reads key=value lines from r.
// Blank lines are ignored. A line without '=' is reported in bad and
// skipped; the rest of the input is still parsed.
func ParseSettings(r io.Reader) (settings map[string]string, bad []*LineError, err error) {
	settings = make(map[string]string)
	sc := bufio.NewScanner(r)
	for n := 1; sc.Scan(); n++ {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			bad = append(bad, &LineError{Line: n, Text: line})
			continue
		}
		settings[k] = v
	}
	return settings, bad, sc.Err()
}

// ReadSettings parses the settings file of the run directory dir.
func ReadSettings(dir string) (map[string]string, []*LineError, error) {
	f, err := os.Open(filepath.Join(dir, SettingsFile))
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()
	return ParseSettings(f)
}

// WriteExitCode records the exit code of the run in dir.
func WriteExitCode(dir string, code int) error {
	return os.WriteFile(filepath.Join(dir, ExitCodeFile), []byte(strconv.Itoa(code)+"\n"), 0o644)
}

// ReadExitCode returns the recorded exit code of the run in dir.
// A missing file is reported with an error satisfying
// errors.Is(err, fs.ErrNotExist).
func ReadExitCode(dir string) (int, error) {
	data, err := os.ReadFile(filepath.Join(dir, ExitCodeFile))
	if err != nil {
		return 0, err
	}
	code, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("%s: %w", filepath.Join(dir, ExitCodeFile), err)
	}
	return code, nil
}

// A Status classifies a run directory.
type Status int

const (
	Valid      Status = iota // exit code 0
	Incomplete               // no exit code
	Failed                   // non-zero exit code
	Unreadable               // exit code cannot be parsed
)

var statusNames = [...]string{"valid", "incomplete", "failed", "unreadable"}

func (s Status) String() string {
	if int(s) < len(statusNames) {
		return statusNames[s]
	}
	return "Status(" + strconv.Itoa(int(s)) + ")"
}

// Classify reports the status of the run directory dir.
func Classify(dir string) (Status, error) {
	code, err := ReadExitCode(dir)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return Incomplete, nil
	case err != nil:
		return Unreadable, err
	case code != 0:
		return Failed, nil
	}
	return Valid, nil
}
