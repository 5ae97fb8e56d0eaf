package store

import (
	"errors"
	"fmt"
	"io/fs"
	"maps"
	"os"
	"path/filepath"
	"strings"

	"matbench/internal/dedup"

	"go.uber.org/zap"
)

// ScanOptions configures a Scanner.
type ScanOptions struct {
	Root   string            // results tree to walk
	Clean  bool              // purge incomplete, failed and duplicated runs
	Apply  bool              // really delete; otherwise only report
	Filter map[string]string // settings a run must match to be imported
	Parser Parser            // nil means the default parser
	Logger *zap.Logger
}

// A ScanReport counts what a scan found.
type ScanReport struct {
	Candidates int // directories with a settings file and no skip marker
	Valid      int
	Registered int // records added to the index
	Incomplete int
	Failed     int
	Unreadable int
	Filtered   int
	Duplicates int
	Removed    int
}

func (r ScanReport) String() string {
	return fmt.Sprintf("%d run directories: %d valid (%d registered), %d incomplete, %d failed, %d unreadable, %d filtered out, %d duplicated, %d removed",
		r.Candidates, r.Valid, r.Registered, r.Incomplete, r.Failed, r.Unreadable, r.Filtered, r.Duplicates, r.Removed)
}

// A Scanner imports the run directories of a results tree into an index.
type Scanner struct {
	opts   ScanOptions
	index  dedup.Index
	parser Parser
	log    *zap.Logger

	report  ScanReport
	removed bool // current directory was deleted
}

// NewScanner returns a Scanner feeding index.
func NewScanner(opts ScanOptions, index dedup.Index) *Scanner {
	s := &Scanner{opts: opts, index: index, parser: opts.Parser, log: opts.Logger}
	if s.parser == nil {
		s.parser = ParserFunc(parseSimple)
	}
	if s.log == nil {
		s.log = zap.NewNop()
	}
	return s
}

// Scan walks the results tree in lexical order.
// A missing root is not an error: nothing has run yet.
// An error from the workload parser aborts the whole scan.
func (s *Scanner) Scan() (ScanReport, error) {
	s.report = ScanReport{}
	root := s.opts.Root
	if _, err := os.Stat(root); errors.Is(err, fs.ErrNotExist) {
		s.log.Debug("Results directory does not exist yet", zap.String("root", root))
		return s.report, nil
	}
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() || !exists(filepath.Join(path, SettingsFile)) || exists(filepath.Join(path, SkipFile)) {
			return nil
		}
		s.report.Candidates++
		s.removed = false
		if err := s.scanDir(path, experimentOf(root, path)); err != nil {
			return err
		}
		if s.removed {
			return fs.SkipDir
		}
		return nil
	})
	return s.report, err
}

// experimentOf returns the first path element of dir below root.
func experimentOf(root, dir string) string {
	rel, err := filepath.Rel(root, dir)
	if err != nil || rel == "." {
		return ""
	}
	first, _, _ := strings.Cut(filepath.ToSlash(rel), "/")
	return first
}

func (s *Scanner) scanDir(dir, expe string) error {
	status, err := Classify(dir)
	switch status {
	case Unreadable:
		s.report.Unreadable++
		s.log.Warn("Cannot read exit code, skipping", zap.String("dir", dir), zap.Error(err))
		return nil
	case Incomplete:
		s.report.Incomplete++
		s.purge(dir, status)
		return nil
	case Failed:
		s.report.Failed++
		s.purge(dir, status)
		return nil
	}
	s.report.Valid++

	fileSettings, bad, err := ReadSettings(dir)
	if err != nil {
		s.log.Warn("Cannot read settings, skipping", zap.String("dir", dir), zap.Error(err))
		return nil
	}
	for _, e := range bad {
		s.log.Warn("Invalid line in settings file",
			zap.String("file", filepath.Join(dir, SettingsFile)),
			zap.Int("line", e.Line),
			zap.String("text", e.Text))
	}
	settings := map[string]string{"expe": expe}
	maps.Copy(settings, fileSettings)

	for k, want := range s.opts.Filter {
		if got, ok := settings[k]; ok && got != want {
			s.report.Filtered++
			return nil
		}
	}

	records, err := s.parser.ParseResults(dir, settings)
	if err != nil {
		s.log.Error("Failed to parse results", zap.String("dir", dir), zap.Error(err))
		return fmt.Errorf("parse results of %s: %w", dir, err)
	}
	for _, rec := range records {
		entrySettings := maps.Clone(settings)
		maps.Copy(entrySettings, rec.Extra)
		if _, ok := s.index.Register(entrySettings, dir, rec.Result, dedup.Imported, s.duplicated); ok {
			s.report.Registered++
		}
		if s.removed {
			break
		}
	}
	return nil
}

// purge reports an incomplete or failed run and deletes it
// when both Clean and Apply are set.
func (s *Scanner) purge(dir string, status Status) {
	s.log.Info("Run directory not usable", zap.String("dir", dir), zap.Stringer("status", status))
	if !s.opts.Clean {
		return
	}
	s.remove(dir)
}

func (s *Scanner) remove(dir string) {
	if !s.opts.Apply {
		s.log.Info("Would have been deleted", zap.String("dir", dir))
		return
	}
	if err := os.RemoveAll(dir); err != nil {
		s.log.Error("Cannot remove directory", zap.String("dir", dir), zap.Error(err))
		return
	}
	s.report.Removed++
	s.removed = true
	s.log.Info("Removed", zap.String("dir", dir))
}

// duplicated handles a key found in two run directories.
// The directory being scanned is the candidate for deletion. The walk is
// lexical and run directory names end with their creation time, so it is
// normally the newer one; when its exit_code is older than the registered
// one's, both directories are kept and only a warning is emitted.
func (s *Scanner) duplicated(key dedup.Key, oldLocation, newLocation string) {
	s.report.Duplicates++
	s.log.Warn("Duplicated results key",
		zap.String("key", string(key)),
		zap.String("old", oldLocation),
		zap.String("new", newLocation))
	if !s.opts.Clean {
		return
	}
	if olderRun(newLocation, oldLocation) {
		s.log.Warn("Registered copy is the newer one, keeping both", zap.String("new", newLocation))
		return
	}
	s.remove(newLocation)
}

// olderRun reports whether the run in a finished strictly before the run in b.
func olderRun(a, b string) bool {
	ia, errA := os.Stat(filepath.Join(a, ExitCodeFile))
	ib, errB := os.Stat(filepath.Join(b, ExitCodeFile))
	if errA != nil || errB != nil {
		return false
	}
	return ia.ModTime().Before(ib.ModTime())
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
