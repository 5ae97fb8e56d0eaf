package matrix

import (
	"context"
	"fmt"
	"io"
	"strings"
)

// remoteHeader starts a remote script. The script takes the results
// directory and the exec directory as arguments.
const remoteHeader = `#! /bin/bash

set -x

if ! [[ -d "$1" ]]; then
  echo "FATAL: \$1 should point to the result directory"
  exit 1
fi
RESULTS_DIR="$(realpath "$1")"

if ! [[ -d "$2" ]]; then
  echo "FATAL: \$2 should point to 'exec' directory "
  exit 1
fi
EXEC_DIR="$(realpath "$2")"
`

// remote appends one idempotent fragment per point to a bash script.
// Running the script again skips the runs that already exited with 0.
type remote struct {
	w      io.Writer
	header bool
}

func (r *remote) Execute(_ context.Context, run *BenchRun) (Outcome, error) {
	if !r.header {
		if _, err := io.WriteString(r.w, remoteHeader); err != nil {
			return Staged, fmt.Errorf("write remote script: %w", err)
		}
		r.header = true
	}
	if _, err := io.WriteString(r.w, remoteFragment(run)); err != nil {
		return Staged, fmt.Errorf("write remote script: %w", err)
	}
	return Staged, nil
}

func remoteFragment(run *BenchRun) string {
	lines := []string{}
	for k, v := range run.Point.Without(ExpeSetting).All() {
		lines = append(lines, shellQuote(k+"="+v))
	}
	lines = append(lines, "''")

	command := run.Command
	if !strings.HasPrefix(command, "/") {
		command = `"${EXEC_DIR}"/` + command
	}
	if args := run.Args(); len(args) > 0 {
		command += " " + strings.Join(args, " ")
	}

	var b strings.Builder
	fmt.Fprintf(&b, "\necho \"Expe %d/%d\"\n", run.Index, run.Total)
	fmt.Fprintf(&b, "CURRENT_DIRNAME=\"${RESULTS_DIR}\"/%s\n\n", shellQuote(run.RelDir))
	b.WriteString("if [[ \"$(cat \"$CURRENT_DIRNAME/exit_code\" 2>/dev/null)\" != 0 ]]; then\n")
	b.WriteString("  mkdir -p \"$CURRENT_DIRNAME\"\n")
	b.WriteString("  cd \"$CURRENT_DIRNAME\"\n")
	b.WriteString("  rm -rf -- \"$CURRENT_DIRNAME\"/*\n")
	fmt.Fprintf(&b, "  printf '%%s\\n' %s > ./settings\n", strings.Join(lines, " "))
	fmt.Fprintf(&b, "  echo \"$(date) Running expe %d/%d\"\n", run.Index, run.Total)
	fmt.Fprintf(&b, "  %s 1> >(tee stdout) 2> >(tee stderr >&2)\n", command)
	b.WriteString("  echo \"$?\" > ./exit_code\n")
	b.WriteString("else\n")
	b.WriteString("  echo \"Already recorded in $CURRENT_DIRNAME.\"\n")
	b.WriteString("fi\n")
	return b.String()
}

func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	return "'" + strings.ReplaceAll(s, `'`, `'"'"'`) + "'"
}

// quoteArg quotes s only when bash would otherwise split or expand it.
func quoteArg(s string) string {
	if s == "" {
		return "''"
	}
	for _, c := range s {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case strings.ContainsRune("-_=./,:+@%", c):
		default:
			return shellQuote(s)
		}
	}
	return s
}
