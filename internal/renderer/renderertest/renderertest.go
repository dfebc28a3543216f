// Package renderertest provides a stand-in Mermaid CLI for tests.
package renderertest

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

// Markers recognised by the fake CLI when present in the diagram source.
const (
	MarkerFail  = "FAIL"  // exit 1 with a diagnostic on stderr
	MarkerEmpty = "EMPTY" // exit 0 without writing output
	MarkerSleep = "SLEEP" // sleep 5s before writing output
)

// Diagnostic is what the fake CLI prints on MarkerFail.
const Diagnostic = "Error: Parse error on line 1: unexpected token"

const script = `#!/bin/sh
all="$*"
in=""; out=""; fmt=""; theme=""
while [ $# -gt 0 ]; do
	case "$1" in
		-i) in="$2"; shift 2 ;;
		-o) out="$2"; shift 2 ;;
		-e) fmt="$2"; shift 2 ;;
		-t) theme="$2"; shift 2 ;;
		*) shift ;;
	esac
done
if [ -n "$FAKE_MMDC_ARGS_LOG" ]; then
	echo "$all" >> "$FAKE_MMDC_ARGS_LOG"
fi
if grep -q FAIL "$in"; then
	echo "` + Diagnostic + `" >&2
	exit 1
fi
if grep -q EMPTY "$in"; then
	exit 0
fi
if grep -q SLEEP "$in"; then
	sleep 5
fi
case "$fmt" in
	svg) printf '<svg xmlns="http://www.w3.org/2000/svg" data-theme="%s"><text>diagr\303\242m</text></svg>' "$theme" > "$out" ;;
	png) printf '\211PNG\r\n\032\n%s' "$theme" > "$out" ;;
	pdf) printf '%%PDF-1.4 %s' "$theme" > "$out" ;;
	*) echo "unknown format $fmt" >&2; exit 2 ;;
esac
`

// Command writes the fake CLI into a temp dir and returns its path. Tests are
// skipped where /bin/sh is not available.
func Command(t testing.TB) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake mermaid CLI needs /bin/sh")
	}
	p := filepath.Join(t.TempDir(), "fake-mmdc")
	if err := os.WriteFile(p, []byte(script), 0o755); err != nil {
		t.Fatalf("write fake mmdc: %v", err)
	}
	return p
}

// ArgsLog points the fake CLI at a log file recording each invocation's
// arguments, one line per call, and returns its path.
func ArgsLog(t testing.TB) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "args.log")
	t.Setenv("FAKE_MMDC_ARGS_LOG", p)
	return p
}
