// Package fault formats the multi-line diagnostic block shown for a
// terminated task, and tracks the process-wide at-most-once "first error
// shown in full" flag.
package fault

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/fatih/color"
	"github.com/lithammer/fuzzysearch/fuzzy"
)

// TaskFault carries everything the diagnostic formatter needs.
type TaskFault struct {
	ProcessName   string
	Cause         string
	Command       string
	ExitStatus    int
	StdoutTail    []string
	StderrTail    []string
	WrapperTail   []string
	WorkDir       string
	Container     string
	Tip           string
}

// MaxTailLines bounds how many trailing lines of a capture are shown.
const MaxTailLines = 20

// Format renders the block described for process failures: a header,
// Caused by, Command executed, Command exit status, Command output,
// optionally Command error or Command wrapper, Work dir, Container, and
// a trailing Tip. Colorized when color.NoColor is false.
func (f TaskFault) Format() string {
	var b strings.Builder

	header := color.New(color.FgRed, color.Bold).Sprintf("Process `%s` terminated", f.ProcessName)
	fmt.Fprintf(&b, "%s\n\n", header)
	fmt.Fprintf(&b, "Caused by:\n  %s\n\n", f.Cause)

	if f.Command != "" {
		fmt.Fprintf(&b, "Command executed:\n\n  %s\n\n", indentAll(f.Command, "  "))
	}
	fmt.Fprintf(&b, "Command exit status:\n  %d\n\n", f.ExitStatus)

	if len(f.StdoutTail) > 0 {
		fmt.Fprintf(&b, "Command output:\n%s\n\n", indentLines(tail(f.StdoutTail, MaxTailLines)))
	}

	if len(f.StderrTail) > 0 {
		fmt.Fprintf(&b, "Command error:\n%s\n\n", indentLines(tail(f.StderrTail, MaxTailLines)))
	} else if f.ExitStatus != 0 && len(f.WrapperTail) > 0 {
		fmt.Fprintf(&b, "Command wrapper:\n%s\n\n", indentLines(tail(f.WrapperTail, MaxTailLines)))
	}

	fmt.Fprintf(&b, "Work dir:\n  %s\n\n", f.WorkDir)
	if f.Container != "" {
		fmt.Fprintf(&b, "Container:\n  %s\n\n", f.Container)
	}
	if f.Tip != "" {
		fmt.Fprintf(&b, "%s %s\n", color.New(color.FgYellow).Sprint("Tip:"), f.Tip)
	}

	return b.String()
}

func indentAll(s, prefix string) string {
	lines := strings.Split(s, "\n")
	return strings.Join(lines, "\n"+prefix)
}

func indentLines(lines []string) string {
	out := make([]string, len(lines))
	for i, l := range lines {
		out[i] = "  " + l
	}
	return strings.Join(out, "\n")
}

func tail(lines []string, n int) []string {
	if len(lines) <= n {
		return lines
	}
	return lines[len(lines)-n:]
}

// TipForMissingOutput suggests the closest-matching file name in
// candidates for a missing declared output pattern, using fuzzy string
// matching. Returns "" if candidates is empty or nothing is close.
func TipForMissingOutput(pattern string, candidates []string) string {
	if len(candidates) == 0 {
		return ""
	}
	matches := fuzzy.RankFindFold(pattern, candidates)
	if len(matches) == 0 {
		return ""
	}
	sort.Sort(matches)
	return fmt.Sprintf("did you mean %q?", matches[0].Target)
}

// ShownFlag is the process-wide, at-most-once "first error shown in
// full" flag. Subsequent errors are suppressed to a short line instead of
// the full diagnostic, to avoid flooding the log.
type ShownFlag struct {
	shown int32
}

// MarkIfFirst reports whether this call is the first to claim the flag.
// Safe for concurrent use.
func (f *ShownFlag) MarkIfFirst() bool {
	return atomic.CompareAndSwapInt32(&f.shown, 0, 1)
}

// Print writes a TaskFault's full diagnostic to w on the first call
// across the flag's lifetime, and a one-line summary on every call
// after.
func Print(w *os.File, flag *ShownFlag, f TaskFault) {
	if flag.MarkIfFirst() {
		fmt.Fprint(w, f.Format())
		return
	}
	fmt.Fprintf(w, "%s %s failed (exit %d); see above for the first full diagnostic.\n",
		color.New(color.FgRed).Sprint("ERROR:"), f.ProcessName, f.ExitStatus)
}
