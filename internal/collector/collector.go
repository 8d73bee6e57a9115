// Package collector gathers a completed task's declared outputs: stdout,
// glob-matched files, and the resumable .command.env capture format used
// for env/cmd-eval outputs.
package collector

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/flowforge/taskproc/internal/process"
	"github.com/flowforge/taskproc/internal/task"
	"github.com/flowforge/taskproc/internal/value"
)

// ErrArity is returned when a collected output's match count falls
// outside its declared bounds (min always 1 unless Optional). It wraps
// task.ErrProcessFailure so errorpolicy.Classify recognizes it as a
// known process failure rather than an unrecognized error.
var ErrArity = fmt.Errorf("collector: arity violation: %w", task.ErrProcessFailure)

// CmdEvalError is returned when a cmd-eval output's captured exit code is
// non-zero.
type CmdEvalError struct {
	Param    string
	Command  string
	Captured string
	Exit     int
}

func (e *CmdEvalError) Error() string {
	return fmt.Sprintf("collector: cmd-eval %q exited %d", e.Param, e.Exit)
}

// Unwrap marks CmdEvalError as a recognized process failure, same as
// ErrArity.
func (e *CmdEvalError) Unwrap() error {
	return task.ErrProcessFailure
}

// Collect walks proc's declared outputs against t's work dir and context,
// binding t.Outputs. It returns an error on the first arity violation or
// cmd-eval failure.
func Collect(proc *process.Descriptor, t *task.Task) error {
	var env map[string]string
	envPath := filepath.Join(t.WorkDir, ".command.env")
	if _, err := os.Stat(envPath); err == nil {
		parsed, perr := ParseCommandEnv(envPath)
		if perr != nil {
			return fmt.Errorf("collector: parse .command.env: %w", perr)
		}
		env = parsed
	}

	for _, out := range proc.Outputs {
		switch out.Kind {
		case process.OutputStdout:
			if err := collectStdout(t, out); err != nil {
				return err
			}
		case process.OutputFile:
			if err := collectFile(t, out); err != nil {
				return err
			}
		case process.OutputEnv:
			if err := collectEnv(t, out, env); err != nil {
				return err
			}
		case process.OutputCmdEval:
			if err := collectCmdEval(t, out, env); err != nil {
				return err
			}
		case process.OutputValue:
			if v, ok := t.CachedContext[out.LazyExpr]; ok {
				t.Outputs[out.Name] = v
				break
			}
			v, _ := t.Context.Get(out.LazyExpr)
			t.Outputs[out.Name] = v
		case process.OutputDefault:
			t.Outputs[out.Name] = value.String("completion")
		}
	}
	return nil
}

func collectStdout(t *task.Task, out process.OutputParam) error {
	if t.StdoutPath == "" {
		return fmt.Errorf("%w: output %q requires stdout but none was captured", ErrArity, out.Name)
	}
	if _, err := os.Stat(t.StdoutPath); err != nil {
		return fmt.Errorf("%w: output %q stdout missing: %v", ErrArity, out.Name, err)
	}
	t.Outputs[out.Name] = value.Path(t.StdoutPath)
	return nil
}

// collectFile implements spec.md §4.5's file-output path: split the
// declared pattern(s), resolve each as either (a) a glob walked against
// the work dir or (b) a literal path resolved under the work dir and
// existence-tested, honoring followLinks; drop staged-input matches
// unless includeInputs is set; enforce arity.
func collectFile(t *task.Task, out process.OutputParam) error {
	var matches []string
	for _, pat := range splitPatterns(out.Pattern) {
		if pat == "" {
			continue
		}
		if isLiteralPath(pat) {
			if full, ok := resolveLiteral(t.WorkDir, pat, out); ok {
				matches = append(matches, full)
			}
			continue
		}

		found, err := Glob(t.WorkDir, pat, GlobOptions{
			Hidden:      out.Hidden,
			FollowLinks: out.FollowLinks,
			MaxDepth:    out.MaxDepth,
			Type:        out.Type,
		})
		if err != nil {
			return fmt.Errorf("collector: glob output %q: %w", out.Name, err)
		}
		matches = append(matches, found...)
	}

	inputsRemoved := false
	if !out.IncludeInputs {
		stagedNames := make(map[string]bool, len(t.Holders)+len(t.StageMap))
		for _, h := range t.Holders {
			if h.StageName != "" {
				stagedNames[h.StageName] = true
			}
		}
		for _, staged := range t.StageMap {
			stagedNames[staged] = true
		}
		filtered := matches[:0]
		for _, m := range matches {
			rel, _ := filepath.Rel(t.WorkDir, m)
			if stagedNames[rel] {
				continue
			}
			filtered = append(filtered, m)
		}
		if len(matches) > 0 && len(filtered) == 0 {
			inputsRemoved = true
		}
		matches = filtered
	}

	if len(matches) == 0 {
		if out.Optional {
			t.Outputs[out.Name] = value.Missing()
			return nil
		}
		if inputsRemoved {
			return fmt.Errorf("%w: output %q matched no files (inputs removed)", ErrArity, out.Name)
		}
		return fmt.Errorf("%w: output %q matched no files", ErrArity, out.Name)
	}

	sort.Strings(matches)
	vals := make([]value.Value, len(matches))
	for i, m := range matches {
		vals[i] = value.Path(m)
	}
	if len(vals) == 1 {
		t.Outputs[out.Name] = vals[0]
	} else {
		t.Outputs[out.Name] = value.List(vals...)
	}
	return nil
}

// splitPatterns breaks a declared output pattern into the individual
// patterns §4.5 says to resolve independently before merging results.
// Patterns are whitespace-separated; a single pattern with no
// whitespace is returned unchanged.
func splitPatterns(pattern string) []string {
	fields := strings.Fields(pattern)
	if len(fields) == 0 {
		return []string{pattern}
	}
	return fields
}

// isLiteralPath reports whether pattern carries no glob metacharacters,
// meaning it names an exact path rather than something to walk for.
func isLiteralPath(pattern string) bool {
	return !strings.ContainsAny(pattern, "*?[")
}

// resolveLiteral resolves pattern under workDir and tests existence,
// honoring out.FollowLinks and out.Type.
func resolveLiteral(workDir, pattern string, out process.OutputParam) (string, bool) {
	full := filepath.Join(workDir, pattern)
	info, err := statFollowing(full, out.FollowLinks)
	if err != nil {
		return "", false
	}
	if !typeMatches(out.Type, info.IsDir()) {
		return "", false
	}
	return full, true
}

func statFollowing(path string, followLinks bool) (os.FileInfo, error) {
	if followLinks {
		return os.Stat(path)
	}
	return os.Lstat(path)
}

func collectEnv(t *task.Task, out process.OutputParam, env map[string]string) error {
	v, ok := env[out.Name]
	if !ok {
		if out.Optional {
			return nil
		}
		return fmt.Errorf("%w: env output %q not captured", ErrArity, out.Name)
	}
	t.Outputs[out.Name] = value.String(v)
	return nil
}

func collectCmdEval(t *task.Task, out process.OutputParam, env map[string]string) error {
	captured, ok := env[out.Name]
	if !ok {
		if out.Optional {
			return nil
		}
		return fmt.Errorf("%w: cmd-eval output %q not captured", ErrArity, out.Name)
	}
	exit := env[out.Name+"__exit"]
	if exit != "" && exit != "0" {
		code, _ := strconv.Atoi(exit)
		return &CmdEvalError{Param: out.Name, Command: out.LazyExpr, Captured: captured, Exit: code}
	}
	t.Outputs[out.Name] = value.String(captured)
	return nil
}

// GlobOptions mirrors the walk-control fields spec.md §4.5 says a file
// output's glob honors: hidden-dotfile inclusion, symlink traversal,
// recursion depth, and which entry types ("file", "dir", "any") count as
// a match.
type GlobOptions struct {
	Hidden      bool
	FollowLinks bool
	MaxDepth    int    // <=0 means unbounded for a "**" pattern, 1 otherwise
	Type        string // "file" | "dir" | "any" | "" (inferred from pattern)
}

// Glob matches pattern against the entries under dir per spec.md §4.5:
// hidden (dotfile) matches are included only when opts.Hidden or the
// pattern itself begins with '.'; "**" implies recursive descent;
// opts.MaxDepth caps how many directory levels are walked; opts.Type
// (explicit, or inferred "file" for a "**" pattern else "any") decides
// whether a directory entry itself can satisfy the match. Symlinks are
// only followed into when opts.FollowLinks is set. Results are
// unsorted; sorting is the caller's responsibility.
func Glob(dir, pattern string, opts GlobOptions) ([]string, error) {
	hiddenOK := opts.Hidden || strings.HasPrefix(pattern, ".")
	recursive := strings.Contains(pattern, "**")
	trimmed := strings.TrimPrefix(pattern, "**/")

	typ := opts.Type
	if typ == "" {
		if recursive {
			typ = "file"
		} else {
			typ = "any"
		}
	}

	maxDepth := opts.MaxDepth
	if maxDepth <= 0 {
		if recursive {
			maxDepth = -1
		} else {
			maxDepth = 1
		}
	}

	var out []string
	var walk func(path string, depth int) error
	walk = func(path string, depth int) error {
		entries, err := os.ReadDir(path)
		if err != nil {
			return err
		}
		for _, e := range entries {
			name := e.Name()
			if !hiddenOK && strings.HasPrefix(name, ".") {
				continue
			}
			full := filepath.Join(path, name)
			rel, relErr := filepath.Rel(dir, full)
			if relErr != nil {
				return relErr
			}

			isDir, statErr := entryIsDir(full, e, opts.FollowLinks)
			if statErr != nil {
				continue
			}

			matched, mErr := filepath.Match(trimmed, rel)
			if mErr != nil {
				return mErr
			}
			if !matched {
				matched, mErr = filepath.Match(pattern, name)
				if mErr != nil {
					return mErr
				}
			}
			if matched && typeMatches(typ, isDir) {
				out = append(out, full)
			}

			if isDir && (maxDepth < 0 || depth < maxDepth) {
				if err := walk(full, depth+1); err != nil {
					return err
				}
			}
		}
		return nil
	}
	if err := walk(dir, 1); err != nil {
		return nil, err
	}
	return out, nil
}

// entryIsDir reports whether e names a directory, resolving through a
// symlink when followLinks is set (so a symlinked directory can be
// descended into and matched as Type "dir").
func entryIsDir(full string, e os.DirEntry, followLinks bool) (bool, error) {
	if e.Type()&os.ModeSymlink == 0 {
		return e.IsDir(), nil
	}
	if !followLinks {
		return false, nil
	}
	info, err := os.Stat(full)
	if err != nil {
		return false, err
	}
	return info.IsDir(), nil
}

// typeMatches reports whether an entry of the given dir-ness satisfies
// the declared output Type.
func typeMatches(typ string, isDir bool) bool {
	switch typ {
	case "dir":
		return isDir
	case "file":
		return !isDir
	default: // "any"
		return true
	}
}

var commandEnvOpen = regexp.MustCompile(`^([A-Za-z_][A-Za-z0-9_]*)=(.*)$`)
var commandEnvClose = regexp.MustCompile(`^/([A-Za-z_][A-Za-z0-9_]*)/(?:=exit:(-?\d+))?$`)

// ParseCommandEnv parses the resumable .command.env capture format: a
// line "KEY=VALUE" opens a capture named KEY, subsequent lines append
// (newline-joined) until a line "/KEY/" or "/KEY/=exit:N" closes it.
func ParseCommandEnv(path string) (map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	result := make(map[string]string)
	var openKey string
	var lines []string

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()

		if openKey != "" {
			if m := commandEnvClose.FindStringSubmatch(line); m != nil && m[1] == openKey {
				result[openKey] = strings.Join(lines, "\n")
				if m[2] != "" {
					result[openKey+"__exit"] = m[2]
				}
				openKey, lines = "", nil
				continue
			}
			lines = append(lines, line)
			continue
		}

		if m := commandEnvOpen.FindStringSubmatch(line); m != nil {
			openKey = m[1]
			lines = []string{m[2]}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return result, nil
}
