// Package staging normalizes a process's raw input values into the task
// context and file holders an execution needs: wildcard expansion, arity
// checking, collision detection, and foreign-file prefetch.
package staging

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/flowforge/taskproc/internal/porter"
	"github.com/flowforge/taskproc/internal/process"
	"github.com/flowforge/taskproc/internal/task"
	"github.com/flowforge/taskproc/internal/value"
)

// IsForeignFunc judges whether a path lives on a filesystem the executor
// cannot read directly and must be prefetched by the Porter.
type IsForeignFunc func(path string) bool

// WriteSyntheticFunc writes a stringified non-path value to a fresh temp
// file under dir and returns the path it was written to. Exposed as a
// hook so tests can avoid touching the filesystem.
type WriteSyntheticFunc func(dir, name, content string) (string, error)

// Stager stages one task's inputs against a process descriptor.
type Stager struct {
	Porter         porter.Porter
	IsForeign      IsForeignFunc
	WriteSynthetic WriteSyntheticFunc
}

// New returns a Stager. A nil IsForeign treats every path as local; the
// WriteSynthetic hook defaults to os.WriteFile under dir.
func New(p porter.Porter, isForeign IsForeignFunc) *Stager {
	if isForeign == nil {
		isForeign = func(string) bool { return false }
	}
	return &Stager{Porter: p, IsForeign: isForeign, WriteSynthetic: defaultWriteSynthetic}
}

func defaultWriteSynthetic(dir, name, content string) (string, error) {
	path := dir + string(os.PathSeparator) + name
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return "", err
	}
	return path, nil
}

// Stage runs the two-pass staging algorithm against t's bound Inputs,
// populating t.Context, t.Holders and t.StageMap in place and registering
// any foreign paths with the porter for prefetch. stageDir is where
// synthetic input files and the foreign-batch download targets land.
func (s *Stager) Stage(ctx context.Context, proc *process.Descriptor, t *task.Task, stageDir string) error {
	// Pass 1: non-file kinds go straight into the context.
	for _, in := range proc.Inputs {
		if in.Kind == process.InputFile {
			continue
		}
		v, ok := t.Inputs[in.Name]
		if !ok {
			continue
		}
		t.Context.Set(in.Name, v)
	}

	batch := s.Porter.NewBatch(stageDir)
	stagedNames := make(map[string]string) // staged name -> owning input, for collision detection

	// Pass 2: file kinds are normalized into holders, now that pass 1's
	// values are available to any lazy file-pattern expression.
	for _, in := range proc.Inputs {
		if in.Kind != process.InputFile {
			continue
		}
		v, ok := t.Inputs[in.Name]
		if !ok {
			if in.Arity.Min > 0 {
				return fmt.Errorf("staging: input %q missing but arity.min=%d", in.Name, in.Arity.Min)
			}
			continue
		}

		elems := v.AsCollection()
		if !in.Arity.Satisfies(len(elems)) {
			return fmt.Errorf("staging: input %q has %d elements, want [%d,%d]", in.Name, len(elems), in.Arity.Min, in.Arity.Max)
		}

		holders := make([]task.FileHolder, len(elems))
		for i, el := range elems {
			h, err := s.normalize(ctx, batch, stageDir, in, el, i)
			if err != nil {
				return fmt.Errorf("staging: input %q element %d: %w", in.Name, i, err)
			}
			holders[i] = h
		}

		names := expandStageNames(in.FilePattern, len(holders))
		for i := range holders {
			name := names[i]
			if name == "" {
				// A stripped "*" (or empty template) falls back to the
				// holder's own base name.
				name = filepath.Base(holders[i].Staged)
			}
			holders[i].StageName = name
			if owner, exists := stagedNames[name]; exists && owner != in.Name {
				return fmt.Errorf("staging: collision on staged name %q (inputs %q and %q)", name, owner, in.Name)
			}
			stagedNames[name] = in.Name
			t.StageMap[in.Name] = name
		}

		t.Holders = append(t.Holders, holders...)
		t.Context.Set(in.Name, collectionOfHolders(holders))
	}

	if err := s.Porter.Transfer(ctx, batch); err != nil {
		return fmt.Errorf("staging: transfer foreign batch: %w", err)
	}
	return nil
}

func (s *Stager) normalize(ctx context.Context, batch porter.Batch, stageDir string, in process.InputParam, v value.Value, index int) (task.FileHolder, error) {
	if v.IsPathLike() {
		src := v.Path
		if v.Kind == value.KindFileHolder {
			if fh, ok := v.Holder.(*task.FileHolder); ok {
				src = fh.Staged
			}
		}
		if s.IsForeign(src) {
			target, err := batch.AddToForeign(src)
			if err != nil {
				return task.FileHolder{}, err
			}
			return task.FileHolder{Source: src, Staged: target, Origin: task.OriginForeign}, nil
		}
		return task.FileHolder{Source: src, Staged: src, Origin: task.OriginLocal}, nil
	}

	content := v.Stringify()
	name := fmt.Sprintf("input.%d", index)
	target, err := s.WriteSynthetic(stageDir, name, content)
	if err != nil {
		return task.FileHolder{}, err
	}
	return task.FileHolder{Source: content, Staged: target, Origin: task.OriginSynthetic}, nil
}

func collectionOfHolders(holders []task.FileHolder) value.Value {
	items := make([]value.Value, len(holders))
	for i := range holders {
		h := holders[i]
		items[i] = value.FileHolder(&h)
	}
	if len(items) == 1 {
		return items[0]
	}
	return value.List(items...)
}

// expandStageNames expands a staging name template against a collection
// of size n:
//   - no wildcard and n>1: a "*" is appended before expansion.
//   - each run of "?" is replaced by the 1-based index, left-zero-padded
//     to the run length.
//   - "*" is replaced by the 1-based index, unless n==1, in which case it
//     is stripped (yielding the base template with "*" removed).
func expandStageNames(template string, n int) []string {
	if template == "" {
		template = "*"
	}
	hasWildcard := strings.ContainsAny(template, "*?")
	if !hasWildcard && n > 1 {
		template += "*"
	}

	out := make([]string, n)
	for i := 0; i < n; i++ {
		out[i] = expandOne(template, i+1, n)
	}
	return out
}

func expandOne(template string, index, n int) string {
	var b strings.Builder
	runes := []rune(template)
	for i := 0; i < len(runes); {
		switch runes[i] {
		case '?':
			j := i
			for j < len(runes) && runes[j] == '?' {
				j++
			}
			width := j - i
			b.WriteString(padIndex(index, width))
			i = j
		case '*':
			if n == 1 {
				// strip
			} else {
				b.WriteString(strconv.Itoa(index))
			}
			i++
		default:
			b.WriteRune(runes[i])
			i++
		}
	}
	return b.String()
}

func padIndex(index, width int) string {
	s := strconv.Itoa(index)
	if len(s) >= width {
		return s
	}
	return strings.Repeat("0", width-len(s)) + s
}

// SortedStageNames returns names sorted lexicographically, used by tests
// and callers that need a deterministic listing of staged files.
func SortedStageNames(holders []task.FileHolder) []string {
	names := make([]string, len(holders))
	for i, h := range holders {
		names[i] = h.StageName
	}
	sort.Strings(names)
	return names
}
