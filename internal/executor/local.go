package executor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/flowforge/taskproc/internal/fingerprint"
	"github.com/flowforge/taskproc/internal/session"
	"github.com/flowforge/taskproc/internal/task"
)

// Local runs every task as a local subprocess under workDir, writing the
// standard work-dir artifacts a collector expects: .command.sh,
// .command.out, .command.err, .exitcode.
type Local struct {
	workDir  string
	stageDir string
	binDir   string
}

// NewLocal returns a Local executor rooted at workDir. stageDir and
// binDir may be empty.
func NewLocal(workDir, stageDir, binDir string) *Local {
	return &Local{workDir: workDir, stageDir: stageDir, binDir: binDir}
}

func (l *Local) WorkDir() string  { return l.workDir }
func (l *Local) StageDir() string { return l.stageDir }
func (l *Local) BinDir() string   { return l.binDir }
func (l *Local) Name() string     { return "local" }

// IsForeignFile always answers false: the local executor can read every
// path on this machine directly.
func (l *Local) IsForeignFile(path string) bool { return false }

// Submit assembles the shebang-qualified script, writes it to
// .command.sh, runs it through a fresh Local session, and records
// stdout/stderr/exit status under workDir.
func (l *Local) Submit(ctx context.Context, t *task.Task, hash fingerprint.Fingerprint, workDir string) error {
	script := ensureShebang(t.ResolvedCommand, "bash")
	scriptPath := filepath.Join(workDir, ".command.sh")
	if err := os.WriteFile(scriptPath, []byte(script), 0o755); err != nil {
		return fmt.Errorf("local executor: write .command.sh: %w", err)
	}

	env := AssembleEnv(nil, l.binDir, workDir)
	sess := session.NewLocal(hash.String(), workDir, env)
	defer sess.Close()

	outPath := filepath.Join(workDir, ".command.out")
	errPath := filepath.Join(workDir, ".command.err")

	outFile, err := os.Create(outPath)
	if err != nil {
		return fmt.Errorf("local executor: create .command.out: %w", err)
	}
	defer outFile.Close()
	errFile, err := os.Create(errPath)
	if err != nil {
		return fmt.Errorf("local executor: create .command.err: %w", err)
	}
	defer errFile.Close()

	t.StdoutPath = outPath
	t.StderrPath = errPath

	quote := func(s string) string { return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'" }
	exitStatus, runErr := sess.Run(ctx, quote(scriptPath)+" >"+quote(outPath)+" 2>"+quote(errPath))
	if runErr != nil {
		return fmt.Errorf("local executor: submit task %d: %w", t.TaskID, runErr)
	}

	t.ExitStatus = exitStatus
	exitPath := filepath.Join(workDir, ".exitcode")
	if err := os.WriteFile(exitPath, []byte(strconv.Itoa(exitStatus)), 0o644); err != nil {
		return fmt.Errorf("local executor: write .exitcode: %w", err)
	}
	return nil
}

// ensureShebang applies the shebang rules: strip surrounding whitespace,
// ensure a trailing newline, and if the first two bytes aren't "#!",
// prepend "#!/usr/bin/env <shell>" (or "#!<shell>" if shell is absolute).
func ensureShebang(body, shell string) string {
	body = strings.TrimSpace(body) + "\n"
	if strings.HasPrefix(body, "#!") {
		return body
	}
	if strings.HasPrefix(shell, "/") {
		return "#!" + shell + "\n" + body
	}
	return "#!/usr/bin/env " + shell + "\n" + body
}

// AssembleEnv builds the environment map for a task: base values, with
// PATH extended to include binDir when one is configured. Names failing
// [A-Za-z_][A-Za-z0-9_]* are dropped and empty values are kept as empty
// strings; neither case is logged.
func AssembleEnv(base map[string]string, binDir, workDir string) map[string]string {
	env := make(map[string]string, len(base)+1)
	for k, v := range base {
		if !isValidEnvName(k) {
			continue
		}
		env[k] = v
	}

	if binDir != "" {
		if existing, ok := env["PATH"]; ok && existing != "" {
			env["PATH"] = existing + ":" + binDir
		} else {
			env["PATH"] = "$PATH:" + binDir
		}
	}
	return env
}

func isValidEnvName(name string) bool {
	if name == "" {
		return false
	}
	for i, r := range name {
		switch {
		case r == '_':
		case r >= 'A' && r <= 'Z', r >= 'a' && r <= 'z':
		case r >= '0' && r <= '9' && i > 0:
		default:
			return false
		}
	}
	return true
}
