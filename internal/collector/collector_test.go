package collector

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/flowforge/taskproc/internal/process"
	"github.com/flowforge/taskproc/internal/task"
	"github.com/flowforge/taskproc/internal/value"
)

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestParseCommandEnvBasic(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, ".command.env")
	content := "K1=value-one\n/K1/\nK2=line-one\nmore\n/K2/=exit:0\n"
	if err := os.WriteFile(envPath, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	got, err := ParseCommandEnv(envPath)
	if err != nil {
		t.Fatal(err)
	}
	if got["K1"] != "value-one" {
		t.Fatalf("K1 = %q", got["K1"])
	}
	if got["K2"] != "line-one\nmore" {
		t.Fatalf("K2 = %q", got["K2"])
	}
	if got["K2__exit"] != "0" {
		t.Fatalf("K2 exit = %q", got["K2__exit"])
	}
}

func TestParseCommandEnvIgnoresBlankLinesBetweenCaptures(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, ".command.env")
	content := "K1=a\n/K1/\n\n\nK2=b\n/K2/\n"
	if err := os.WriteFile(envPath, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	got, err := ParseCommandEnv(envPath)
	if err != nil {
		t.Fatal(err)
	}
	if got["K1"] != "a" || got["K2"] != "b" {
		t.Fatalf("got %+v", got)
	}
}

func TestCollectFileArityAndOptional(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "out.txt", "data")

	proc, err := process.New(process.Descriptor{
		Name: "p",
		Outputs: []process.OutputParam{
			{Kind: process.OutputFile, Name: "result", Pattern: "out.txt"},
			{Kind: process.OutputFile, Name: "missing", Pattern: "nope.txt", Optional: true},
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	tk := task.New(task.StartParams{TaskID: 1}, proc.ID, proc.Name)
	tk.WorkDir = dir

	if err := Collect(proc, tk); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	v, ok := tk.Outputs["result"]
	if !ok || v.Path == "" {
		t.Fatalf("expected result bound, got %+v", v)
	}
	missing, ok := tk.Outputs["missing"]
	if !ok || !missing.IsMissing() {
		t.Fatalf("expected missing sentinel for optional miss, got %+v", missing)
	}
}

func TestCollectFileRequiredMissingFails(t *testing.T) {
	dir := t.TempDir()
	proc, err := process.New(process.Descriptor{
		Name: "p",
		Outputs: []process.OutputParam{
			{Kind: process.OutputFile, Name: "result", Pattern: "nope.txt"},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	tk := task.New(task.StartParams{TaskID: 1}, proc.ID, proc.Name)
	tk.WorkDir = dir

	if err := Collect(proc, tk); err == nil {
		t.Fatal("expected arity error for missing required output")
	}
}

func TestCollectFileExcludesStagedInputsByDefault(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "reads.fq", "data")
	writeFile(t, dir, "aligned.bam", "bam")

	proc, err := process.New(process.Descriptor{
		Name: "p",
		Outputs: []process.OutputParam{
			{Kind: process.OutputFile, Name: "all", Pattern: "*"},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	tk := task.New(task.StartParams{TaskID: 1}, proc.ID, proc.Name)
	tk.WorkDir = dir
	tk.StageMap["reads"] = "reads.fq"

	if err := Collect(proc, tk); err != nil {
		t.Fatal(err)
	}
	v := tk.Outputs["all"]
	if v.IsCollection() {
		t.Fatalf("expected single non-input match, got %+v", v)
	}
	if v.Path != filepath.Join(dir, "aligned.bam") {
		t.Fatalf("expected aligned.bam, got %q", v.Path)
	}
}

func TestCollectCmdEvalNonZeroExitFails(t *testing.T) {
	dir := t.TempDir()
	content := "CAPTURE=some output\n/CAPTURE/=exit:1\n"
	if err := os.WriteFile(filepath.Join(dir, ".command.env"), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	proc, err := process.New(process.Descriptor{
		Name: "p",
		Outputs: []process.OutputParam{
			{Kind: process.OutputCmdEval, Name: "CAPTURE", LazyExpr: "wc -l out.txt"},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	tk := task.New(task.StartParams{TaskID: 1}, proc.ID, proc.Name)
	tk.WorkDir = dir

	err = Collect(proc, tk)
	if err == nil {
		t.Fatal("expected cmd-eval failure")
	}
	var cmdErr *CmdEvalError
	if !asCmdEvalError(err, &cmdErr) {
		t.Fatalf("expected *CmdEvalError, got %T: %v", err, err)
	}
	if cmdErr.Exit != 1 {
		t.Fatalf("expected exit 1, got %d", cmdErr.Exit)
	}
}

func asCmdEvalError(err error, target **CmdEvalError) bool {
	ce, ok := err.(*CmdEvalError)
	if !ok {
		return false
	}
	*target = ce
	return true
}

func TestCollectValueOutputPrefersCachedContext(t *testing.T) {
	dir := t.TempDir()
	proc, err := process.New(process.Descriptor{
		Name: "p",
		Outputs: []process.OutputParam{
			{Kind: process.OutputValue, Name: "cpus", LazyExpr: "cpus"},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	tk := task.New(task.StartParams{TaskID: 1}, proc.ID, proc.Name)
	tk.WorkDir = dir
	tk.Context.Set("cpus", value.Number(4))
	tk.CachedContext = map[string]value.Value{"cpus": value.Number(8)}

	if err := Collect(proc, tk); err != nil {
		t.Fatal(err)
	}
	if tk.Outputs["cpus"].Num != 8 {
		t.Fatalf("expected cached context to win, got %+v", tk.Outputs["cpus"])
	}
}

func TestCollectDefaultOutputBindsCompletionSentinel(t *testing.T) {
	dir := t.TempDir()
	proc, err := process.New(process.Descriptor{
		Name: "p",
		Outputs: []process.OutputParam{
			{Kind: process.OutputDefault, Name: "done"},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	tk := task.New(task.StartParams{TaskID: 1}, proc.ID, proc.Name)
	tk.WorkDir = dir

	if err := Collect(proc, tk); err != nil {
		t.Fatal(err)
	}
	if tk.Outputs["done"].Str != "completion" {
		t.Fatalf("expected completion sentinel, got %+v", tk.Outputs["done"])
	}
}
