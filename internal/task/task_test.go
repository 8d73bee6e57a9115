package task

import (
	"testing"

	"github.com/flowforge/taskproc/internal/value"
)

func TestNewTaskStartsUnset(t *testing.T) {
	tk := New(StartParams{TaskID: 1, TupleIndex: 0}, 7, "align")
	if tk.ExitStatus != ExitStatusUnset {
		t.Fatalf("expected unset exit status, got %d", tk.ExitStatus)
	}
	if !tk.IsNoOp() {
		t.Fatal("a freshly constructed task should read as a no-op until submitted")
	}
	if tk.Attempt != 1 || tk.SubmitAttempt != 1 {
		t.Fatalf("expected attempt=1 submitAttempt=1, got %d/%d", tk.Attempt, tk.SubmitAttempt)
	}
}

func TestContextSetGetAndFreeze(t *testing.T) {
	c := NewContext()
	c.Set("reads", value.Path("/work/r1.fq"))

	v, ok := c.Get("reads")
	if !ok {
		t.Fatal("expected reads to be bound")
	}
	if v.Path != "/work/r1.fq" {
		t.Fatalf("unexpected path: %s", v.Path)
	}

	c.Freeze()
	if !c.Frozen() {
		t.Fatal("expected context to report frozen")
	}
}

func TestContextSetAfterFreezePanics(t *testing.T) {
	c := NewContext()
	c.Freeze()
	defer func() {
		if recover() == nil {
			t.Fatal("expected Set on a frozen context to panic")
		}
	}()
	c.Set("x", value.String("y"))
}

func TestCloneForRetryIncrementsAttemptAndClearsResult(t *testing.T) {
	tk := New(StartParams{TaskID: 1, TupleIndex: 3}, 1, "align")
	tk.Context.Set("cpus", value.Number(4))
	tk.WorkDir = "/work/abc"
	tk.ExitStatus = 1
	tk.Failed = true

	retry := tk.CloneForRetry()

	if retry.Attempt != 2 {
		t.Fatalf("expected attempt 2, got %d", retry.Attempt)
	}
	if retry.WorkDir != "" {
		t.Fatal("expected work dir cleared on retry clone")
	}
	if retry.ExitStatus != ExitStatusUnset {
		t.Fatal("expected exit status reset on retry clone")
	}
	if retry.Failed {
		t.Fatal("expected failed flag reset on retry clone")
	}

	v, ok := retry.Context.Get("cpus")
	if !ok || v.Num != 4 {
		t.Fatal("expected retry clone to carry forward staged context values")
	}

	// Mutating the original task's inputs must not affect the clone.
	tk.Inputs["extra"] = value.String("added-after-clone")
	if _, ok := retry.Inputs["extra"]; ok {
		t.Fatal("clone should not observe mutations made to the original after cloning")
	}
}

func TestCloneForRetryContextIndependentOfOriginal(t *testing.T) {
	tk := New(StartParams{TaskID: 5, TupleIndex: 0}, 1, "align")
	tk.Context.Set("k", value.String("v1"))

	retry := tk.CloneForRetry()
	retry.Context.Set("k", value.String("v2"))

	orig, _ := tk.Context.Get("k")
	if orig.Str != "v1" {
		t.Fatalf("expected original context unaffected by clone mutation, got %q", orig.Str)
	}
}
