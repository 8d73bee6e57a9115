package invariant

import "testing"

func TestRequirePanicsOnFalse(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic")
		}
	}()
	Require(false, "should have been true")
}

func TestRequirePassesOnTrue(t *testing.T) {
	Require(true, "never shown")
}

func TestMonotonicIndexRejectsEqualAndLess(t *testing.T) {
	for _, next := range []int64{5, 4} {
		func() {
			defer func() {
				if recover() == nil {
					t.Fatalf("expected panic for next=%d", next)
				}
			}()
			MonotonicIndex(5, next, "tuple-index")
		}()
	}
}

func TestMonotonicIndexAcceptsIncrease(t *testing.T) {
	MonotonicIndex(5, 6, "tuple-index")
}

func TestBoundedForksUnboundedWhenZero(t *testing.T) {
	BoundedForks(1000, 0, 0)
}

func TestBoundedForksRejectsOverflow(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic")
		}
	}()
	BoundedForks(5, 0, 2)
}

func TestNotNilRejectsTypedNilPointer(t *testing.T) {
	var p *int
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic for typed nil pointer")
		}
	}()
	NotNil(p, "p")
}
