package value

import "testing"

func TestAsCollectionLiftsScalar(t *testing.T) {
	v := String("solo")
	got := v.AsCollection()
	if len(got) != 1 || got[0].Str != "solo" {
		t.Fatalf("expected scalar lifted to singleton, got %+v", got)
	}
}

func TestAsCollectionPassesThroughList(t *testing.T) {
	v := List(Number(1), Number(2), Number(3))
	got := v.AsCollection()
	if len(got) != 3 {
		t.Fatalf("expected 3 elements, got %d", len(got))
	}
}

func TestStringifyFormatsIntegerNumbersWithoutDecimal(t *testing.T) {
	if got := Number(4).Stringify(); got != "4" {
		t.Fatalf("expected 4, got %q", got)
	}
	if got := Number(4.5).Stringify(); got != "4.5" {
		t.Fatalf("expected 4.5, got %q", got)
	}
}

func TestIsPathLike(t *testing.T) {
	if !Path("/a/b").IsPathLike() {
		t.Fatal("path should be path-like")
	}
	if !FileHolder(struct{}{}).IsPathLike() {
		t.Fatal("file holder should be path-like")
	}
	if String("x").IsPathLike() {
		t.Fatal("string should not be path-like")
	}
}

func TestIsCollection(t *testing.T) {
	if String("x").IsCollection() {
		t.Fatal("scalar string is not a collection")
	}
	if !List().IsCollection() {
		t.Fatal("empty list is still a collection")
	}
}
