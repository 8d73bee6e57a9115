// Package value implements the tagged value variant that input and output
// parameters are normalized into: an explicit discriminated union standing
// in for the dynamic typing of script-level values.
package value

import "fmt"

// Kind discriminates the variant held by a Value.
type Kind int

const (
	KindPath Kind = iota
	KindString
	KindNumber
	KindBool
	KindList
	KindMap
	KindFileHolder
	KindMissing
)

func (k Kind) String() string {
	switch k {
	case KindPath:
		return "path"
	case KindString:
		return "string"
	case KindNumber:
		return "number"
	case KindBool:
		return "bool"
	case KindList:
		return "list"
	case KindMap:
		return "map"
	case KindFileHolder:
		return "file-holder"
	case KindMissing:
		return "missing"
	default:
		return "unknown"
	}
}

// Value is a tagged union over the kinds a task input/output/context entry
// can take. Exactly one of the typed fields is meaningful, selected by Kind.
type Value struct {
	Kind Kind

	Path   string
	Str    string
	Num    float64
	Bool   bool
	List   []Value
	Map    map[string]Value
	Holder interface{} // *task.FileHolder; interface{} here to avoid an import cycle
}

// Stringable is implemented by the concrete holder type stored behind a
// KindFileHolder Value (task.FileHolder) so Stringify can render its
// identifying content without this package importing task, which would
// create an import cycle (task already imports value).
type Stringable interface {
	StringifyHolder() string
}

func Path(p string) Value            { return Value{Kind: KindPath, Path: p} }
func String(s string) Value          { return Value{Kind: KindString, Str: s} }
func Number(n float64) Value         { return Value{Kind: KindNumber, Num: n} }
func Bool(b bool) Value              { return Value{Kind: KindBool, Bool: b} }
func List(items ...Value) Value      { return Value{Kind: KindList, List: items} }
func Map(m map[string]Value) Value   { return Value{Kind: KindMap, Map: m} }
func FileHolder(h interface{}) Value { return Value{Kind: KindFileHolder, Holder: h} }

// Missing is the sentinel bound to an optional output that matched
// nothing: the binding was evaluated, but downstream emission is
// suppressed for that tuple index only.
func Missing() Value { return Value{Kind: KindMissing} }

// IsMissing reports whether the value is the optional-output missing
// sentinel.
func (v Value) IsMissing() bool { return v.Kind == KindMissing }

// IsCollection reports whether the value should be iterated as a bag of
// elements when staging file inputs. A single scalar value is lifted to a
// 1-element collection by AsCollection.
func (v Value) IsCollection() bool {
	return v.Kind == KindList
}

// AsCollection normalizes v into a slice, lifting scalars to a singleton.
func (v Value) AsCollection() []Value {
	if v.Kind == KindList {
		return v.List
	}
	return []Value{v}
}

// Stringify renders the value the way the engine does when writing a
// synthetic input file: the literal content, not a representation of the
// tag.
func (v Value) Stringify() string {
	switch v.Kind {
	case KindPath:
		return v.Path
	case KindString:
		return v.Str
	case KindNumber:
		if v.Num == float64(int64(v.Num)) {
			return fmt.Sprintf("%d", int64(v.Num))
		}
		return fmt.Sprintf("%g", v.Num)
	case KindBool:
		return fmt.Sprintf("%t", v.Bool)
	case KindFileHolder:
		if s, ok := v.Holder.(Stringable); ok {
			return s.StringifyHolder()
		}
		return v.Path
	default:
		return fmt.Sprintf("%v", v)
	}
}

// IsPathLike reports whether the value should be staged as a file (a Path
// or an already-resolved FileHolder) rather than stringified to a temp
// file.
func (v Value) IsPathLike() bool {
	return v.Kind == KindPath || v.Kind == KindFileHolder
}
