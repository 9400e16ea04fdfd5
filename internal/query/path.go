// Resolves dotted field paths, flattening through arrays.

package query

import (
	"reflect"
	"strings"
)

// Kind tags the shape of a Resolved value.
type Kind uint8

const (
	// Missing means the path does not exist in the document.
	Missing Kind = iota
	// Scalar means the path resolved to one value without crossing an array.
	Scalar
	// Set means at least one array was traversed; Items holds every defined
	// leaf value found beneath it, flattened.
	Set
)

func (k Kind) String() string {
	switch k {
	case Missing:
		return "missing"
	case Scalar:
		return "scalar"
	case Set:
		return "set"
	default:
		return "unknown"
	}
}

// Resolved is the result of walking a path through a document.
type Resolved struct {
	Kind Kind
	// Value is set when Kind is Scalar. It may be nil for an explicit JSON null.
	Value any
	// Items is set when Kind is Set. It is never nil for a Set, but may be empty.
	Items []any
}

// Resolve walks path through doc.
//
// Objects are descended by key. Arrays flatten: the rest of the path is
// resolved against each element and the defined results are collected. A
// value reached at the end of the path that is itself an array flattens too.
func Resolve(doc any, path string) Resolved {
	return resolve(doc, strings.Split(path, "."))
}

func resolve(cur any, segs []string) Resolved {
	for i, seg := range segs {
		if arr, ok := asList(cur); ok {
			return flatten(arr, segs[i:])
		}
		m, ok := cur.(map[string]any)
		if !ok {
			return Resolved{}
		}
		next, ok := m[seg]
		if !ok {
			return Resolved{}
		}
		cur = next
	}
	if arr, ok := asList(cur); ok {
		return flatten(arr, nil)
	}
	return Resolved{Kind: Scalar, Value: cur}
}

func flatten(arr []any, rest []string) Resolved {
	items := make([]any, 0, len(arr))
	for _, el := range arr {
		r := resolve(el, rest)
		switch r.Kind {
		case Scalar:
			items = append(items, r.Value)
		case Set:
			items = append(items, r.Items...)
		case Missing:
		}
	}
	return Resolved{Kind: Set, Items: items}
}

// asList returns v as a []any when it is a slice or array. Byte slices are not
// lists; they are opaque values.
func asList(v any) ([]any, bool) {
	switch t := v.(type) {
	case []any:
		return t, true
	case nil, string, bool, float64, int, int64, map[string]any, []byte:
		return nil, false
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}
