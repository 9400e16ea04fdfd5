// Equality, ordering and string coercion for decoded JSON values.

package query

import (
	"cmp"
	"encoding/json"
	"math"
	"reflect"
	"slices"
	"strconv"
	"strings"
)

// toNumber reports v as a float64 when it is any Go numeric type or a
// json.Number. JSON has a single number type, so 1 and 1.0 are the same value.
func toNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// asObject returns v as a map[string]any when it is any string-keyed map.
func asObject(v any) (map[string]any, bool) {
	if m, ok := v.(map[string]any); ok {
		return m, true
	}
	if v == nil {
		return nil, false
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Map || rv.Type().Key().Kind() != reflect.String {
		return nil, false
	}
	out := make(map[string]any, rv.Len())
	iter := rv.MapRange()
	for iter.Next() {
		out[iter.Key().String()] = iter.Value().Interface()
	}
	return out, true
}

// Equal reports whether a and b are the same JSON value. Numbers compare
// numerically, strings case-sensitively, arrays element-wise in order and
// objects key by key. No cross-type coercion happens.
func Equal(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if na, ok := toNumber(a); ok {
		nb, ok := toNumber(b)
		return ok && na == nb
	}
	switch va := a.(type) {
	case string:
		vb, ok := b.(string)
		return ok && va == vb
	case bool:
		vb, ok := b.(bool)
		return ok && va == vb
	}
	if la, ok := asList(a); ok {
		lb, ok := asList(b)
		return ok && slices.EqualFunc(la, lb, Equal)
	}
	if ma, ok := asObject(a); ok {
		mb, ok := asObject(b)
		if !ok || len(ma) != len(mb) {
			return false
		}
		for k, v := range ma {
			w, ok := mb[k]
			if !ok || !Equal(v, w) {
				return false
			}
		}
		return true
	}
	return reflect.DeepEqual(a, b)
}

// contains reports whether list holds an element equal to v.
func contains(list []any, v any) bool {
	return slices.ContainsFunc(list, func(e any) bool { return Equal(e, v) })
}

// typeRank orders values of different JSON types.
func typeRank(v any) int {
	if v == nil {
		return 0
	}
	if _, ok := toNumber(v); ok {
		return 1
	}
	switch v.(type) {
	case string:
		return 2
	case bool:
		return 5
	}
	if _, ok := asObject(v); ok {
		return 3
	}
	if _, ok := asList(v); ok {
		return 4
	}
	return 6
}

// Compare orders two JSON values, returning -1, 0 or 1.
//
// Values of different types order as null < numbers < strings < objects <
// arrays < booleans. Objects and arrays of the same type compare by their
// canonical JSON encoding.
func Compare(a, b any) int {
	ra, rb := typeRank(a), typeRank(b)
	if ra != rb {
		return cmp.Compare(ra, rb)
	}
	switch ra {
	case 0:
		return 0
	case 1:
		na, _ := toNumber(a)
		nb, _ := toNumber(b)
		return cmp.Compare(na, nb)
	case 2:
		return strings.Compare(a.(string), b.(string))
	case 5:
		ba, bb := a.(bool), b.(bool)
		switch {
		case ba == bb:
			return 0
		case !ba:
			return -1
		default:
			return 1
		}
	default:
		return strings.Compare(canonical(a), canonical(b))
	}
}

func canonical(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}

// toString coerces v the way a JavaScript String() call would, which is what
// $regex tests against.
func toString(v any) string {
	if v == nil {
		return "null"
	}
	if n, ok := toNumber(v); ok {
		return formatNumber(n)
	}
	switch t := v.(type) {
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	}
	if l, ok := asList(v); ok {
		parts := make([]string, len(l))
		for i, e := range l {
			if e != nil {
				parts[i] = toString(e)
			}
		}
		return strings.Join(parts, ",")
	}
	if _, ok := asObject(v); ok {
		return "[object Object]"
	}
	return canonical(v)
}

func formatNumber(n float64) string {
	switch {
	case math.IsNaN(n):
		return "NaN"
	case math.IsInf(n, 1):
		return "Infinity"
	case math.IsInf(n, -1):
		return "-Infinity"
	case n == math.Trunc(n) && math.Abs(n) < 1e21:
		return strconv.FormatFloat(n, 'f', -1, 64)
	default:
		return strconv.FormatFloat(n, 'g', -1, 64)
	}
}
