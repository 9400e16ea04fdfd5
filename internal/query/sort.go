// Normalizes sort specifications and sorts documents.

package query

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
)

// Direction is a sort direction.
type Direction int

const (
	// Asc sorts ascending.
	Asc Direction = 1
	// Desc sorts descending.
	Desc Direction = -1
)

// SortKey is one normalized (field, direction) pair.
type SortKey struct {
	Field     string
	Direction Direction
}

var errSortShape = errors.New("unsupported sort specification")

// ParseSort normalizes a sort specification into ordered keys.
//
// Accepted shapes:
//   - "field -field2": whitespace separated, "-" prefix means descending.
//   - [[field, "asc"|"desc"|1|-1], ...]
//   - {field: 1|-1|"asc"|"desc", ...}; with several keys from a Go map, keys
//     are ordered by name. Use ParseSortJSON to keep a JSON object's order.
//   - []SortKey, returned as is.
//
// A nil or empty spec returns no keys.
func ParseSort(spec any) ([]SortKey, error) {
	switch s := spec.(type) {
	case nil:
		return nil, nil
	case string:
		return parseSortString(s), nil
	case []SortKey:
		return s, nil
	}
	if list, ok := asList(spec); ok {
		keys := make([]SortKey, 0, len(list))
		for i, item := range list {
			pair, ok := asList(item)
			if !ok || len(pair) != 2 {
				return nil, fmt.Errorf("%w: element %d is not a [field, direction] pair", errSortShape, i)
			}
			field, ok := pair[0].(string)
			if !ok || field == "" {
				return nil, fmt.Errorf("%w: element %d has no field name", errSortShape, i)
			}
			keys = append(keys, SortKey{Field: field, Direction: parseDirection(pair[1])})
		}
		return keys, nil
	}
	if obj, ok := asObject(spec); ok {
		keys := make([]SortKey, 0, len(obj))
		for _, field := range slices.Sorted(maps.Keys(obj)) {
			keys = append(keys, SortKey{Field: field, Direction: parseDirection(obj[field])})
		}
		return keys, nil
	}
	return nil, fmt.Errorf("%w: %T", errSortShape, spec)
}

// ParseSortJSON parses a JSON encoded sort specification. Unlike decoding into
// a map, it keeps the key order of an object spec.
func ParseSortJSON(data []byte) ([]SortKey, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || data[0] != '{' {
		var spec any
		if err := json.Unmarshal(data, &spec); err != nil {
			return nil, fmt.Errorf("failed to decode sort: %w", err)
		}
		return ParseSort(spec)
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if _, err := dec.Token(); err != nil {
		return nil, fmt.Errorf("failed to decode sort: %w", err)
	}
	var keys []SortKey
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("failed to decode sort: %w", err)
		}
		field, _ := tok.(string)
		var dir any
		if err := dec.Decode(&dir); err != nil {
			return nil, fmt.Errorf("failed to decode sort direction for %q: %w", field, err)
		}
		keys = append(keys, SortKey{Field: field, Direction: parseDirection(dir)})
	}
	return keys, nil
}

func parseSortString(s string) []SortKey {
	fields := strings.Fields(s)
	keys := make([]SortKey, 0, len(fields))
	for _, f := range fields {
		if name, ok := strings.CutPrefix(f, "-"); ok {
			if name != "" {
				keys = append(keys, SortKey{Field: name, Direction: Desc})
			}
			continue
		}
		keys = append(keys, SortKey{Field: strings.TrimPrefix(f, "+"), Direction: Asc})
	}
	return keys
}

// parseDirection maps -1 and "desc" to Desc; everything else is Asc.
func parseDirection(v any) Direction {
	if n, ok := toNumber(v); ok && n == -1 {
		return Desc
	}
	if s, ok := v.(string); ok && s == "desc" {
		return Desc
	}
	return Asc
}

// Sort returns a stably sorted copy of docs. Equal keys keep their input order.
//
// Keys are read with Resolve. A missing field or an empty array sorts like
// null. When a path crosses an array, ascending order uses the smallest
// element and descending order uses the largest one.
func Sort(docs []map[string]any, keys []SortKey) []map[string]any {
	out := slices.Clone(docs)
	if len(keys) == 0 || len(out) < 2 {
		return out
	}
	type row struct {
		doc  map[string]any
		vals []any
	}
	rows := make([]row, len(out))
	for i, d := range out {
		vals := make([]any, len(keys))
		for j, k := range keys {
			vals[j] = sortValue(Resolve(d, k.Field), k.Direction)
		}
		rows[i] = row{doc: d, vals: vals}
	}
	slices.SortStableFunc(rows, func(a, b row) int {
		for j, k := range keys {
			if c := Compare(a.vals[j], b.vals[j]); c != 0 {
				if k.Direction == Desc {
					return -c
				}
				return c
			}
		}
		return 0
	})
	for i := range rows {
		out[i] = rows[i].doc
	}
	return out
}

func sortValue(r Resolved, dir Direction) any {
	switch r.Kind {
	case Scalar:
		return r.Value
	case Set:
		if len(r.Items) == 0 {
			return nil
		}
		if dir == Desc {
			return slices.MaxFunc(r.Items, Compare)
		}
		return slices.MinFunc(r.Items, Compare)
	default:
		return nil
	}
}
