// Package query implements the MongoDB-like predicate, ordering and paging
// primitives shared by every document adapter.
//
// # Path resolution
//
// [Resolve] walks a dotted path ("a.b.c") through a decoded JSON document.
// Whenever an array is met, the remaining path is resolved against every
// element and the defined results are flattened into a single set. The result
// is tagged: [Missing], [Scalar] or [Set], so callers dispatch exhaustively
// between plain equality and membership semantics.
//
// # Matching
//
// [Compile] turns a filter such as
//
//	{"name": "alpha", "tags": {"$in": ["x"]}, "$or": [{"a": 1}, {"b": 2}]}
//
// into an [Expr] tree. Malformed clauses (a non-array $and/$or/$in, an
// unparsable $regex) never raise: they compile to a clause that matches
// nothing, narrowing results instead of failing the whole call.
//
// # Sorting and paging
//
// [ParseSort] accepts "a -b", [["a","asc"],["b","desc"]] and {"a":1,"b":-1}.
// [Sort] is a stable multi-key sort. [Paginate] validates page/pageSize and
// computes the slice window.
package query
