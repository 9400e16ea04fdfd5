package jsondb

// Clone returns a deep copy of a decoded JSON value. Maps and slices are
// copied; every other value is returned as is.
func Clone(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return CloneDocument(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = Clone(e)
		}
		return out
	default:
		return v
	}
}

// CloneDocument returns a deep copy of doc.
func CloneDocument(doc Document) Document {
	if doc == nil {
		return nil
	}
	out := make(Document, len(doc))
	for k, e := range doc {
		out[k] = Clone(e)
	}
	return out
}

// CloneDocuments deep copies every document of docs.
func CloneDocuments(docs []Document) []Document {
	out := make([]Document, len(docs))
	for i, d := range docs {
		out[i] = CloneDocument(d)
	}
	return out
}
