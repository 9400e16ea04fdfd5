// Substitutes referenced documents for their ids.

package docstore

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/maruel/docstore/internal/jsondb"
)

const maxPopulateConcurrency = 4

// populate replaces the ids found at each requested path of docs with the
// referenced documents, in place. Paths without a declared reference are
// skipped. A reference that cannot be resolved keeps its raw id.
//
// Each referenced collection is read under its own lock, one at a time per
// collection and concurrently across collections.
func (s *Service) populate(ctx context.Context, collection string, docs []Document, paths []string) {
	if len(docs) == 0 || len(paths) == 0 {
		return
	}
	refs := s.opts.References[collection]
	targets := map[string][]string{}
	for _, p := range paths {
		target, ok := refs[p]
		if !ok || target == CountersCollection || !s.db.Has(target) {
			slog.DebugContext(ctx, "docstore: no reference declared", "collection", collection, "path", p)
			continue
		}
		targets[target] = append(targets[target], p)
	}
	if len(targets) == 0 {
		return
	}

	var mu sync.Mutex
	loaded := make(map[string][]Document, len(targets))
	var eg errgroup.Group
	eg.SetLimit(maxPopulateConcurrency)
	for target := range targets {
		eg.Go(func() error {
			var found []Document
			err := s.withCollection(ctx, "populate", target, func(ctx context.Context) error {
				all, err := s.load(target)
				if err != nil {
					return err
				}
				found = all
				return nil
			})
			if err != nil {
				slog.WarnContext(ctx, "docstore: failed to populate", "collection", collection, "target", target, "err", err)
				return nil
			}
			mu.Lock()
			loaded[target] = found
			mu.Unlock()
			return nil
		})
	}
	_ = eg.Wait()

	for target, ps := range targets {
		all, ok := loaded[target]
		if !ok {
			continue
		}
		for _, p := range ps {
			Substitute(docs, p, all)
		}
	}
}

// Substitute replaces the id, or each id of a list, found at the dotted path
// of every document with the matching document of targets. Ids without a
// match are kept.
func Substitute(docs []Document, path string, targets []Document) {
	segs := strings.Split(path, ".")
	for _, d := range docs {
		substitute(d, segs, targets)
	}
}

// substitute walks segs through nested objects and replaces the id, or each id
// of a list, at the end of the path.
func substitute(doc map[string]any, segs []string, targets []Document) {
	cur := doc
	for _, seg := range segs[:len(segs)-1] {
		next, ok := cur[seg].(map[string]any)
		if !ok {
			return
		}
		cur = next
	}
	last := segs[len(segs)-1]
	v, ok := cur[last]
	if !ok || v == nil {
		return
	}
	if list, ok := v.([]any); ok {
		out := make([]any, len(list))
		for i, id := range list {
			out[i] = lookup(id, targets)
		}
		cur[last] = out
		return
	}
	cur[last] = lookup(v, targets)
}

func lookup(id any, targets []Document) any {
	if i := indexByID(targets, id); i >= 0 {
		return jsondb.CloneDocument(targets[i])
	}
	return id
}
