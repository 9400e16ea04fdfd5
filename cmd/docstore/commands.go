// Implements the CLI subcommands.

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"

	"github.com/maruel/docstore/internal/docstore"
	"github.com/maruel/docstore/internal/jsondb"
	"github.com/maruel/docstore/internal/query"
)

type command struct {
	name string
	help string
	run  func(ctx context.Context, a *app, args []string, w io.Writer) error
}

var commands = []command{
	{"find", "<collection> [-match JSON] [-sort SPEC] [-populate a,b] [-page N] [-page-size N]", cmdFind},
	{"get", "<collection> [-match JSON]: first matching document", cmdGet},
	{"count", "<collection> [-match JSON]", cmdCount},
	{"create", "<collection> -data JSON", cmdCreate},
	{"update", "<collection> -match JSON -data JSON: merge into the first match", cmdUpdate},
	{"delete", "<collection> -match JSON: delete the first match", cmdDelete},
	{"delete-many", "<collection> -match JSON", cmdDeleteMany},
	{"watch", "[collection...]: print collection changes until interrupted", cmdWatch},
	{"history", "[collection] [-n N] [-show HASH]", cmdHistory},
	{"collections", "list the collections", cmdCollections},
	{"version", "print version", cmdVersion},
}

// run dispatches args[0] to its command.
func run(ctx context.Context, a *app, args []string, w io.Writer) error {
	if len(args) == 0 {
		return errors.New("missing command")
	}
	for _, c := range commands {
		if c.name == args[0] {
			return c.run(ctx, a, args[1:], w)
		}
	}
	return fmt.Errorf("unknown command %q", args[0])
}

func cmdFind(ctx context.Context, a *app, args []string, w io.Writer) error {
	fs := flag.NewFlagSet("find", flag.ContinueOnError)
	match := fs.String("match", "", "JSON filter, or @file")
	sortSpec := fs.String("sort", "", "JSON sort spec, or space separated fields with an optional - prefix")
	populate := fs.String("populate", "", "Comma separated reference paths to expand")
	page := fs.String("page", "", "Page number, starting at 1")
	pageSize := fs.String("page-size", "", "Page size")
	collection, m, err := parseArgs(fs, args, match)
	if err != nil {
		return err
	}
	preq, err := query.ParsePageRequest(*page, *pageSize)
	if err != nil {
		return err
	}
	req := docstore.GetDocumentsRequest{
		Collection: collection,
		Match:      m,
		Sort:       sortArg(*sortSpec),
		Page:       preq.Page,
		PageSize:   preq.PageSize,
	}
	if *populate != "" {
		for p := range strings.SplitSeq(*populate, ",") {
			if p = strings.TrimSpace(p); p != "" {
				req.Populate = append(req.Populate, p)
			}
		}
	}
	res, err := a.adapter.GetDocuments(ctx, req)
	if err != nil {
		return err
	}
	return printJSON(w, res)
}

func cmdGet(ctx context.Context, a *app, args []string, w io.Writer) error {
	fs := flag.NewFlagSet("get", flag.ContinueOnError)
	match := fs.String("match", "", "JSON filter, or @file")
	collection, m, err := parseArgs(fs, args, match)
	if err != nil {
		return err
	}
	res, err := a.adapter.GetDocument(ctx, docstore.MatchRequest{Collection: collection, Match: m})
	if err != nil {
		return err
	}
	return printJSON(w, res.Data)
}

func cmdCount(ctx context.Context, a *app, args []string, w io.Writer) error {
	fs := flag.NewFlagSet("count", flag.ContinueOnError)
	match := fs.String("match", "", "JSON filter, or @file")
	collection, m, err := parseArgs(fs, args, match)
	if err != nil {
		return err
	}
	n, err := a.adapter.CountDocuments(ctx, docstore.MatchRequest{Collection: collection, Match: m})
	if err != nil {
		return err
	}
	return printJSON(w, n)
}

func cmdCreate(ctx context.Context, a *app, args []string, w io.Writer) error {
	fs := flag.NewFlagSet("create", flag.ContinueOnError)
	data := fs.String("data", "", "JSON document, or @file")
	collection, d, err := parseArgs(fs, args, data)
	if err != nil {
		return err
	}
	res, err := a.adapter.CreateDocument(ctx, docstore.CreateDocumentRequest{Collection: collection, Update: d})
	if err != nil {
		return err
	}
	return printJSON(w, res.Data)
}

func cmdUpdate(ctx context.Context, a *app, args []string, w io.Writer) error {
	fs := flag.NewFlagSet("update", flag.ContinueOnError)
	match := fs.String("match", "", "JSON filter, or @file")
	data := fs.String("data", "", "JSON fields to set, or @file")
	collection, m, err := parseArgs(fs, args, match)
	if err != nil {
		return err
	}
	d, err := parseObject(*data)
	if err != nil {
		return fmt.Errorf("invalid -data: %w", err)
	}
	res, err := a.adapter.UpdateDocument(ctx, docstore.UpdateDocumentRequest{Collection: collection, Match: m, Update: d})
	if err != nil {
		return err
	}
	return printJSON(w, res.Data)
}

func cmdDelete(ctx context.Context, a *app, args []string, w io.Writer) error {
	fs := flag.NewFlagSet("delete", flag.ContinueOnError)
	match := fs.String("match", "", "JSON filter, or @file")
	collection, m, err := parseArgs(fs, args, match)
	if err != nil {
		return err
	}
	return a.adapter.DeleteDocument(ctx, docstore.MatchRequest{Collection: collection, Match: m})
}

func cmdDeleteMany(ctx context.Context, a *app, args []string, w io.Writer) error {
	fs := flag.NewFlagSet("delete-many", flag.ContinueOnError)
	match := fs.String("match", "", "JSON filter, or @file")
	collection, m, err := parseArgs(fs, args, match)
	if err != nil {
		return err
	}
	n, err := a.adapter.DeleteDocuments(ctx, docstore.MatchRequest{Collection: collection, Match: m})
	if err != nil {
		return err
	}
	return printJSON(w, map[string]int{"deleted": n})
}

func cmdWatch(ctx context.Context, a *app, args []string, w io.Writer) error {
	for _, c := range args {
		if !a.db.Has(c) || c == docstore.CountersCollection {
			return &docstore.UnknownCollectionError{Collection: c}
		}
	}
	events := make(chan jsondb.Event)
	err := a.db.Watch(ctx, func(ctx context.Context, e jsondb.Event) {
		select {
		case events <- e:
		case <-ctx.Done():
		}
	})
	if err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case e := <-events:
			if e.Collection == docstore.CountersCollection || (len(args) != 0 && !slices.Contains(args, e.Collection)) {
				continue
			}
			if err := printJSON(w, map[string]string{"collection": e.Collection, "path": e.Path}); err != nil {
				return err
			}
		}
	}
}

func cmdHistory(ctx context.Context, a *app, args []string, w io.Writer) error {
	fs := flag.NewFlagSet("history", flag.ContinueOnError)
	n := fs.Int("n", 20, "Maximum number of commits")
	show := fs.String("show", "", "Print the collection file at this commit (HEAD for the latest)")
	collection := ""
	if len(args) != 0 && !strings.HasPrefix(args[0], "-") {
		collection, args = args[0], args[1:]
	}
	if err := fs.Parse(args); err != nil {
		return err
	}
	if a.history == nil {
		return errors.New("history is disabled; set history.enabled in the config file")
	}
	if *show != "" {
		if collection == "" {
			return errors.New("-show requires a collection")
		}
		b, err := a.history.Show(ctx, *show, collection)
		if err != nil {
			return err
		}
		_, err = w.Write(b)
		return err
	}
	commits, err := a.history.Log(ctx, collection, *n)
	if err != nil {
		return err
	}
	return printJSON(w, commits)
}

func cmdCollections(_ context.Context, a *app, _ []string, w io.Writer) error {
	return printJSON(w, a.cfg.CollectionNames())
}

func cmdVersion(_ context.Context, _ *app, _ []string, w io.Writer) error {
	printVersion(w)
	return nil
}

// parseArgs takes the collection from args[0], parses the remaining flags and
// decodes the JSON object held by obj.
func parseArgs(fs *flag.FlagSet, args []string, obj *string) (string, map[string]any, error) {
	if len(args) == 0 || strings.HasPrefix(args[0], "-") {
		return "", nil, fmt.Errorf("%s: missing collection", fs.Name())
	}
	collection := args[0]
	if err := fs.Parse(args[1:]); err != nil {
		return "", nil, err
	}
	if fs.NArg() != 0 {
		return "", nil, fmt.Errorf("%s: unexpected arguments %v", fs.Name(), fs.Args())
	}
	m, err := parseObject(*obj)
	if err != nil {
		return "", nil, fmt.Errorf("%s: %w", fs.Name(), err)
	}
	return collection, m, nil
}

// parseObject decodes a JSON object, read from a file when s starts with @.
// Numbers are kept as json.Number.
func parseObject(s string) (map[string]any, error) {
	if s == "" {
		return nil, nil
	}
	raw := []byte(s)
	if name, ok := strings.CutPrefix(s, "@"); ok {
		var err error
		if raw, err = os.ReadFile(name); err != nil { //nolint:gosec // User-specified input file
			return nil, fmt.Errorf("failed to read %s: %w", name, err)
		}
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("invalid JSON object: %w", err)
	}
	if dec.More() {
		return nil, errors.New("invalid JSON object: trailing data")
	}
	return m, nil
}

// sortArg keeps JSON sort specs encoded so that their key order survives.
func sortArg(s string) any {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	if s[0] == '{' || s[0] == '[' {
		return json.RawMessage(s)
	}
	return s
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
