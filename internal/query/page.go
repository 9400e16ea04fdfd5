// Validates page requests and computes page windows.

package query

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// DefaultPageSize applies when a page is requested without a page size.
const DefaultPageSize = 50

// ErrInvalidPageRequest is returned when page or pageSize is not a positive
// integer.
var ErrInvalidPageRequest = errors.New("invalid page request")

// PageRequestError describes which pagination parameter was rejected.
type PageRequestError struct {
	Field string
	Value string
}

func (e *PageRequestError) Error() string {
	return fmt.Sprintf("%s: %s must be a positive integer, got %q", ErrInvalidPageRequest, e.Field, e.Value)
}

// Is reports whether target is ErrInvalidPageRequest.
func (e *PageRequestError) Is(target error) bool {
	return target == ErrInvalidPageRequest
}

// PageRequest is an optional page selection. A nil Page returns everything.
type PageRequest struct {
	Page     *int
	PageSize *int
}

// ParsePageRequest parses textual page parameters, as received from flags or
// query strings. An empty page means "not requested".
func ParsePageRequest(page, pageSize string) (PageRequest, error) {
	var req PageRequest
	if page = strings.TrimSpace(page); page != "" {
		n, err := strconv.Atoi(page)
		if err != nil {
			return PageRequest{}, &PageRequestError{Field: "page", Value: page}
		}
		req.Page = &n
	}
	if pageSize = strings.TrimSpace(pageSize); pageSize != "" {
		n, err := strconv.Atoi(pageSize)
		if err != nil {
			return PageRequest{}, &PageRequestError{Field: "pageSize", Value: pageSize}
		}
		req.PageSize = &n
	}
	return req, nil
}

// Window is the slice of a result set selected by a PageRequest.
type Window struct {
	Start       int
	End         int
	CurrentPage int
	TotalPages  int
	// Limit is the page size, or 0 when every document is returned.
	Limit int
}

// Paginate validates req and computes the window over count documents.
// Out of range pages produce an empty window, not an error.
func Paginate(count int, req PageRequest) (Window, error) {
	if req.Page == nil {
		return Window{Start: 0, End: count, CurrentPage: 1, TotalPages: 1}, nil
	}
	page := *req.Page
	if page < 1 {
		return Window{}, &PageRequestError{Field: "page", Value: strconv.Itoa(page)}
	}
	size := DefaultPageSize
	if req.PageSize != nil {
		size = *req.PageSize
		if size < 1 {
			return Window{}, &PageRequestError{Field: "pageSize", Value: strconv.Itoa(size)}
		}
	}
	total := max(1, (count+size-1)/size)
	start := count
	if page-1 <= count/size {
		start = min((page-1)*size, count)
	}
	end := min(start+size, count)
	return Window{Start: start, End: end, CurrentPage: page, TotalPages: total, Limit: size}, nil
}

// Slice returns the part of items selected by w.
func Slice[T any](items []T, w Window) []T {
	start := min(w.Start, len(items))
	end := min(max(w.End, start), len(items))
	return items[start:end]
}
