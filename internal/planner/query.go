package planner

import (
	"errors"
	"fmt"

	"github.com/huyhandes/aurcache/internal/aur"
)

// ErrInvalidQuery is returned for a query the planner cannot execute.
var ErrInvalidQuery = errors.New("invalid query")

// Kind is the logical query type.
type Kind string

const (
	KindInfo    Kind = "info"
	KindSearch  Kind = "search"
	KindMSearch Kind = "msearch"
)

// ParseKind accepts the query types understood by the RPC endpoint,
// including the multiinfo alias.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "info", "multiinfo":
		return KindInfo, nil
	case "search":
		return KindSearch, nil
	case "msearch":
		return KindMSearch, nil
	}
	return "", fmt.Errorf("%w: unknown type %q", ErrInvalidQuery, s)
}

// Query is one logical request. It may need several physical calls.
type Query struct {
	Kind  Kind
	Field aur.Field // search field, defaults to name-desc
	Terms []string  // package names for info, search terms otherwise

	// Intersect keeps only packages matched by every search term instead
	// of the union.
	Intersect bool

	// Full resolves search hits through info so complete records are
	// returned.
	Full bool

	// Refresh ignores cached entries. Fetched records are still written.
	Refresh bool

	// LastPackager scrapes the package page of each info result.
	LastPackager bool
}

// Info is a query for the complete records of names. A name may carry a
// version requirement such as "yay>=12".
func Info(names ...string) Query {
	return Query{Kind: KindInfo, Terms: names}
}

// Search is a query for packages matching any of terms on field.
func Search(field aur.Field, terms ...string) Query {
	return Query{Kind: KindSearch, Field: field, Terms: terms}
}

// MSearch is a query for packages maintained by maintainer. An empty
// maintainer selects orphans.
func MSearch(maintainer string) Query {
	return Query{Kind: KindMSearch, Field: aur.ByMaintainer, Terms: []string{maintainer}}
}

// normalize validates q and returns it with msearch folded into search and
// the default field filled in.
func (q Query) normalize() (Query, error) {
	switch q.Kind {
	case KindInfo:
		return q, nil
	case KindMSearch:
		q.Kind = KindSearch
		q.Field = aur.ByMaintainer
		if len(q.Terms) == 0 {
			q.Terms = []string{""}
		}
	case KindSearch:
		field, err := aur.ParseField(string(q.Field))
		if err != nil {
			return q, fmt.Errorf("%w: %v", ErrInvalidQuery, err)
		}
		q.Field = field
	default:
		return q, fmt.Errorf("%w: unknown kind %q", ErrInvalidQuery, q.Kind)
	}

	if len(q.Terms) == 0 {
		return q, fmt.Errorf("%w: search needs at least one term", ErrInvalidQuery)
	}
	for _, term := range q.Terms {
		if term == "" && q.Field != aur.ByMaintainer {
			return q, fmt.Errorf("%w: empty search term", ErrInvalidQuery)
		}
	}
	return q, nil
}

// ItemError reports that one package of an info query could not be
// resolved. The other packages of the query are unaffected.
type ItemError struct {
	Name string
	Err  error
}

func (e *ItemError) Error() string {
	return fmt.Sprintf("%s: %v", e.Name, e.Err)
}

func (e *ItemError) Unwrap() error { return e.Err }

// dedupe returns values without repeats, in first-seen order.
func dedupe(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
