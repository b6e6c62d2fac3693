// Package planner turns logical queries into cached lookups and the fewest
// physical RPC calls that fit the endpoint's request-URI limit.
package planner

import (
	"context"
	"errors"
	"iter"

	"github.com/phuslu/log"

	"github.com/huyhandes/aurcache/internal/aur"
	"github.com/huyhandes/aurcache/internal/cache"
	"github.com/huyhandes/aurcache/internal/config"
)

const (
	defaultMaxURILength = 8000
	defaultMaxArgs      = 250
)

// Transport performs physical RPC calls. *aur.Client implements it.
type Transport interface {
	Call(ctx context.Context, req aur.Request) ([]aur.Record, error)
	URILength(req aur.Request) int
}

// PackagerSource looks up the last packager of a package. Transports that
// implement it enable Query.LastPackager.
type PackagerSource interface {
	LastPackager(ctx context.Context, name string) (string, error)
}

// Options bounds the size of info chunks.
type Options struct {
	MaxURILength int
	MaxArgs      int

	// Brief memoises search hits. A private memo is created when nil.
	Brief *cache.BriefCache
}

// OptionsFromConfig returns the chunk limits configured in cfg.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		MaxURILength: cfg.MaxURILength,
		MaxArgs:      cfg.MaxArgs,
	}
}

// Planner resolves queries against a RecordCache and a Transport. It is
// safe for concurrent use.
type Planner struct {
	transport    Transport
	records      *cache.RecordCache
	brief        *cache.BriefCache
	maxURILength int
	maxArgs      int
}

func New(transport Transport, records *cache.RecordCache, opts Options) *Planner {
	if records == nil {
		records = cache.Disabled(cache.Options{})
	}
	if opts.MaxURILength <= 0 {
		opts.MaxURILength = defaultMaxURILength
	}
	if opts.MaxArgs <= 0 {
		opts.MaxArgs = defaultMaxArgs
	}
	brief := opts.Brief
	if brief == nil {
		brief = cache.NewBriefCache(cache.Options{TTL: records.TTL(), Now: records.Now})
	}

	return &Planner{
		transport:    transport,
		records:      records,
		brief:        brief,
		maxURILength: opts.MaxURILength,
		maxArgs:      opts.MaxArgs,
	}
}

// Records returns the cache the planner writes through.
func (p *Planner) Records() *cache.RecordCache { return p.records }

// Brief returns the search memo.
func (p *Planner) Brief() *cache.BriefCache { return p.brief }

// Resolve returns the records answering q. Nothing is fetched until the
// sequence is ranged over, and ranging it again re-runs the query against
// the cache. Breaking out of the loop cancels outstanding work.
//
// Info queries report a package that could not be fetched as an
// *ItemError and carry on with the rest. Search queries stop at the first
// transport or decode error. Packages the endpoint does not know are
// silently absent.
func (p *Planner) Resolve(ctx context.Context, q Query) iter.Seq2[aur.Record, error] {
	return func(yield func(aur.Record, error) bool) {
		q, err := q.normalize()
		if err != nil {
			yield(aur.Record{}, err)
			return
		}

		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		log.Debug().
			Str("kind", string(q.Kind)).
			Str("field", string(q.Field)).
			Int("terms", len(q.Terms)).
			Bool("intersect", q.Intersect).
			Bool("full", q.Full).
			Bool("refresh", q.Refresh).
			Msg("Resolving query")

		switch q.Kind {
		case KindInfo:
			p.resolveInfo(ctx, q.Terms, q, yield)
		case KindSearch:
			p.resolveSearch(ctx, q, yield)
		}
	}
}

// Collect drains seq. Per-item errors are returned alongside the records
// that did resolve; any other error stops collection.
func Collect(seq iter.Seq2[aur.Record, error]) ([]aur.Record, []*ItemError, error) {
	var (
		records []aur.Record
		items   []*ItemError
	)
	for record, err := range seq {
		if err != nil {
			var itemErr *ItemError
			if errors.As(err, &itemErr) {
				items = append(items, itemErr)
				continue
			}
			return records, items, err
		}
		records = append(records, record)
	}
	return records, items, nil
}
