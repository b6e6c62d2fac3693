package planner

import (
	"context"
	"errors"

	"github.com/phuslu/log"

	"github.com/huyhandes/aurcache/internal/aur"
	"github.com/huyhandes/aurcache/internal/cache"
)

// resolveSearch issues one physical call per term and merges the hits.
func (p *Planner) resolveSearch(ctx context.Context, q Query, yield func(aur.Record, error) bool) {
	terms := dedupe(q.Terms)

	// A plain union can be streamed term by term.
	if !q.Intersect && !q.Full {
		seen := make(map[string]struct{})
		for _, term := range terms {
			hits, err := p.searchTerm(ctx, q.Field, term, q.Refresh)
			if err != nil {
				yield(aur.Record{}, err)
				return
			}
			for _, hit := range hits {
				if _, dup := seen[hit.Name]; dup {
					continue
				}
				seen[hit.Name] = struct{}{}
				if !yield(hit, nil) {
					return
				}
			}
		}
		return
	}

	perTerm := make([][]aur.Record, 0, len(terms))
	for _, term := range terms {
		hits, err := p.searchTerm(ctx, q.Field, term, q.Refresh)
		if err != nil {
			yield(aur.Record{}, err)
			return
		}
		perTerm = append(perTerm, hits)
	}

	var merged []aur.Record
	if q.Intersect {
		merged = intersect(perTerm)
	} else {
		merged = union(perTerm)
	}

	if !q.Full {
		for _, hit := range merged {
			if !yield(hit, nil) {
				return
			}
		}
		return
	}

	names := make([]string, len(merged))
	for i, hit := range merged {
		names[i] = hit.Name
	}
	p.resolveInfo(ctx, names, q, yield)
}

// searchTerm returns the brief hits of one search call, from the memo when
// possible. An error reported by the endpoint itself, such as a term that
// is too short, is logged and treated as no hits.
func (p *Planner) searchTerm(ctx context.Context, by aur.Field, term string, refresh bool) ([]aur.Record, error) {
	key := cache.SearchKey(by, term)
	if !refresh {
		if hits, ok := p.brief.Get(key); ok {
			log.Debug().Str("key", key).Int("results", len(hits)).Msg("Search served from memo")
			return hits, nil
		}
	}

	hits, err := p.transport.Call(ctx, aur.Search(by, term))
	if err != nil {
		var rpcErr *aur.RPCError
		if errors.As(err, &rpcErr) {
			log.Warn().Err(err).Str("by", string(by)).Str("term", term).Msg("Search rejected by endpoint")
			return nil, nil
		}
		return nil, err
	}

	for i := range hits {
		hits[i].Full = false
	}
	p.brief.Set(key, hits)
	return hits, nil
}

// intersect keeps the packages present in every list, in the order of the
// first list.
func intersect(lists [][]aur.Record) []aur.Record {
	if len(lists) == 0 {
		return nil
	}

	counts := make(map[string]int)
	for _, list := range lists {
		seen := make(map[string]struct{}, len(list))
		for _, r := range list {
			if _, dup := seen[r.Name]; dup {
				continue
			}
			seen[r.Name] = struct{}{}
			counts[r.Name]++
		}
	}

	var out []aur.Record
	emitted := make(map[string]struct{})
	for _, r := range lists[0] {
		if counts[r.Name] != len(lists) {
			continue
		}
		if _, dup := emitted[r.Name]; dup {
			continue
		}
		emitted[r.Name] = struct{}{}
		out = append(out, r)
	}
	return out
}

// union concatenates the lists, dropping repeated names.
func union(lists [][]aur.Record) []aur.Record {
	var out []aur.Record
	seen := make(map[string]struct{})
	for _, list := range lists {
		for _, r := range list {
			if _, dup := seen[r.Name]; dup {
				continue
			}
			seen[r.Name] = struct{}{}
			out = append(out, r)
		}
	}
	return out
}
