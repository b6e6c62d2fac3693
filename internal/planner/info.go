package planner

import (
	"context"
	"errors"

	"github.com/phuslu/log"

	"github.com/huyhandes/aurcache/internal/aur"
	"github.com/huyhandes/aurcache/internal/cache"
)

// infoRun holds the state of one info resolution.
type infoRun struct {
	results  map[string]aur.Record
	failures map[string]error
	chunkOf  map[string]int
	chunks   [][]string
	fetched  []bool
}

// resolveInfo yields the complete record of each name in input order. Names
// may carry version requirements such as "yay>=12"; a record is yielded only
// when its version meets every requirement given for its name. It returns
// false when the consumer stopped or the context ended.
func (p *Planner) resolveInfo(ctx context.Context, args []string, q Query, yield func(aur.Record, error) bool) bool {
	names, reqs := splitRequirements(dedupe(args))

	run := &infoRun{
		results:  make(map[string]aur.Record, len(names)),
		failures: make(map[string]error),
		chunkOf:  make(map[string]int),
	}

	var pending []string
	for _, name := range names {
		if name == "" {
			continue
		}
		if !q.Refresh {
			if entry, fresh := p.records.Get(ctx, cache.InfoKey(name)); entry != nil && fresh {
				run.results[name] = entry.Record
				continue
			}
		}
		pending = append(pending, name)
	}

	run.chunks = p.chunk(pending)
	run.fetched = make([]bool, len(run.chunks))
	for i, chunk := range run.chunks {
		for _, name := range chunk {
			run.chunkOf[name] = i
		}
	}

	log.Debug().
		Int("names", len(names)).
		Int("cached", len(run.results)).
		Int("chunks", len(run.chunks)).
		Msg("Planned info query")

	for _, name := range names {
		if name == "" {
			continue
		}
		if i, ok := run.chunkOf[name]; ok && !run.fetched[i] {
			run.fetched[i] = true
			if err := p.fetchChunk(ctx, run, run.chunks[i]); err != nil {
				yield(aur.Record{}, err)
				return false
			}
		}

		if err, failed := run.failures[name]; failed {
			if !yield(aur.Record{}, err) {
				return false
			}
			continue
		}

		record, ok := run.results[name]
		if !ok {
			continue
		}
		if !aur.SatisfiesAll(record.Version, reqs[name]) {
			log.Debug().
				Str("package", name).
				Str("version", record.Version).
				Msg("Record does not meet version requirements")
			continue
		}
		if q.LastPackager {
			record.LastPackager = p.lastPackager(ctx, name)
		}
		if !yield(record, nil) {
			return false
		}
	}
	return true
}

// splitRequirements strips version requirements from args. It returns the
// bare names in first-seen order and the requirements collected per name.
func splitRequirements(args []string) ([]string, map[string][]aur.Constraint) {
	names := make([]string, 0, len(args))
	reqs := make(map[string][]aur.Constraint, len(args))
	for _, arg := range args {
		if arg == "" {
			continue
		}
		name, c, err := aur.ParseDependency(arg)
		if err != nil {
			log.Warn().Err(err).Msg("Skipping package argument")
			continue
		}
		if _, seen := reqs[name]; !seen {
			reqs[name] = nil
			names = append(names, name)
		}
		if c != nil {
			reqs[name] = append(reqs[name], *c)
		}
	}
	return names, reqs
}

// chunk packs names into successive groups whose request stays within the
// URI and argument limits. A name too long on its own gets a chunk to
// itself so that it fails alone.
func (p *Planner) chunk(names []string) [][]string {
	var (
		chunks [][]string
		cur    []string
	)
	for _, name := range names {
		if len(cur) > 0 {
			next := append(cur[:len(cur):len(cur)], name)
			if len(next) <= p.maxArgs && p.transport.URILength(aur.Info(next...)) <= p.maxURILength {
				cur = next
				continue
			}
			chunks = append(chunks, cur)
		}
		cur = []string{name}
	}
	if len(cur) > 0 {
		chunks = append(chunks, cur)
	}
	return chunks
}

// fetchChunk fetches names in one call, halving the chunk each time the
// endpoint rejects it as too long. Only a cancelled context is returned;
// every other failure is recorded against the affected names.
func (p *Planner) fetchChunk(ctx context.Context, run *infoRun, names []string) error {
	records, err := p.transport.Call(ctx, aur.Info(names...))
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		var (
			decodeErr *aur.DecodeError
			rpcErr    *aur.RPCError
		)
		switch {
		case aur.IsTooLong(err):
			if len(names) == 1 {
				log.Warn().Str("package", names[0]).Msg("Package name alone exceeds the request limit")
				run.failures[names[0]] = &ItemError{Name: names[0], Err: err}
				return nil
			}
			mid := (len(names) + 1) / 2
			log.Debug().
				Int("size", len(names)).
				Int("head", mid).
				Msg("Request too long, splitting chunk")
			if err := p.fetchChunk(ctx, run, names[:mid]); err != nil {
				return err
			}
			return p.fetchChunk(ctx, run, names[mid:])

		case errors.As(err, &decodeErr):
			log.Error().Err(err).Int("names", len(names)).Msg("Skipping undecodable info response")
			return nil

		case errors.As(err, &rpcErr):
			log.Warn().Err(err).Int("names", len(names)).Msg("Endpoint rejected info request")
			return nil

		default:
			log.Warn().Err(err).Int("names", len(names)).Msg("Info request failed")
			for _, name := range names {
				run.failures[name] = &ItemError{Name: name, Err: err}
			}
			return nil
		}
	}

	for _, record := range records {
		if !record.Complete() {
			log.Warn().Str("package", record.Name).Msg("Ignoring incomplete info record")
			continue
		}
		if err := p.records.Put(ctx, cache.InfoKey(record.Name), record); err != nil {
			log.Warn().Err(err).Str("package", record.Name).Msg("Failed to cache record")
		}
		run.results[record.Name] = record
	}
	return nil
}

func (p *Planner) lastPackager(ctx context.Context, name string) string {
	source, ok := p.transport.(PackagerSource)
	if !ok {
		return ""
	}
	packager, err := source.LastPackager(ctx, name)
	if err != nil {
		log.Warn().Err(err).Str("package", name).Msg("Failed to look up last packager")
		return ""
	}
	return packager
}
