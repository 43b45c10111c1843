package search

import (
	"context"
	"fmt"

	"github.com/blugelabs/bluge"
	bsearch "github.com/blugelabs/bluge/search"
	"github.com/blugelabs/bluge/search/aggregations"
)

// FacetSpec requests a terms aggregation over a field.
type FacetSpec struct {
	Field string `json:"field"`
	Size  int    `json:"size"`
}

// Request is an index-level search request. From and Limit apply to
// the globally merged result; each shard is asked for From+Limit hits.
type Request struct {
	Query  QuerySpec            `json:"query"`
	From   int                  `json:"from"`
	Limit  int                  `json:"limit"`
	Count  bool                 `json:"count"`
	Facets map[string]FacetSpec `json:"facets,omitempty"`
	// BestEffort returns merged results even when some shards fail,
	// reporting them in Result.FailedShards. Default is strict.
	BestEffort bool `json:"best_effort,omitempty"`
}

// Validate checks request bounds.
func (r Request) Validate() error {
	if r.From < 0 {
		return fmt.Errorf("from must not be negative (got %d)", r.From)
	}
	if r.Limit < 1 {
		return fmt.Errorf("limit must be positive (got %d)", r.Limit)
	}
	if r.Query.Kind == "" {
		return fmt.Errorf("query kind is required")
	}
	for name, facet := range r.Facets {
		if facet.Field == "" {
			return fmt.Errorf("facet %q requires a field", name)
		}
		if facet.Size < 1 {
			return fmt.Errorf("facet %q requires a positive size", name)
		}
	}
	return nil
}

// Hit is one matching document.
type Hit struct {
	ID     string                 `json:"id"`
	Score  float64                `json:"score"`
	Fields map[string]interface{} `json:"fields,omitempty"`
}

// FacetBucket is one term bucket of a facet aggregation.
type FacetBucket struct {
	Value string `json:"value"`
	Count uint64 `json:"count"`
}

// Result holds search hits plus optional aggregates. FailedShards is
// populated only for best-effort index-level searches.
type Result struct {
	Hits         []Hit                    `json:"hits"`
	Count        uint64                   `json:"count"`
	MaxScore     float64                  `json:"max_score"`
	Facets       map[string][]FacetBucket `json:"facets,omitempty"`
	FailedShards []string                 `json:"failed_shards,omitempty"`
}

// Execute runs |req| against a single shard reader. The shard returns
// its own top From+Limit hits; the caller merges across shards.
func Execute(ctx context.Context, reader *bluge.Reader, req Request, resolver FieldResolver) (Result, error) {
	if err := req.Validate(); err != nil {
		return Result{}, err
	}
	var query, err = BuildQuery(req.Query, resolver)
	if err != nil {
		return Result{}, err
	}

	var topN = bluge.NewTopNSearch(req.From+req.Limit, query).WithStandardAggregations()
	for name, facet := range req.Facets {
		topN.AddAggregation(name, aggregations.NewTermsAggregation(
			bsearch.Field(facet.Field), facet.Size))
	}

	iter, err := reader.Search(ctx, topN)
	if err != nil {
		return Result{}, fmt.Errorf("executing search: %w", err)
	}

	var out Result
	for {
		var match, nextErr = iter.Next()
		if nextErr != nil {
			return Result{}, fmt.Errorf("iterating matches: %w", nextErr)
		}
		if match == nil {
			break
		}

		var hit = Hit{Score: match.Score, Fields: make(map[string]interface{})}
		var visitErr error
		if err := match.VisitStoredFields(func(field string, value []byte) bool {
			switch {
			case field == "_id":
				hit.ID = string(value)
			case resolver.IsNumeric(field):
				if num, decErr := bluge.DecodeNumericFloat64(value); decErr == nil {
					hit.Fields[field] = num
				} else {
					visitErr = fmt.Errorf("decoding numeric field %q: %w", field, decErr)
					return false
				}
			case resolver.IsDatetime(field):
				if t, decErr := bluge.DecodeDateTime(value); decErr == nil {
					hit.Fields[field] = t
				} else {
					visitErr = fmt.Errorf("decoding datetime field %q: %w", field, decErr)
					return false
				}
			default:
				hit.Fields[field] = string(value)
			}
			return true
		}); err != nil {
			return Result{}, fmt.Errorf("visiting stored fields: %w", err)
		}
		if visitErr != nil {
			return Result{}, visitErr
		}
		out.Hits = append(out.Hits, hit)
	}

	var aggs = iter.Aggregations()
	out.MaxScore = aggs.Metric("max_score")
	if req.Count {
		out.Count = aggs.Count()
	}
	if len(req.Facets) != 0 {
		out.Facets = make(map[string][]FacetBucket, len(req.Facets))
		for name := range req.Facets {
			for _, bucket := range aggs.Buckets(name) {
				out.Facets[name] = append(out.Facets[name], FacetBucket{
					Value: bucket.Name(),
					Count: bucket.Count(),
				})
			}
		}
	}
	return out, nil
}
