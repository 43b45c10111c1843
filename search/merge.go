package search

import "sort"

// Merge combines per-shard results into one index-level result:
// hits are merged top-k by score, counts are summed, max scores take
// the maximum, and facet buckets with equal values are summed.
// From and Limit are applied to the merged ordering.
func Merge(results []Result, from, limit int) Result {
	var out Result

	for _, r := range results {
		out.Hits = append(out.Hits, r.Hits...)
		out.Count += r.Count
		if r.MaxScore > out.MaxScore {
			out.MaxScore = r.MaxScore
		}
		out.FailedShards = append(out.FailedShards, r.FailedShards...)

		for name, buckets := range r.Facets {
			if out.Facets == nil {
				out.Facets = make(map[string][]FacetBucket)
			}
			out.Facets[name] = append(out.Facets[name], buckets...)
		}
	}

	sort.SliceStable(out.Hits, func(i, j int) bool {
		if out.Hits[i].Score != out.Hits[j].Score {
			return out.Hits[i].Score > out.Hits[j].Score
		}
		return out.Hits[i].ID < out.Hits[j].ID
	})

	if from >= len(out.Hits) {
		out.Hits = nil
	} else {
		out.Hits = out.Hits[from:]
		if limit < len(out.Hits) {
			out.Hits = out.Hits[:limit]
		}
	}

	for name, buckets := range out.Facets {
		out.Facets[name] = sumBuckets(buckets)
	}
	return out
}

// sumBuckets folds buckets with equal values and orders by descending
// count, then value.
func sumBuckets(buckets []FacetBucket) []FacetBucket {
	var counts = make(map[string]uint64)
	for _, b := range buckets {
		counts[b.Value] += b.Count
	}

	var out = make([]FacetBucket, 0, len(counts))
	for value, count := range counts {
		out = append(out, FacetBucket{Value: value, Count: count})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Value < out[j].Value
	})
	return out
}
