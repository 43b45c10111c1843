package search

import (
	"encoding/json"
	"testing"

	"github.com/blugelabs/bluge/analysis"
	"github.com/stretchr/testify/require"
)

type fakeResolver struct {
	numeric  map[string]bool
	datetime map[string]bool
}

func (r fakeResolver) AnalyzerFor(string) (*analysis.Analyzer, error) { return nil, nil }
func (r fakeResolver) IsNumeric(field string) bool                    { return r.numeric[field] }
func (r fakeResolver) IsDatetime(field string) bool                   { return r.datetime[field] }

func spec(kind, options string) QuerySpec {
	return QuerySpec{Kind: kind, Options: json.RawMessage(options)}
}

func TestBuildQueryKinds(t *testing.T) {
	var resolver = fakeResolver{
		numeric:  map[string]bool{"price": true},
		datetime: map[string]bool{"published": true},
	}

	var cases = []QuerySpec{
		{Kind: KindAll},
		spec(KindTerm, `{"field":"title","term":"rust"}`),
		spec(KindFuzzyTerm, `{"field":"title","term":"rust","fuzziness":1,"prefix":1}`),
		spec(KindPhrase, `{"field":"title","phrase":"rust in action","slop":1}`),
		spec(KindQueryString, `{"query":"title:rust AND price:>10"}`),
		spec(KindRange, `{"field":"price","start":10,"end":20}`),
		spec(KindRange, `{"field":"title","start":"a","end":"q"}`),
		spec(KindRange, `{"field":"published","start":"2020-01-01T00:00:00Z","end":"2021-01-01T00:00:00Z"}`),
		spec(KindRegex, `{"field":"title","regex":"ru.t"}`),
		spec(KindBoost, `{"query":{"kind":"term","options":{"field":"title","term":"rust"}},"boost":2.5}`),
		spec(KindBoolean, `{"musts":[{"kind":"term","options":{"field":"title","term":"rust"}}],"minimum_should_match":1}`),
	}
	for _, c := range cases {
		var q, err = BuildQuery(c, resolver)
		require.NoError(t, err, "kind %s", c.Kind)
		require.NotNil(t, q)
	}
}

func TestBuildQueryValidation(t *testing.T) {
	var resolver = fakeResolver{}

	// Case: unknown kind.
	var _, err = BuildQuery(QuerySpec{Kind: "nope"}, resolver)
	require.ErrorContains(t, err, "unknown query kind")

	// Case: missing options.
	_, err = BuildQuery(QuerySpec{Kind: KindTerm}, resolver)
	require.ErrorContains(t, err, "requires options")

	// Case: unknown option field.
	_, err = BuildQuery(spec(KindTerm, `{"field":"t","term":"x","bogus":1}`), resolver)
	require.ErrorContains(t, err, "decoding")

	// Case: empty required option.
	_, err = BuildQuery(spec(KindTerm, `{"field":"t"}`), resolver)
	require.ErrorContains(t, err, "requires field and term")

	// Case: boolean with no clauses.
	_, err = BuildQuery(spec(KindBoolean, `{}`), resolver)
	require.ErrorContains(t, err, "at least one clause")

	// Case: numeric range with string bounds.
	_, err = BuildQuery(spec(KindRange, `{"field":"price","start":"a","end":"b"}`),
		fakeResolver{numeric: map[string]bool{"price": true}})
	require.ErrorContains(t, err, "numeric bounds")

	// Case: boost without a factor.
	_, err = BuildQuery(spec(KindBoost, `{"query":{"kind":"all"}}`), resolver)
	require.ErrorContains(t, err, "positive boost")

	// Case: malformed sub-query surfaces with context.
	_, err = BuildQuery(spec(KindBoolean, `{"musts":[{"kind":"nope"}]}`), resolver)
	require.ErrorContains(t, err, "must clause")
}

func TestRequestValidate(t *testing.T) {
	var valid = Request{Query: QuerySpec{Kind: KindAll}, Limit: 10}
	require.NoError(t, valid.Validate())

	require.Error(t, Request{Query: QuerySpec{Kind: KindAll}, Limit: 0}.Validate())
	require.Error(t, Request{Query: QuerySpec{Kind: KindAll}, Limit: 10, From: -1}.Validate())
	require.Error(t, Request{Limit: 10}.Validate())
	require.Error(t, Request{
		Query:  QuerySpec{Kind: KindAll},
		Limit:  10,
		Facets: map[string]FacetSpec{"tags": {}},
	}.Validate())
}

func TestMergeTopK(t *testing.T) {
	var a = Result{
		Hits:     []Hit{{ID: "a1", Score: 3.0}, {ID: "a2", Score: 1.0}},
		Count:    2,
		MaxScore: 3.0,
	}
	var b = Result{
		Hits:     []Hit{{ID: "b1", Score: 2.0}, {ID: "b2", Score: 0.5}},
		Count:    2,
		MaxScore: 2.0,
	}

	var merged = Merge([]Result{a, b}, 0, 3)
	require.Equal(t, uint64(4), merged.Count)
	require.Equal(t, 3.0, merged.MaxScore)
	require.Len(t, merged.Hits, 3)
	require.Equal(t, "a1", merged.Hits[0].ID)
	require.Equal(t, "b1", merged.Hits[1].ID)
	require.Equal(t, "a2", merged.Hits[2].ID)

	// Case: from skips merged leaders.
	merged = Merge([]Result{a, b}, 2, 10)
	require.Len(t, merged.Hits, 2)
	require.Equal(t, "a2", merged.Hits[0].ID)

	// Case: from beyond the result set.
	merged = Merge([]Result{a, b}, 10, 10)
	require.Empty(t, merged.Hits)
	require.Equal(t, uint64(4), merged.Count)
}

func TestMergeTiesBreakOnID(t *testing.T) {
	var a = Result{Hits: []Hit{{ID: "z", Score: 1.0}}}
	var b = Result{Hits: []Hit{{ID: "a", Score: 1.0}}}

	var merged = Merge([]Result{a, b}, 0, 2)
	require.Equal(t, "a", merged.Hits[0].ID)
	require.Equal(t, "z", merged.Hits[1].ID)
}

func TestMergeFacets(t *testing.T) {
	var a = Result{Facets: map[string][]FacetBucket{
		"tags": {{Value: "go", Count: 3}, {Value: "rust", Count: 1}},
	}}
	var b = Result{Facets: map[string][]FacetBucket{
		"tags": {{Value: "rust", Count: 4}, {Value: "zig", Count: 1}},
	}}

	var merged = Merge([]Result{a, b}, 0, 10)
	require.Equal(t, []FacetBucket{
		{Value: "rust", Count: 5},
		{Value: "go", Count: 3},
		{Value: "zig", Count: 1},
	}, merged.Facets["tags"])
}

func TestMergeCarriesFailedShards(t *testing.T) {
	var merged = Merge([]Result{
		{FailedShards: []string{"s1"}},
		{FailedShards: []string{"s2"}},
	}, 0, 10)
	require.Equal(t, []string{"s1", "s2"}, merged.FailedShards)
}
