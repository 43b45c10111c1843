// Package search builds executable queries from wire descriptors,
// runs them against a shard reader, and merges per-shard results.
package search

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/blugelabs/bluge"
	"github.com/blugelabs/bluge/analysis"
	querystr "github.com/blugelabs/query_string"
)

// Query kinds understood by the wire protocol.
const (
	KindAll         = "all"
	KindBoolean     = "boolean"
	KindBoost       = "boost"
	KindFuzzyTerm   = "fuzzy_term"
	KindPhrase      = "phrase"
	KindQueryString = "query_string"
	KindRange       = "range"
	KindRegex       = "regex"
	KindTerm        = "term"
)

// QuerySpec is a tagged query descriptor. Options is a kind-specific
// sub-document validated at deserialize time.
type QuerySpec struct {
	Kind    string          `json:"kind"`
	Options json.RawMessage `json:"options,omitempty"`
}

// FieldResolver supplies per-field analysis and typing to the query
// factory without binding it to a concrete schema representation.
type FieldResolver interface {
	// AnalyzerFor returns the analyzer of a text field, or nil when
	// the field is not analyzed.
	AnalyzerFor(field string) (*analysis.Analyzer, error)
	// IsNumeric reports whether the field holds numeric values.
	IsNumeric(field string) bool
	// IsDatetime reports whether the field holds datetime values.
	IsDatetime(field string) bool
}

type termOptions struct {
	Field string `json:"field"`
	Term  string `json:"term"`
}

type fuzzyTermOptions struct {
	Field     string `json:"field"`
	Term      string `json:"term"`
	Fuzziness int    `json:"fuzziness"`
	Prefix    int    `json:"prefix"`
}

type phraseOptions struct {
	Field  string `json:"field"`
	Phrase string `json:"phrase"`
	Slop   int    `json:"slop"`
}

type queryStringOptions struct {
	Query string `json:"query"`
}

type rangeOptions struct {
	Field     string      `json:"field"`
	Start     interface{} `json:"start"`
	End       interface{} `json:"end"`
	StartExcl bool        `json:"start_exclusive"`
	EndExcl   bool        `json:"end_exclusive"`
}

type regexOptions struct {
	Field string `json:"field"`
	Regex string `json:"regex"`
}

type boostOptions struct {
	Query QuerySpec `json:"query"`
	Boost float64   `json:"boost"`
}

type booleanOptions struct {
	Musts     []QuerySpec `json:"musts,omitempty"`
	Shoulds   []QuerySpec `json:"shoulds,omitempty"`
	MustNots  []QuerySpec `json:"must_nots,omitempty"`
	MinShould int         `json:"minimum_should_match"`
}

// BuildQuery constructs an executable query from |spec|.
// Unknown kinds and malformed options are argument errors.
func BuildQuery(spec QuerySpec, resolver FieldResolver) (bluge.Query, error) {
	switch spec.Kind {
	case KindAll:
		return bluge.NewMatchAllQuery(), nil

	case KindTerm:
		var opts termOptions
		if err := decodeOptions(spec, &opts); err != nil {
			return nil, err
		}
		if opts.Field == "" || opts.Term == "" {
			return nil, fmt.Errorf("term query requires field and term")
		}
		return bluge.NewTermQuery(opts.Term).SetField(opts.Field), nil

	case KindFuzzyTerm:
		var opts fuzzyTermOptions
		if err := decodeOptions(spec, &opts); err != nil {
			return nil, err
		}
		if opts.Field == "" || opts.Term == "" {
			return nil, fmt.Errorf("fuzzy_term query requires field and term")
		}
		var q = bluge.NewFuzzyQuery(opts.Term).SetField(opts.Field)
		if opts.Fuzziness != 0 {
			q = q.SetFuzziness(opts.Fuzziness)
		}
		if opts.Prefix != 0 {
			q = q.SetPrefix(opts.Prefix)
		}
		return q, nil

	case KindPhrase:
		var opts phraseOptions
		if err := decodeOptions(spec, &opts); err != nil {
			return nil, err
		}
		if opts.Field == "" || opts.Phrase == "" {
			return nil, fmt.Errorf("phrase query requires field and phrase")
		}
		var q = bluge.NewMatchPhraseQuery(opts.Phrase).SetField(opts.Field).SetSlop(opts.Slop)
		if a, err := resolver.AnalyzerFor(opts.Field); err == nil && a != nil {
			q = q.SetAnalyzer(a)
		}
		return q, nil

	case KindQueryString:
		var opts queryStringOptions
		if err := decodeOptions(spec, &opts); err != nil {
			return nil, err
		}
		if opts.Query == "" {
			return nil, fmt.Errorf("query_string query requires query")
		}
		var q, err = querystr.ParseQueryString(opts.Query, querystr.DefaultOptions())
		if err != nil {
			return nil, fmt.Errorf("parsing query string %q: %w", opts.Query, err)
		}
		return q, nil

	case KindRange:
		return buildRangeQuery(spec, resolver)

	case KindRegex:
		var opts regexOptions
		if err := decodeOptions(spec, &opts); err != nil {
			return nil, err
		}
		if opts.Field == "" || opts.Regex == "" {
			return nil, fmt.Errorf("regex query requires field and regex")
		}
		return bluge.NewRegexpQuery(opts.Regex).SetField(opts.Field), nil

	case KindBoost:
		var opts boostOptions
		if err := decodeOptions(spec, &opts); err != nil {
			return nil, err
		}
		if opts.Boost <= 0 {
			return nil, fmt.Errorf("boost query requires a positive boost factor")
		}
		var sub, err = BuildQuery(opts.Query, resolver)
		if err != nil {
			return nil, fmt.Errorf("boost sub-query: %w", err)
		}
		return bluge.NewBooleanQuery().AddMust(sub).SetBoost(opts.Boost), nil

	case KindBoolean:
		var opts booleanOptions
		if err := decodeOptions(spec, &opts); err != nil {
			return nil, err
		}
		if len(opts.Musts)+len(opts.Shoulds)+len(opts.MustNots) == 0 {
			return nil, fmt.Errorf("boolean query requires at least one clause")
		}
		var q = bluge.NewBooleanQuery()
		for _, sub := range opts.Musts {
			var built, err = BuildQuery(sub, resolver)
			if err != nil {
				return nil, fmt.Errorf("boolean must clause: %w", err)
			}
			q.AddMust(built)
		}
		for _, sub := range opts.Shoulds {
			var built, err = BuildQuery(sub, resolver)
			if err != nil {
				return nil, fmt.Errorf("boolean should clause: %w", err)
			}
			q.AddShould(built)
		}
		for _, sub := range opts.MustNots {
			var built, err = BuildQuery(sub, resolver)
			if err != nil {
				return nil, fmt.Errorf("boolean must_not clause: %w", err)
			}
			q.AddMustNot(built)
		}
		if opts.MinShould > 0 {
			q.SetMinShould(opts.MinShould)
		}
		return q, nil

	default:
		return nil, fmt.Errorf("unknown query kind %q", spec.Kind)
	}
}

func buildRangeQuery(spec QuerySpec, resolver FieldResolver) (bluge.Query, error) {
	var opts rangeOptions
	if err := decodeOptions(spec, &opts); err != nil {
		return nil, err
	}
	if opts.Field == "" || opts.Start == nil || opts.End == nil {
		return nil, fmt.Errorf("range query requires field, start, and end")
	}

	switch {
	case resolver.IsNumeric(opts.Field):
		var start, okStart = opts.Start.(float64)
		var end, okEnd = opts.End.(float64)
		if !okStart || !okEnd {
			return nil, fmt.Errorf("range over numeric field %q requires numeric bounds", opts.Field)
		}
		return bluge.NewNumericRangeInclusiveQuery(
			start, end, !opts.StartExcl, !opts.EndExcl).SetField(opts.Field), nil

	case resolver.IsDatetime(opts.Field):
		var start, err = parseDatetimeBound(opts.Start)
		if err != nil {
			return nil, fmt.Errorf("range start: %w", err)
		}
		end, err := parseDatetimeBound(opts.End)
		if err != nil {
			return nil, fmt.Errorf("range end: %w", err)
		}
		return bluge.NewDateRangeInclusiveQuery(
			start, end, !opts.StartExcl, !opts.EndExcl).SetField(opts.Field), nil

	default:
		var start, okStart = opts.Start.(string)
		var end, okEnd = opts.End.(string)
		if !okStart || !okEnd {
			return nil, fmt.Errorf("range over term field %q requires string bounds", opts.Field)
		}
		return bluge.NewTermRangeInclusiveQuery(
			start, end, !opts.StartExcl, !opts.EndExcl).SetField(opts.Field), nil
	}
}

func parseDatetimeBound(bound interface{}) (time.Time, error) {
	var s, ok = bound.(string)
	if !ok {
		return time.Time{}, fmt.Errorf("datetime bound must be an RFC 3339 string")
	}
	var t, err = time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing datetime bound %q: %w", s, err)
	}
	return t, nil
}

func decodeOptions(spec QuerySpec, into interface{}) error {
	if len(spec.Options) == 0 {
		return fmt.Errorf("%s query requires options", spec.Kind)
	}
	var dec = json.NewDecoder(bytes.NewReader(spec.Options))
	dec.DisallowUnknownFields()
	if err := dec.Decode(into); err != nil {
		return fmt.Errorf("decoding %s query options: %w", spec.Kind, err)
	}
	return nil
}
