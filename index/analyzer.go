package index

import (
	"encoding/json"
	"fmt"
	"unicode"

	"github.com/blugelabs/bluge/analysis"
	"github.com/blugelabs/bluge/analysis/analyzer"
	"github.com/blugelabs/bluge/analysis/token"
	"github.com/blugelabs/bluge/analysis/tokenizer"
)

// FilterSpec names a tokenizer or token filter along with its
// JSON-encoded arguments. Args are validated when the analyzer is built.
type FilterSpec struct {
	Name string          `json:"name"`
	Args json.RawMessage `json:"args,omitempty"`
}

// AnalyzerConfig describes a tokenization pipeline: one tokenizer
// followed by zero or more token filters.
type AnalyzerConfig struct {
	Tokenizer    FilterSpec   `json:"tokenizer"`
	TokenFilters []FilterSpec `json:"token_filters,omitempty"`
}

// Validate builds the pipeline and discards it, surfacing any unknown
// name or malformed argument.
func (c AnalyzerConfig) Validate() error {
	var _, err = BuildAnalyzer(c)
	return err
}

// Builtin analyzer names, usable from a schema without configuration.
const (
	AnalyzerStandard = "standard"
	AnalyzerKeyword  = "keyword"
	AnalyzerSimple   = "simple"
)

// IsBuiltinAnalyzer reports whether |name| is a built-in analyzer.
func IsBuiltinAnalyzer(name string) bool {
	switch name {
	case AnalyzerStandard, AnalyzerKeyword, AnalyzerSimple:
		return true
	}
	return false
}

// Analyzers maps analyzer names to executable pipelines.
type Analyzers map[string]*analysis.Analyzer

// BuildAnalyzers constructs all configured analyzers plus the builtins.
// Configured names shadow builtins.
func BuildAnalyzers(configs map[string]AnalyzerConfig) (Analyzers, error) {
	var out = Analyzers{
		AnalyzerStandard: analyzer.NewStandardAnalyzer(),
		AnalyzerKeyword:  analyzer.NewKeywordAnalyzer(),
		AnalyzerSimple:   analyzer.NewSimpleAnalyzer(),
	}
	for name, cfg := range configs {
		var a, err = BuildAnalyzer(cfg)
		if err != nil {
			return nil, fmt.Errorf("building analyzer %q: %w", name, err)
		}
		out[name] = a
	}
	return out, nil
}

// Get returns the named analyzer, or the standard analyzer for "".
func (a Analyzers) Get(name string) (*analysis.Analyzer, error) {
	if name == "" {
		name = AnalyzerStandard
	}
	var found, ok = a[name]
	if !ok {
		return nil, fmt.Errorf("unknown analyzer %q", name)
	}
	return found, nil
}

// BuildAnalyzer constructs a single pipeline from its configuration.
func BuildAnalyzer(cfg AnalyzerConfig) (*analysis.Analyzer, error) {
	var tok, err = buildTokenizer(cfg.Tokenizer)
	if err != nil {
		return nil, err
	}

	var filters []analysis.TokenFilter
	for _, spec := range cfg.TokenFilters {
		var f, err = buildTokenFilter(spec)
		if err != nil {
			return nil, err
		}
		filters = append(filters, f)
	}

	return &analysis.Analyzer{
		Tokenizer:    tok,
		TokenFilters: filters,
	}, nil
}

type ngramArgs struct {
	MinGram int `json:"min_gram"`
	MaxGram int `json:"max_gram"`
}

func buildTokenizer(spec FilterSpec) (analysis.Tokenizer, error) {
	switch spec.Name {
	case "", "standard":
		return tokenizer.NewUnicodeTokenizer(), nil
	case "whitespace":
		return tokenizer.NewCharacterTokenizer(func(r rune) bool {
			return !unicode.IsSpace(r)
		}), nil
	case "letter":
		return tokenizer.NewCharacterTokenizer(unicode.IsLetter), nil
	case "raw":
		return tokenizer.NewSingleTokenTokenizer(), nil
	default:
		return nil, fmt.Errorf("unknown tokenizer %q", spec.Name)
	}
}

type removeLongArgs struct {
	LengthLimit int `json:"length_limit"`
}

type stopWordArgs struct {
	Words []string `json:"words"`
}

func buildTokenFilter(spec FilterSpec) (analysis.TokenFilter, error) {
	switch spec.Name {
	case "lower_case":
		return token.NewLowerCaseFilter(), nil

	case "alpha_num_only":
		return alphaNumOnlyFilter{}, nil

	case "ascii_folding":
		return asciiFoldingFilter{}, nil

	case "remove_long":
		var args = removeLongArgs{LengthLimit: 40}
		if err := decodeArgs(spec.Args, &args); err != nil {
			return nil, fmt.Errorf("remove_long: %w", err)
		}
		if args.LengthLimit < 1 {
			return nil, fmt.Errorf("remove_long: length_limit must be positive (got %d)", args.LengthLimit)
		}
		return token.NewLengthFilter(1, args.LengthLimit), nil

	case "stop_word":
		var args stopWordArgs
		if err := decodeArgs(spec.Args, &args); err != nil {
			return nil, fmt.Errorf("stop_word: %w", err)
		}
		var words = args.Words
		if len(words) == 0 {
			words = defaultStopWords
		}
		var tm = analysis.NewTokenMap()
		for _, w := range words {
			tm.AddToken(w)
		}
		return token.NewStopTokensFilter(tm), nil

	case "stemming":
		return token.NewPorterStemmer(), nil

	case "ngram":
		var args = ngramArgs{MinGram: 1, MaxGram: 2}
		if err := decodeArgs(spec.Args, &args); err != nil {
			return nil, fmt.Errorf("ngram: %w", err)
		}
		if args.MinGram < 1 || args.MaxGram < args.MinGram {
			return nil, fmt.Errorf("ngram: require 1 <= min_gram <= max_gram (got %d, %d)",
				args.MinGram, args.MaxGram)
		}
		return token.NewNgramFilter(args.MinGram, args.MaxGram), nil

	default:
		return nil, fmt.Errorf("unknown token filter %q", spec.Name)
	}
}

func decodeArgs(raw json.RawMessage, into interface{}) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, into); err != nil {
		return fmt.Errorf("decoding args: %w", err)
	}
	return nil
}

var defaultStopWords = []string{
	"a", "an", "and", "are", "as", "at", "be", "but", "by", "for", "if",
	"in", "into", "is", "it", "no", "not", "of", "on", "or", "such",
	"that", "the", "their", "then", "there", "these", "they", "this",
	"to", "was", "will", "with",
}

// alphaNumOnlyFilter drops tokens containing anything other than
// letters and digits.
type alphaNumOnlyFilter struct{}

func (alphaNumOnlyFilter) Filter(input analysis.TokenStream) analysis.TokenStream {
	var out = input[:0]
	for _, tok := range input {
		var keep = true
		for _, r := range string(tok.Term) {
			if !unicode.IsLetter(r) && !unicode.IsDigit(r) {
				keep = false
				break
			}
		}
		if keep {
			out = append(out, tok)
		}
	}
	return out
}

// asciiFoldingFilter folds common accented Latin characters onto their
// ASCII equivalents, leaving other runes untouched.
type asciiFoldingFilter struct{}

func (asciiFoldingFilter) Filter(input analysis.TokenStream) analysis.TokenStream {
	for _, tok := range input {
		var folded = make([]byte, 0, len(tok.Term))
		for _, r := range string(tok.Term) {
			if sub, ok := asciiFoldTable[r]; ok {
				folded = append(folded, sub...)
			} else {
				folded = append(folded, string(r)...)
			}
		}
		tok.Term = folded
	}
	return input
}

var asciiFoldTable = map[rune]string{
	'À': "A", 'Á': "A", 'Â': "A", 'Ã': "A", 'Ä': "A", 'Å': "A", 'Æ': "AE",
	'Ç': "C", 'È': "E", 'É': "E", 'Ê': "E", 'Ë': "E", 'Ì': "I", 'Í': "I",
	'Î': "I", 'Ï': "I", 'Ñ': "N", 'Ò': "O", 'Ó': "O", 'Ô': "O", 'Õ': "O",
	'Ö': "O", 'Ø': "O", 'Ù': "U", 'Ú': "U", 'Û': "U", 'Ü': "U", 'Ý': "Y",
	'à': "a", 'á': "a", 'â': "a", 'ã': "a", 'ä': "a", 'å': "a", 'æ': "ae",
	'ç': "c", 'è': "e", 'é': "e", 'ê': "e", 'ë': "e", 'ì': "i", 'í': "i",
	'î': "i", 'ï': "i", 'ñ': "n", 'ò': "o", 'ó': "o", 'ô': "o", 'õ': "o",
	'ö': "o", 'ø': "o", 'ù': "u", 'ú': "u", 'û': "u", 'ü': "u", 'ý': "y",
	'ÿ': "y", 'Œ': "OE", 'œ': "oe", 'ß': "ss",
}
