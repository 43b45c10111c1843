package index

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/blugelabs/bluge"
	"github.com/blugelabs/bluge/analysis"
)

// Document is one indexable document: an identifier plus field values.
type Document struct {
	ID     string
	Fields map[string]interface{}
}

// ParseDocument decodes a raw JSON document. The object must carry a
// non-empty string "_id"; remaining members are field values.
func ParseDocument(raw []byte) (Document, error) {
	var fields map[string]interface{}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return Document{}, fmt.Errorf("decoding document: %w", err)
	}

	var idValue, ok = fields[DocIDField]
	if !ok {
		return Document{}, fmt.Errorf("document has no %s field", DocIDField)
	}
	id, ok := idValue.(string)
	if !ok || id == "" {
		return Document{}, fmt.Errorf("document %s must be a non-empty string", DocIDField)
	}
	delete(fields, DocIDField)

	return Document{ID: id, Fields: fields}, nil
}

// buildBlugeDocument maps a parsed document onto the schema, stamping
// the indexing timestamp. Fields absent from the schema are rejected.
func buildBlugeDocument(doc Document, schema Schema, analyzers Analyzers, now time.Time) (*bluge.Document, error) {
	var out = bluge.NewDocument(doc.ID)

	for name, value := range doc.Fields {
		var field, ok = schema.FieldByName(name)
		if !ok {
			return nil, fmt.Errorf("document %s: field %q is not in the schema", doc.ID, name)
		}

		switch field.Type {
		case FieldTypeText:
			var text, ok = value.(string)
			if !ok {
				return nil, fmt.Errorf("document %s: field %q expects a string", doc.ID, name)
			}
			var analyzer, err = analyzers.Get(field.Analyzer)
			if err != nil {
				return nil, fmt.Errorf("document %s: %w", doc.ID, err)
			}
			var tf = bluge.NewTextField(name, text).WithAnalyzer(analyzer)
			if field.Store {
				tf.StoreValue()
			}
			out.AddField(tf)

		case FieldTypeKeyword:
			var text, ok = value.(string)
			if !ok {
				return nil, fmt.Errorf("document %s: field %q expects a string", doc.ID, name)
			}
			var kf = bluge.NewKeywordField(name, text).Aggregatable()
			if field.Store {
				kf.StoreValue()
			}
			out.AddField(kf)

		case FieldTypeNumeric:
			var num, ok = value.(float64)
			if !ok {
				return nil, fmt.Errorf("document %s: field %q expects a number", doc.ID, name)
			}
			var nf = bluge.NewNumericField(name, num)
			if field.Store {
				nf.StoreValue()
			}
			out.AddField(nf)

		case FieldTypeDatetime:
			var text, ok = value.(string)
			if !ok {
				return nil, fmt.Errorf("document %s: field %q expects an RFC 3339 string", doc.ID, name)
			}
			var t, err = time.Parse(time.RFC3339, text)
			if err != nil {
				return nil, fmt.Errorf("document %s: field %q: %w", doc.ID, name, err)
			}
			var df = bluge.NewDateTimeField(name, t)
			if field.Store {
				df.StoreValue()
			}
			out.AddField(df)

		default:
			return nil, fmt.Errorf("document %s: field %q has unsupported type %q", doc.ID, name, field.Type)
		}
	}

	out.AddField(bluge.NewDateTimeField(DocTimestampField, now))
	return out, nil
}

// Resolver adapts index metadata to the query factory's field lookup.
type Resolver struct {
	schema    Schema
	analyzers Analyzers
}

// NewResolver builds a Resolver over |schema| and |analyzers|.
func NewResolver(schema Schema, analyzers Analyzers) *Resolver {
	return &Resolver{schema: schema, analyzers: analyzers}
}

// AnalyzerFor returns the analyzer of a text field, or nil otherwise.
func (r *Resolver) AnalyzerFor(field string) (*analysis.Analyzer, error) {
	var f, ok = r.schema.FieldByName(field)
	if !ok || f.Type != FieldTypeText {
		return nil, nil
	}
	return r.analyzers.Get(f.Analyzer)
}

// IsNumeric reports whether |field| holds numeric values.
func (r *Resolver) IsNumeric(field string) bool {
	var f, ok = r.schema.FieldByName(field)
	return ok && f.Type == FieldTypeNumeric
}

// IsDatetime reports whether |field| holds datetime values.
func (r *Resolver) IsDatetime(field string) bool {
	var f, ok = r.schema.FieldByName(field)
	return ok && f.Type == FieldTypeDatetime
}
