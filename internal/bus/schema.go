package bus

import (
	"fmt"
	"strings"
)

// FieldKind is the expected shape of a payload field.
type FieldKind string

const (
	FieldString FieldKind = "string"
	FieldNumber FieldKind = "number"
)

// FieldSpec declares one payload field of a knowledge type's schema.
type FieldSpec struct {
	Name     string
	Kind     FieldKind
	Required bool
	// Numeric range, applied when HasRange is set.
	HasRange bool
	Min      float64
	Max      float64
}

// PayloadSchema is the required-field/numeric-range schema of one knowledge
// type. Fields not listed here are allowed and preserved as raw extensions.
type PayloadSchema struct {
	Fields []FieldSpec
}

// Validate checks payload against the schema and returns the list of
// problems. An empty slice means the payload is valid.
func (s PayloadSchema) Validate(payload map[string]interface{}) []string {
	var problems []string
	for _, f := range s.Fields {
		raw, present := payload[f.Name]
		if !present {
			if f.Required {
				problems = append(problems, fmt.Sprintf("missing required field %q", f.Name))
			}
			continue
		}
		switch f.Kind {
		case FieldString:
			v, ok := raw.(string)
			if !ok {
				problems = append(problems, fmt.Sprintf("field %q must be a string", f.Name))
			} else if f.Required && strings.TrimSpace(v) == "" {
				problems = append(problems, fmt.Sprintf("field %q must be non-empty", f.Name))
			}
		case FieldNumber:
			v, ok := asNumber(raw)
			if !ok {
				problems = append(problems, fmt.Sprintf("field %q must be numeric", f.Name))
				continue
			}
			if f.HasRange && (v < f.Min || v > f.Max) {
				problems = append(problems, fmt.Sprintf("field %q must be in [%g,%g], got %g", f.Name, f.Min, f.Max, v))
			}
		}
	}
	return problems
}

// unitRange is the common [0,1] numeric constraint.
func unitRange(name string, required bool) FieldSpec {
	return FieldSpec{Name: name, Kind: FieldNumber, Required: required, HasRange: true, Min: 0, Max: 1}
}

// defaultSchemaFor returns the built-in schema for a knowledge type.
// Unknown types get an empty schema (everything is a raw extension).
func defaultSchemaFor(t KnowledgeType) PayloadSchema {
	switch t {
	case TypeRiskPattern:
		return PayloadSchema{Fields: []FieldSpec{
			{Name: "pattern", Kind: FieldString, Required: true},
			unitRange("confidence", true),
		}}
	case TypeFixPattern:
		return PayloadSchema{Fields: []FieldSpec{
			{Name: "pattern", Kind: FieldString, Required: true},
			unitRange("confidence", true),
		}}
	case TypeDecision:
		return PayloadSchema{Fields: []FieldSpec{
			{Name: "decision", Kind: FieldString, Required: true},
			{Name: "topic", Kind: FieldString, Required: true},
			unitRange("confidence", false),
		}}
	case TypeContextEnrichment:
		return PayloadSchema{Fields: []FieldSpec{
			{Name: "content", Kind: FieldString, Required: true},
			unitRange("relevance", false),
		}}
	case TypeExperimentInsight:
		return PayloadSchema{Fields: []FieldSpec{
			{Name: "summary", Kind: FieldString, Required: false},
			unitRange("confidence", false),
		}}
	default:
		return PayloadSchema{}
	}
}
