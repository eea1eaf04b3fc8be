package schema

import (
	"fmt"
)

// fieldValidator is the reference Validator compiled from a TableDefinition.
// No schema-validation library appears in the teacher's or the retrieved
// pack's dependency surface (Validator is explicitly named an external,
// out-of-scope contract in spec.md §1), so this default implementation is
// a deliberately minimal reflect-free type-switch compiled once per
// version and kept on that version's entry in the VersionedSchema.
type fieldValidator struct {
	def TableDefinition
}

// compile builds the default Validator for a TableDefinition. Compilation
// is cheap enough here that no cache is needed beyond the one VersionedSchema
// already keeps per version (compiled once in Builder.AddVersion).
func compile(def TableDefinition) Validator {
	return fieldValidator{def: def}
}

func (fv fieldValidator) Check(v any) bool {
	return len(fv.Errors(v)) == 0
}

func (fv fieldValidator) Errors(v any) []Issue {
	row, ok := v.(map[string]any)
	if !ok {
		return []Issue{{Path: "$", Message: "value is not an object", Expected: "object"}}
	}

	var issues []Issue
	for _, f := range fv.def.Fields {
		val, present := row[f.ID]
		if !present {
			if f.Default != nil || f.Nullable {
				continue // missing-but-defaultable / nullable fields are fine
			}
			issues = append(issues, Issue{
				Path:     f.ID,
				Message:  "required field is missing",
				Expected: string(f.Type),
			})
			continue
		}
		if val == nil {
			if !f.Nullable {
				issues = append(issues, Issue{Path: f.ID, Message: "field is null but not nullable", Expected: string(f.Type)})
			}
			continue
		}
		if issue, bad := checkFieldType(f, val); bad {
			issues = append(issues, Issue{Path: f.ID, Message: issue, Expected: string(f.Type)})
		}
	}
	// Fields present in storage but absent from the schema ("extra fields")
	// are advisory per spec.md §4.D and never reported as issues.
	return issues
}

func checkFieldType(f FieldDef, val any) (string, bool) {
	switch f.Type {
	case FieldText, FieldRichText, FieldDate:
		if _, ok := val.(string); !ok {
			return fmt.Sprintf("expected string, got %T", val), true
		}
	case FieldInteger:
		switch n := val.(type) {
		case float64:
			if n != float64(int64(n)) {
				return "expected integer, got fractional number", true
			}
		case int, int64:
		default:
			return fmt.Sprintf("expected integer, got %T", val), true
		}
	case FieldReal:
		switch val.(type) {
		case float64, float32, int, int64:
		default:
			return fmt.Sprintf("expected number, got %T", val), true
		}
	case FieldBoolean:
		if _, ok := val.(bool); !ok {
			return fmt.Sprintf("expected boolean, got %T", val), true
		}
	case FieldSelect:
		s, ok := val.(string)
		if !ok {
			return fmt.Sprintf("expected string, got %T", val), true
		}
		if len(f.Options) > 0 && !contains(f.Options, s) {
			return fmt.Sprintf("value %q is not one of the declared options", s), true
		}
	case FieldTags:
		items, ok := toSlice(val)
		if !ok {
			return fmt.Sprintf("expected array, got %T", val), true
		}
		for _, it := range items {
			s, ok := it.(string)
			if !ok {
				return "tags array must contain only strings", true
			}
			if len(f.Options) > 0 && !contains(f.Options, s) {
				return fmt.Sprintf("tag %q is not one of the declared options", s), true
			}
		}
	case FieldJSON:
		// Any JSON-decodable value is accepted; nested schemas are not
		// enforced by this default validator.
	default:
		return fmt.Sprintf("unknown field type %q", f.Type), true
	}
	return "", false
}

// CheckFieldValue validates one value against a single FieldDef in
// isolation, for callers (the KV helper) that validate one key at a time
// rather than a whole row map.
func CheckFieldValue(f FieldDef, val any) []Issue {
	if val == nil {
		if !f.Nullable {
			return []Issue{{Path: f.ID, Message: "field is null but not nullable", Expected: string(f.Type)}}
		}
		return nil
	}
	if msg, bad := checkFieldType(f, val); bad {
		return []Issue{{Path: f.ID, Message: msg, Expected: string(f.Type)}}
	}
	return nil
}

func contains(options []string, s string) bool {
	for _, o := range options {
		if o == s {
			return true
		}
	}
	return false
}

func toSlice(v any) ([]any, bool) {
	items, ok := v.([]any)
	return items, ok
}

// unionValidator accepts a value iff at least one of its member validators
// does; its Errors report the issues of whichever member validator comes
// closest (fewest issues), since spec.md §4.D only requires "the issues
// from the union validator" without mandating a specific aggregation rule.
type unionValidator struct {
	validators []Validator
}

func (u unionValidator) Check(v any) bool {
	for _, val := range u.validators {
		if val.Check(v) {
			return true
		}
	}
	return false
}

func (u unionValidator) Errors(v any) []Issue {
	best := u.validators[0].Errors(v)
	for _, val := range u.validators[1:] {
		issues := val.Errors(v)
		if len(issues) < len(best) {
			best = issues
		}
	}
	return best
}
