package llm

import (
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/xeipuuv/gojsonschema"

	"github.com/sells-group/segment-cli/internal/model"
	"github.com/sells-group/segment-cli/internal/resilience"
)

const extractionSchemaJSON = `{
  "type": "object",
  "required": ["taxonomies", "assignments"],
  "properties": {
    "taxonomies": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["name", "definition"],
        "properties": {
          "name": {"type": "string", "minLength": 1},
          "definition": {"type": "string", "minLength": 1}
        }
      }
    },
    "assignments": {
      "type": "object",
      "additionalProperties": {"type": "string", "minLength": 1}
    }
  }
}`

const consolidationSchemaJSON = `{
  "type": "object",
  "required": ["taxonomies"],
  "properties": {
    "taxonomies": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["name", "definition"],
        "properties": {
          "name": {"type": "string", "minLength": 1},
          "definition": {"type": "string", "minLength": 1},
          "sources": {"type": "array", "items": {"type": "string"}}
        }
      }
    }
  }
}`

const refinementSchemaJSON = `{
  "type": "object",
  "required": ["reassignments"],
  "properties": {
    "reassignments": {
      "type": "object",
      "additionalProperties": {"type": "string", "minLength": 1}
    }
  }
}`

var (
	extractionSchema    = mustSchema(extractionSchemaJSON)
	consolidationSchema = mustSchema(consolidationSchemaJSON)
	refinementSchema    = mustSchema(refinementSchemaJSON)
)

func mustSchema(src string) *gojsonschema.Schema {
	s, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(src))
	if err != nil {
		panic(fmt.Sprintf("llm: compile schema: %v", err))
	}
	return s
}

// validateShape checks text against schema and returns an ErrValidation
// listing every violation.
func validateShape(schema *gojsonschema.Schema, text string) error {
	result, err := schema.Validate(gojsonschema.NewStringLoader(text))
	if err != nil {
		return eris.Wrapf(resilience.ErrValidation, "response is not valid JSON: %v", err)
	}
	if result.Valid() {
		return nil
	}

	msgs := make([]string, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		field := desc.Field()
		if field == "" {
			field = "(root)"
		}
		msgs = append(msgs, field+": "+desc.Description())
	}
	return eris.Wrapf(resilience.ErrValidation, "response does not match schema: %s", strings.Join(msgs, "; "))
}

func invalid(format string, args ...any) error {
	return eris.Wrapf(resilience.ErrValidation, format, args...)
}

// nameSet indexes taxonomy names by their normalized form.
type nameSet map[string]string

// newNameSet rejects empty, reserved and duplicate names.
func newNameSet(defs []model.TaxonomyDef) (nameSet, error) {
	set := make(nameSet, len(defs))
	for _, d := range defs {
		key := model.NormalizeName(d.Name)
		switch {
		case key == "":
			return nil, invalid("taxonomy with empty name")
		case key == model.UnassignedName || key == model.OutOfScopeName:
			return nil, invalid("taxonomy name %q is reserved", d.Name)
		}
		if _, dup := set[key]; dup {
			return nil, invalid("duplicate taxonomy name %q", d.Name)
		}
		set[key] = strings.TrimSpace(d.Name)
	}
	return set, nil
}

// resolve maps an assigned name to its declared spelling. out_of_scope is
// always accepted.
func (s nameSet) resolve(name string) (string, bool) {
	key := model.NormalizeName(name)
	if key == model.OutOfScopeName {
		return model.OutOfScopeName, true
	}
	declared, ok := s[key]
	return declared, ok
}

func trimDefs(defs []model.TaxonomyDef) []model.TaxonomyDef {
	out := make([]model.TaxonomyDef, len(defs))
	for i, d := range defs {
		out[i] = model.TaxonomyDef{
			Name:       strings.TrimSpace(d.Name),
			Definition: strings.TrimSpace(d.Definition),
			Sources:    d.Sources,
		}
	}
	return out
}
