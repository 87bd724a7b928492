package catalogs

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const familiesSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "array",
  "items": {
    "type": "object",
    "required": ["family", "builder"],
    "properties": {
      "family":  {"type": "string", "minLength": 1},
      "builder": {"type": "string", "enum": ["simple","int_circuit","arc_furnace","cutter","blast_furnace","implosion","fusion","assembly_line"]}
    },
    "additionalProperties": false
  }
}`

const recipesSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "definitions": {
    "stack": {
      "type": "object",
      "required": ["item", "count"],
      "properties": {
        "item":  {"type": "string", "minLength": 1},
        "count": {"type": "integer", "minimum": 1},
        "tags":  {"type": "array", "items": {"type": "string"}}
      }
    },
    "input": {
      "type": "object",
      "required": ["count"],
      "properties": {
        "item":  {"type": "string", "minLength": 1},
        "tag":   {"type": "string", "minLength": 1},
        "count": {"type": "integer", "minimum": 0}
      },
      "oneOf": [{"required": ["item"]}, {"required": ["tag"]}]
    },
    "fluid": {
      "type": "object",
      "required": ["fluid", "amount"],
      "properties": {
        "fluid":  {"type": "string", "minLength": 1},
        "amount": {"type": "integer", "minimum": 1}
      },
      "additionalProperties": false
    }
  },
  "type": "array",
  "items": {
    "type": "object",
    "required": ["id", "family", "eut", "duration"],
    "properties": {
      "id":            {"type": "string", "minLength": 1},
      "family":        {"type": "string", "minLength": 1},
      "inputs":        {"type": "array", "items": {"$ref": "#/definitions/input"}},
      "fluid_inputs":  {"type": "array", "items": {"$ref": "#/definitions/fluid"}},
      "outputs":       {"type": "array", "items": {"$ref": "#/definitions/stack"}},
      "chance_outputs": {
        "type": "array",
        "items": {
          "type": "object",
          "required": ["stack", "chance"],
          "properties": {
            "stack":      {"$ref": "#/definitions/stack"},
            "chance":     {"type": "integer", "minimum": 1, "maximum": 10000},
            "tier_boost": {"type": "integer", "minimum": 0}
          }
        }
      },
      "fluid_outputs": {"type": "array", "items": {"$ref": "#/definitions/fluid"}},
      "eut":           {"type": "integer"},
      "duration":      {"type": "integer", "minimum": 1},
      "min_tier":      {"type": "integer", "minimum": 0}
    }
  }
}`

const (
	familiesSchemaURL = "https://procarray.ai/schemas/families.schema.json"
	recipesSchemaURL  = "https://procarray.ai/schemas/recipes.schema.json"
)

type schemas struct {
	families *jsonschema.Schema
	recipes  *jsonschema.Schema
}

func compileSchemas() (*schemas, error) {
	c := jsonschema.NewCompiler()
	if err := c.AddResource(familiesSchemaURL, strings.NewReader(familiesSchema)); err != nil {
		return nil, err
	}
	if err := c.AddResource(recipesSchemaURL, strings.NewReader(recipesSchema)); err != nil {
		return nil, err
	}
	fs, err := c.Compile(familiesSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("families schema: %w", err)
	}
	rs, err := c.Compile(recipesSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("recipes schema: %w", err)
	}
	return &schemas{families: fs, recipes: rs}, nil
}

func validateRaw(s *jsonschema.Schema, name string, raw []byte) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	if err := s.Validate(doc); err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}
