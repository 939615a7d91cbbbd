package httpapi

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const operationSchemaURL = "https://shadowsync.local/schemas/operation.json"

// operationSchema describes the body of POST /v1/adapters/{name}/operations.
// Shape checks only; tree preconditions are the adapter's business.
const operationSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["type"],
  "properties": {
    "type":          {"enum": ["create", "edit", "move", "delete"]},
    "nodeId":        {"type": "integer", "minimum": 1},
    "parentId":      {"type": "integer", "minimum": 1},
    "name":          {"type": "string", "minLength": 1, "maxLength": 255, "pattern": "^[^/\u0000]+$"},
    "nodeType":      {"enum": ["file", "directory", "dir"]},
    "lastWriteTime": {"type": "string", "minLength": 1},
    "source": {
      "type": "object",
      "required": ["id"],
      "properties": {
        "id":             {"type": "integer", "minimum": 1},
        "contentVersion": {"type": "integer", "minimum": 0}
      },
      "additionalProperties": false
    }
  },
  "additionalProperties": false,
  "allOf": [
    {
      "if":   {"properties": {"type": {"const": "create"}}},
      "then": {"required": ["parentId", "name", "nodeType"]}
    },
    {
      "if":   {"properties": {"type": {"const": "create"}, "nodeType": {"const": "file"}}, "required": ["nodeType"]},
      "then": {"required": ["source"]}
    },
    {
      "if":   {"properties": {"type": {"const": "edit"}}},
      "then": {"required": ["nodeId", "source"]}
    },
    {
      "if":   {"properties": {"type": {"const": "move"}}},
      "then": {"required": ["nodeId", "parentId", "name"]}
    },
    {
      "if":   {"properties": {"type": {"const": "delete"}}},
      "then": {"required": ["nodeId"]}
    }
  ]
}`

type operationValidator struct {
	schema *jsonschema.Schema
}

func newOperationValidator() (*operationValidator, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(operationSchema))
	if err != nil {
		return nil, fmt.Errorf("parse operation schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(operationSchemaURL, doc); err != nil {
		return nil, fmt.Errorf("add operation schema: %w", err)
	}
	schema, err := c.Compile(operationSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile operation schema: %w", err)
	}
	return &operationValidator{schema: schema}, nil
}

func (v *operationValidator) validate(body []byte) error {
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("invalid json body: %w", err)
	}
	if err := v.schema.Validate(inst); err != nil {
		return err
	}
	return nil
}
