package common

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// CreateJobSchema describes the body accepted by job creation.
var CreateJobSchema = map[string]any{
	"$schema":              "http://json-schema.org/draft-07/schema#",
	"type":                 "object",
	"additionalProperties": false,
	"required":             []any{"url"},
	"properties": map[string]any{
		"url":      map[string]any{"type": "string", "minLength": 1, "maxLength": 2048},
		"provider": map[string]any{"type": "string"},
		"model":    map[string]any{"type": "string", "maxLength": 128},
	},
}

var (
	schemaMu    sync.Mutex
	schemaCache = map[string]*jsonschema.Schema{}
)

func compileSchema(name string, schemaMap map[string]any) (*jsonschema.Schema, error) {
	schemaMu.Lock()
	defer schemaMu.Unlock()
	if s, ok := schemaCache[name]; ok {
		return s, nil
	}
	b, err := json.Marshal(schemaMap)
	if err != nil {
		return nil, fmt.Errorf("marshal schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(name, bytes.NewReader(b)); err != nil {
		return nil, fmt.Errorf("add schema: %w", err)
	}
	s, err := compiler.Compile(name)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	schemaCache[name] = s
	return s, nil
}

// ValidateJSON checks data against schemaMap. Schema failures are internal
// errors; document failures carry ErrValidation.
func ValidateJSON(name string, schemaMap map[string]any, data []byte) error {
	schema, err := compileSchema(name, schemaMap)
	if err != nil {
		return err
	}
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return Validationf("malformed JSON: %v", err)
	}
	if err := schema.Validate(v); err != nil {
		return Validationf("request does not match schema: %v", err)
	}
	return nil
}
