package configutil

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// CompileSchema compiles an embedded JSON schema document. The name
// only labels error messages.
func CompileSchema(name, schema string) (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(name, strings.NewReader(schema)); err != nil {
		return nil, fmt.Errorf("add schema %s: %w", name, err)
	}
	compiled, err := compiler.Compile(name)
	if err != nil {
		return nil, fmt.Errorf("compile schema %s: %w", name, err)
	}
	return compiled, nil
}

// MustCompileSchema is CompileSchema for package-level schema constants.
func MustCompileSchema(name, schema string) *jsonschema.Schema {
	compiled, err := CompileSchema(name, schema)
	if err != nil {
		panic(err)
	}
	return compiled
}

// ValidateJSON checks value against an embedded JSON schema. The value
// is round-tripped through encoding/json first, so plain Go maps with
// int or typed values validate the same way a decoded request body
// would.
func ValidateJSON(name, schema string, value any) error {
	compiled, err := CompileSchema(name, schema)
	if err != nil {
		return err
	}
	return ValidateCompiled(compiled, value)
}

// ValidateCompiled checks value against an already compiled schema.
func ValidateCompiled(schema *jsonschema.Schema, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode value for validation: %w", err)
	}
	var payload any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return err
	}
	return schema.Validate(payload)
}

// ValidateBytes checks a raw JSON document against a compiled schema.
func ValidateBytes(schema *jsonschema.Schema, raw []byte) error {
	var payload any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return fmt.Errorf("invalid json: %w", err)
	}
	return schema.Validate(payload)
}
