package contracts

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ErrMalformedOperations is returned when an operations payload does not
// match OperationsSchema.
var ErrMalformedOperations = errors.New("contracts: malformed fix operations")

// OperationsSchema constrains the shape of a fix_operations array. Unknown
// operation types are allowed through; the patch engine skips them.
const OperationsSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "array",
  "items": {
    "type": "object",
    "required": ["type"],
    "properties": {
      "type": {"type": "string"},
      "nodeName": {"type": "string"},
      "updates": {
        "type": "object",
        "properties": {
          "parameters": {"type": "object"}
        }
      }
    }
  }
}`

const operationsSchemaURL = "https://autofix.schemas.local/contracts/fix-operations.schema.json"

var (
	operationsSchemaOnce sync.Once
	operationsSchema     *jsonschema.Schema
	operationsSchemaErr  error
)

func compiledOperationsSchema() (*jsonschema.Schema, error) {
	operationsSchemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		if err := c.AddResource(operationsSchemaURL, strings.NewReader(OperationsSchema)); err != nil {
			operationsSchemaErr = fmt.Errorf("operations schema load failed: %w", err)
			return
		}
		operationsSchema, operationsSchemaErr = c.Compile(operationsSchemaURL)
	})
	return operationsSchema, operationsSchemaErr
}

// ValidateOperations checks an already decoded value against OperationsSchema.
// Numbers must be float64 or json.Number.
func ValidateOperations(v any) error {
	schema, err := compiledOperationsSchema()
	if err != nil {
		return err
	}
	if err := schema.Validate(v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedOperations, err)
	}
	return nil
}

// DecodeOperations validates and decodes a serialized operations array.
// Numeric parameter values are kept as json.Number so they round-trip exactly.
func DecodeOperations(raw []byte) ([]FixOperation, error) {
	var generic any
	if err := decodeNumbers(raw, &generic); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedOperations, err)
	}
	if err := ValidateOperations(generic); err != nil {
		return nil, err
	}
	var ops []FixOperation
	if err := decodeNumbers(raw, &ops); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedOperations, err)
	}
	if ops == nil {
		ops = []FixOperation{}
	}
	return ops, nil
}

func decodeNumbers(raw []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	return dec.Decode(v)
}
