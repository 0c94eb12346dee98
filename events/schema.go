package events

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/machinefabric/altport-go/port"
	"github.com/xeipuuv/gojsonschema"
)

// SchemaValidationError reports arguments that do not match an event's schema.
type SchemaValidationError struct {
	Event   string      `json:"event"`
	Details string      `json:"details"`
	Value   interface{} `json:"value,omitempty"`
}

func (e *SchemaValidationError) Error() string {
	return fmt.Sprintf("schema validation failed for %q: %s", e.Event, e.Details)
}

// ErrorCode makes the port reply with INVALID_ARGS.
func (e *SchemaValidationError) ErrorCode() string {
	return port.CodeInvalidArgs
}

func validateValue(name string, schema *gojsonschema.Schema, value interface{}) error {
	valueBytes, err := json.Marshal(value)
	if err != nil {
		return &SchemaValidationError{
			Event:   name,
			Details: fmt.Sprintf("failed to marshal value for validation: %v", err),
		}
	}

	result, err := schema.Validate(gojsonschema.NewBytesLoader(valueBytes))
	if err != nil {
		return &SchemaValidationError{
			Event:   name,
			Details: fmt.Sprintf("failed to validate: %v", err),
		}
	}
	if result.Valid() {
		return nil
	}

	var details []string
	for _, desc := range result.Errors() {
		details = append(details, desc.String())
	}
	return &SchemaValidationError{
		Event:   name,
		Details: strings.Join(details, "; "),
		Value:   value,
	}
}
