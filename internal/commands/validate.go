package commands

import (
	"bytes"
	"encoding/json"

	"procodus.dev/irrigation-hub/internal/store"
)

// Actuator field names in wire order.
const (
	FieldPump   = "pump"
	FieldValve1 = "valve1"
	FieldValve2 = "valve2"
	FieldValve3 = "valve3"
)

// Fields lists the actuator fields every desired state and report must carry.
var Fields = []string{FieldPump, FieldValve1, FieldValve2, FieldValve3}

// ValidateDesiredState decodes a desired state. Each actuator field must be present and a JSON
// boolean; the first offending field is named in the returned *ValidationError.
func ValidateDesiredState(raw []byte) (store.Actuators, error) {
	fields, err := decodeObject(raw)
	if err != nil {
		return store.Actuators{}, err
	}
	return actuatorsFrom(fields)
}

func decodeObject(raw []byte) (map[string]json.RawMessage, error) {
	var fields map[string]json.RawMessage
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, &ValidationError{Message: "Payload required"}
	}
	if err := json.Unmarshal(trimmed, &fields); err != nil {
		return nil, &ValidationError{Message: "Payload required"}
	}
	return fields, nil
}

func actuatorsFrom(fields map[string]json.RawMessage) (store.Actuators, error) {
	values := make(map[string]bool, len(Fields))
	for _, key := range Fields {
		v, ok := fields[key]
		if !ok {
			return store.Actuators{}, &ValidationError{Field: key, Message: key + " is required"}
		}
		switch string(bytes.TrimSpace(v)) {
		case "true":
			values[key] = true
		case "false":
			values[key] = false
		default:
			return store.Actuators{}, &ValidationError{Field: key, Message: key + " must be boolean"}
		}
	}
	return store.Actuators{
		Pump:   values[FieldPump],
		Valve1: values[FieldValve1],
		Valve2: values[FieldValve2],
		Valve3: values[FieldValve3],
	}, nil
}
