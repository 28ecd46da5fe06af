package commands

import "procodus.dev/irrigation-hub/internal/store"

// Transition is a single actuator field change between two snapshots.
type Transition struct {
	Actuator string `json:"actuator"`
	From     bool   `json:"from"`
	To       bool   `json:"to"`
}

// Action returns "on" or "off" for the new value.
func (t Transition) Action() string {
	if t.To {
		return "on"
	}
	return "off"
}

// Diff returns the field-level transitions from previous to current in Fields order.
func Diff(previous, current store.Actuators) []Transition {
	prev := fieldValues(previous)
	cur := fieldValues(current)
	var out []Transition
	for i, name := range Fields {
		if prev[i] != cur[i] {
			out = append(out, Transition{Actuator: name, From: prev[i], To: cur[i]})
		}
	}
	return out
}

func fieldValues(a store.Actuators) [4]bool {
	return [4]bool{a.Pump, a.Valve1, a.Valve2, a.Valve3}
}

// ActuatorName is the display name of an actuator field.
func ActuatorName(field string) string {
	switch field {
	case FieldPump:
		return "Pump"
	case FieldValve1:
		return "Valve 1"
	case FieldValve2:
		return "Valve 2"
	case FieldValve3:
		return "Valve 3"
	}
	return field
}
