package config

import "fmt"

// Error reports a required property that is missing or malformed.
type Error struct {
	Property string
	Reason   string
}

func (e *Error) Error() string {
	return fmt.Sprintf("config error: %s %s", e.Property, e.Reason)
}

// ViolationError reports runtime data that breaks a rule the config enforces,
// e.g. metadata.useEveryRow with a row that matches no input file.
type ViolationError struct {
	Property string
	Detail   string
}

func (e *ViolationError) Error() string {
	return fmt.Sprintf("config violation: %s: %s", e.Property, e.Detail)
}
