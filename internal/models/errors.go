package models

import (
	"errors"
	"fmt"
	"strings"
)

// NotFoundError reports a missing tenant or data source.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Kind, e.ID)
}

// SchemaError reports an invalid definition or a failed DDL step.
type SchemaError struct {
	Table     string
	Statement string
	Err       error
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("schema error on %s: %v", e.Table, e.Err)
}

func (e *SchemaError) Unwrap() error {
	return e.Err
}

// CycleError reports a data source that sits on a dependency cycle.
type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	return "dependency cycle: " + strings.Join(e.Path, " -> ")
}

// IsPermanent reports errors that a retry cannot fix.
func IsPermanent(err error) bool {
	var nf *NotFoundError
	var ce *CycleError
	return errors.As(err, &nf) || errors.As(err, &ce)
}
