package workspace

import (
	"fmt"
	"strings"
)

// FieldError describes one config variable a bundle cannot be built
// without.
type FieldError struct {
	Field   string
	Message string
}

func (e FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// GenerationError reports why no bundle was generated for a job. Field
// problems are collected so a requester sees every missing variable at
// once instead of one per attempt.
type GenerationError struct {
	JobID  string
	Fields []FieldError
	Err    error
}

func (e *GenerationError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "generate workspace for job %s", e.JobID)
	if e.Err != nil {
		b.WriteString(": " + e.Err.Error())
	}
	for _, f := range e.Fields {
		b.WriteString("\n  " + f.Error())
	}
	return b.String()
}

func (e *GenerationError) Unwrap() error { return e.Err }
