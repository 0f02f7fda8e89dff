package core

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"buildguard/internal/digest"
)

// declarationsMember is the synthetic input member that digests the
// builder's declared permissions.
const declarationsMember = "@declarations"

// Body is the work of a builder. It must perform all I/O through the
// sandbox helpers with ctx (or a context derived from it) and report
// diagnostics through inv.
type Body func(ctx context.Context, inv *Invocation) error

// Builder is one build step and everything it declares.
//
// Paths may be relative; they are resolved against the Runner's base
// directory. Inputs are readable and digested. Reads are readable but not
// digested. Outputs and Temps are directory roots or files the builder may
// create.
type Builder struct {
	Name string

	Inputs digest.InputSet
	Reads  []string

	Outputs []string
	Temps   []string

	ReadExceptions  []string
	WriteExceptions []string
	ReadAndTrack    []string

	Exec    []string
	Network bool

	// Classpath files are digested into one opaque classpath digest.
	Classpath []string

	// CompileSourceRoots and ResourceRoots are recorded with the state
	// for the surrounding build tool.
	CompileSourceRoots []string
	ResourceRoots      []string

	Body Body
}

func (b *Builder) Validate() error {
	if b == nil {
		return errors.New("builder is nil")
	}
	var errs []error
	if strings.TrimSpace(b.Name) == "" {
		errs = append(errs, errors.New("name is required"))
	}
	if b.Body == nil {
		errs = append(errs, errors.New("body is required"))
	}
	for name := range b.Inputs {
		if strings.TrimSpace(name) == "" {
			errs = append(errs, errors.New("input member names must not be empty"))
		}
		if strings.HasPrefix(name, "@") {
			errs = append(errs, fmt.Errorf("input member %q: names starting with @ are reserved", name))
		}
	}
	for i, e := range b.Exec {
		if strings.TrimSpace(e) == "" {
			errs = append(errs, fmt.Errorf("exec[%d] must not be empty", i))
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return errors.Join(errs...)
}
