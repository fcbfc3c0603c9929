// Copyright 2024, Pulumi Corporation.  All rights reserved.

package diags

import (
	"errors"
	"io"

	"github.com/hashicorp/go-multierror"
	"github.com/hashicorp/hcl/v2"
)

// A Diagnostic represents a warning or an error to be presented to the operator.
type Diagnostic = hcl.Diagnostic

// Warning creates a new warning-level diagnostic from the given subject, summary, and detail.
func Warning(rng *hcl.Range, summary, detail string) *Diagnostic {
	if detail == "" {
		detail = summary
	}
	return &Diagnostic{Severity: hcl.DiagWarning, Subject: rng, Summary: summary, Detail: detail}
}

// Error creates a new error-level diagnostic from the given subject, summary, and detail.
func Error(rng *hcl.Range, summary, detail string) *Diagnostic {
	if detail == "" {
		detail = summary
	}
	return &Diagnostic{Severity: hcl.DiagError, Subject: rng, Summary: summary, Detail: detail}
}

// Diagnostics is a list of diagnostics.
type Diagnostics hcl.Diagnostics

// HasErrors returns true if the list of diagnostics contains any error-level diagnostics.
func (d Diagnostics) HasErrors() bool {
	return hcl.Diagnostics(d).HasErrors()
}

// Error implements the error interface so that Diagnostics values may interoperate with APIs that use errors.
func (d Diagnostics) Error() string {
	return hcl.Diagnostics(d).Error()
}

// Extend appends the given list of diagnostics to the list.
func (d *Diagnostics) Extend(diags ...*Diagnostic) {
	if len(diags) != 0 {
		*d = append(*d, diags...)
	}
}

// Errors returns only the error-level diagnostics.
func (d Diagnostics) Errors() Diagnostics {
	var out Diagnostics
	for _, diag := range d {
		if diag.Severity == hcl.DiagError {
			out = append(out, diag)
		}
	}
	return out
}

// Warnings returns only the warning-level diagnostics.
func (d Diagnostics) Warnings() Diagnostics {
	var out Diagnostics
	for _, diag := range d {
		if diag.Severity == hcl.DiagWarning {
			out = append(out, diag)
		}
	}
	return out
}

// HasDiagnostics reports whether err carries diagnostics, looking through multierrors and wrapped errors.
func HasDiagnostics(err error) (Diagnostics, bool) {
	if err == nil {
		return nil, false
	}

	switch err := err.(type) {
	case Diagnostics:
		if len(err) > 0 {
			return err, true
		}
		return nil, false
	case *multierror.Error:
		var diags Diagnostics
		var has bool
		for _, err := range err.Errors {
			if ediags, ok := HasDiagnostics(err); ok {
				diags.Extend(ediags...)
				has = true
			}
		}
		return diags, has
	default:
		var diags Diagnostics
		return diags, errors.As(err, &diags)
	}
}

// NewDiagnosticWriter returns a writer that prints diagnostics with the offending lines of the
// given sources, keyed by file name.
func NewDiagnosticWriter(w io.Writer, sources map[string][]byte, width uint, color bool) hcl.DiagnosticWriter {
	files := make(map[string]*hcl.File, len(sources))
	for name, src := range sources {
		files[name] = &hcl.File{Bytes: src}
	}
	return hcl.NewDiagnosticTextWriter(w, files, width, color)
}

// Write prints d to w.
func (d Diagnostics) Write(w hcl.DiagnosticWriter) error {
	return w.WriteDiagnostics(hcl.Diagnostics(d))
}
