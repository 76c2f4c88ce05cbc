// Package parser turns BSL modules and MDClasses XML documents into symbols,
// raw references and diagnostics.
package parser

import (
	"fmt"

	"github.com/spetr/mcp-bslindex/pkg/types"
)

// Result is the output of parsing one unit. Symbols and References keep
// source order; References carry the ID of the symbol they occur in.
type Result struct {
	Symbols     []*types.Symbol
	References  []*types.Reference
	Diagnostics []types.Diagnostic
}

// Parse parses one unit according to its declared kind. It never fails:
// malformed input yields partial symbols plus diagnostics.
func Parse(unit *types.Unit) *Result {
	switch unit.Kind {
	case types.UnitKindModule:
		return parseModule(unit)
	case types.UnitKindMetadata:
		return parseMetadata(unit)
	case types.UnitKindForm:
		return parseForm(unit)
	}
	return &Result{Diagnostics: []types.Diagnostic{{
		File:     unit.RelPath,
		Severity: types.SeverityError,
		Reason:   fmt.Sprintf("unknown unit kind %q", unit.Kind),
	}}}
}

// Errors returns the error-severity diagnostics as ParseErrors.
func (r *Result) Errors() []*types.ParseError {
	var errs []*types.ParseError
	for _, d := range r.Diagnostics {
		if d.Severity != types.SeverityError {
			continue
		}
		errs = append(errs, &types.ParseError{File: d.File, Offset: d.Offset, Line: d.Line, Reason: d.Reason})
	}
	return errs
}
