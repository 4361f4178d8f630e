package config

import (
	"fmt"

	cueerrors "cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"
)

// Error codes. E00x cover loading the directory, E2xx cover project fields.
const (
	ErrCodeGeneric     = "E001" // Generic/unknown error
	ErrCodeScanError   = "E002" // Directory scan error
	ErrCodeNoFiles     = "E003" // No CUE files found
	ErrCodeLoadFailed  = "E004" // CUE load failed
	ErrCodeNotFound    = "E005" // Path not found
	ErrCodeBuildFailed = "E006" // CUE build failed
	ErrCodeNoProjects  = "E007" // No project declared

	ErrCodeInvalidName       = "E201" // Project name unusable as a key
	ErrCodeMissingRepository = "E202" // repository is required
	ErrCodeInvalidBackend    = "E203" // Unsupported backend kind
	ErrCodeMissingWorkspace  = "E204" // workspace is required
	ErrCodeInvalidPattern    = "E205" // staging is not a valid regexp
	ErrCodeMissingBuild      = "E206" // build.command is required
	ErrCodeInvalidTimeout    = "E207" // build.timeout is not a duration
	ErrCodeInvalidType       = "E208" // Field has the wrong CUE type
	ErrCodeUnknownField      = "E209" // Field is not part of the schema
)

// Error is a configuration problem with its source position when known.
type Error struct {
	Code    string
	Project string
	Field   string
	Message string
	Pos     token.Pos
}

func (e *Error) Error() string {
	where := e.Field
	if e.Project != "" {
		where = "project." + e.Project
		if e.Field != "" {
			where += "." + e.Field
		}
	}
	msg := e.Message
	if where != "" {
		msg = where + ": " + msg
	}
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s", e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(), e.Code, msg)
	}
	return fmt.Sprintf("%s: %s", e.Code, msg)
}

// fromCUE converts a CUE evaluation error, keeping the first position.
func fromCUE(code string, err error) *Error {
	errs := cueerrors.Errors(err)
	if len(errs) == 0 {
		return &Error{Code: code, Message: err.Error()}
	}
	first := errs[0]
	e := &Error{Code: code, Message: first.Error()}
	if pos := cueerrors.Positions(first); len(pos) > 0 {
		e.Pos = pos[0]
	}
	return e
}
