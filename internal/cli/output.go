package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/roach88/realmstore/internal/realm"
)

// Exit codes for CLI commands.
const (
	ExitSuccess      = 0 // Successful execution
	ExitFailure      = 1 // Operation failure (realm error, scenarios failed)
	ExitCommandError = 2 // Command error (bad flags, unreadable config, etc.)
)

// Error code constants, unified across all CLI commands.
const (
	ErrCodeGeneric              = "E001" // Generic/unexpected error
	ErrCodeInvalidState         = "E002" // Operation not allowed in the handle's state
	ErrCodeIllegalArgument      = "E003" // Bad argument, missing or duplicate table
	ErrCodeSchemaMismatch       = "E004" // Schema version differs and cannot be reconciled
	ErrCodeInvalidSchemaVersion = "E005" // Target schema version lower than the file's
	ErrCodeIO                   = "E006" // File, store or encryption failure
	ErrCodeOutOfMemory          = "E007" // Allocation failure
	ErrCodeConfig               = "E008" // Invalid flags or configuration
	ErrCodeScenarioFailed       = "E009" // One or more scenarios failed
)

// ErrorCode maps a realm error kind to its CLI error code. Name collisions
// are reported as illegal arguments.
func ErrorCode(err error) string {
	switch realm.KindOf(err) {
	case realm.KindInvalidState:
		return ErrCodeInvalidState
	case realm.KindIllegalArgument, realm.KindNameInUse:
		return ErrCodeIllegalArgument
	case realm.KindSchemaMismatch:
		return ErrCodeSchemaMismatch
	case realm.KindInvalidSchemaVersion:
		return ErrCodeInvalidSchemaVersion
	case realm.KindIoError:
		return ErrCodeIO
	case realm.KindOutOfMemory:
		return ErrCodeOutOfMemory
	}
	return ErrCodeGeneric
}

// ExitError represents an error with a specific exit code.
// Use this to return errors with meaningful exit codes from CLI commands.
type ExitError struct {
	Code    int    // Exit code (use ExitFailure or ExitCommandError)
	Message string // Error message
	Err     error  // Underlying error (optional)
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// NewExitError creates a new ExitError with the given code and message.
func NewExitError(code int, message string) *ExitError {
	return &ExitError{Code: code, Message: message}
}

// WrapExitError wraps an existing error with an exit code.
func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode extracts the exit code from an error.
// Returns ExitFailure (1) if the error is not an ExitError.
func GetExitCode(err error) int {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// OutputFormatter handles JSON vs text output for CLI commands.
type OutputFormatter struct {
	Format    string
	Writer    io.Writer
	ErrWriter io.Writer // Separate writer for verbose/diagnostic output (defaults to Writer)
	Verbose   bool
}

// CLIResponse is the standard JSON response format for CLI output.
type CLIResponse struct {
	Status string    `json:"status"`          // "ok" or "error"
	Data   any       `json:"data,omitempty"`  // success payload
	Error  *CLIError `json:"error,omitempty"` // error details
}

// CLIError is the error structure for CLI responses.
type CLIError struct {
	Code    string `json:"code"`              // "E001", "E002", etc.
	Kind    string `json:"kind,omitempty"`    // realm error kind, if any
	Message string `json:"message"`           // human-readable message
	Path    string `json:"path,omitempty"`    // realm file the error concerns
	Details any    `json:"details,omitempty"` // additional context
}

// Success outputs a successful result in the configured format.
// Text output prints data with fmt, so result types implement fmt.Stringer.
func (f *OutputFormatter) Success(data any) error {
	if f.Format == "json" {
		return json.NewEncoder(f.Writer).Encode(CLIResponse{
			Status: "ok",
			Data:   data,
		})
	}

	fmt.Fprintln(f.Writer, data)
	return nil
}

// Error outputs an error in the configured format.
func (f *OutputFormatter) Error(code, message string, details any) error {
	return f.write(&CLIError{Code: code, Message: message, Details: details})
}

// RealmError outputs a realm error with its kind and path.
func (f *OutputFormatter) RealmError(err error) error {
	cerr := &CLIError{Code: ErrorCode(err), Message: err.Error()}
	var re *realm.Error
	if errors.As(err, &re) {
		cerr.Kind = string(re.Kind)
		cerr.Message = re.Message
		cerr.Path = re.Path
		if re.Err != nil {
			cerr.Details = re.Err.Error()
		}
	}
	return f.write(cerr)
}

func (f *OutputFormatter) write(cerr *CLIError) error {
	if f.Format == "json" {
		return json.NewEncoder(f.Writer).Encode(CLIResponse{
			Status: "error",
			Error:  cerr,
		})
	}

	fmt.Fprintf(f.Writer, "Error [%s]: %s\n", cerr.Code, cerr.Message)
	if f.Verbose && cerr.Details != nil {
		fmt.Fprintf(f.Writer, "Details: %v\n", cerr.Details)
	}
	return nil
}

// VerboseLog outputs a message only if verbose mode is enabled.
// Uses ErrWriter if set, otherwise falls back to Writer.
// When format is JSON, verbose logs go to ErrWriter to avoid corrupting JSON output.
func (f *OutputFormatter) VerboseLog(format string, args ...any) {
	if !f.Verbose {
		return
	}
	w := f.ErrWriter
	if w == nil {
		w = f.Writer
	}
	fmt.Fprintf(w, format+"\n", args...)
}

// GetErrWriter returns the appropriate writer for diagnostic output.
// Returns ErrWriter if set, otherwise Writer.
func (f *OutputFormatter) GetErrWriter() io.Writer {
	if f.ErrWriter != nil {
		return f.ErrWriter
	}
	return f.Writer
}
