package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"gopkg.in/yaml.v3"

	"github.com/fernandezvara/guardkit"
)

// Exit codes for CLI commands.
const (
	ExitSuccess      = 0 // Successful execution
	ExitFailure      = 1 // Operation refused (denied, not found, conflict, unhealthy, invalid signatures)
	ExitCommandError = 2 // Command error (bad arguments, config, database unreachable)
)

// ExitError represents an error with a specific exit code.
type ExitError struct {
	Code    int    // Exit code (use ExitFailure or ExitCommandError)
	Message string // Error message
	Err     error  // Underlying error (optional)

	reported bool
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

// Reported reports whether the error was already written to the output.
func (e *ExitError) Reported() bool {
	return e.reported
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

// OutputFormatter renders command results as text, JSON or YAML.
type OutputFormatter struct {
	Format    string
	Writer    io.Writer
	ErrWriter io.Writer // Separate writer for verbose/diagnostic output (defaults to Writer)
	Verbose   bool
}

// CLIResponse is the standard structured response format.
type CLIResponse struct {
	Status string    `json:"status"`          // "ok" or "error"
	Data   any       `json:"data,omitempty"`  // success payload
	Error  *CLIError `json:"error,omitempty"` // error details
}

// CLIError is the error structure for structured responses.
type CLIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Success outputs data. In text mode text renders it; a nil text prints data with %v.
func (f *OutputFormatter) Success(data any, text func(w io.Writer) error) error {
	switch f.Format {
	case "json", "yaml":
		return f.encode(CLIResponse{Status: "ok", Data: data})
	}
	if text == nil {
		_, err := fmt.Fprintln(f.Writer, data)
		return err
	}
	return text(f.Writer)
}

// Fail outputs err and returns the ExitError the command should return.
func (f *OutputFormatter) Fail(err error) error {
	code, exit := classify(err)
	var encodeErr error
	switch f.Format {
	case "json", "yaml":
		encodeErr = f.encode(CLIResponse{
			Status: "error",
			Error:  &CLIError{Code: code, Message: err.Error()},
		})
	default:
		_, encodeErr = fmt.Fprintf(f.GetErrWriter(), "Error [%s]: %s\n", code, err)
	}
	if encodeErr != nil {
		return WrapExitError(ExitCommandError, "write output", encodeErr)
	}
	exitErr := WrapExitError(exit, code, err)
	exitErr.reported = true
	return exitErr
}

// VerboseLog outputs a message only if verbose mode is enabled.
// It writes to ErrWriter so structured output stays parseable.
func (f *OutputFormatter) VerboseLog(format string, args ...any) {
	if !f.Verbose {
		return
	}
	fmt.Fprintf(f.GetErrWriter(), format+"\n", args...)
}

// GetErrWriter returns the appropriate writer for diagnostic output.
// Returns ErrWriter if set, otherwise Writer.
func (f *OutputFormatter) GetErrWriter() io.Writer {
	if f.ErrWriter != nil {
		return f.ErrWriter
	}
	return f.Writer
}

func (f *OutputFormatter) encode(resp CLIResponse) error {
	if f.Format == "json" {
		enc := json.NewEncoder(f.Writer)
		enc.SetIndent("", "  ")
		return enc.Encode(resp)
	}

	// Route through JSON so YAML keys follow the json tags.
	raw, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return err
	}
	enc := yaml.NewEncoder(f.Writer)
	enc.SetIndent(2)
	defer enc.Close()
	return enc.Encode(doc)
}

// classify maps an error to a stable code and exit status.
func classify(err error) (string, int) {
	var exitErr *ExitError
	switch {
	case errors.As(err, &exitErr):
		return "command", exitErr.Code
	case errors.Is(err, guardkit.ErrDatabaseError):
		return "database", ExitCommandError
	case guardkit.IsValidation(err):
		return "validation", ExitCommandError
	case guardkit.IsNotFound(err), errors.Is(err, guardkit.ErrNotAssigned):
		return "not_found", ExitFailure
	case guardkit.IsPermissionDenied(err):
		return "denied", ExitFailure
	case guardkit.IsHierarchyViolation(err):
		return "hierarchy", ExitFailure
	case guardkit.IsConflict(err):
		return "conflict", ExitFailure
	case errors.Is(err, guardkit.ErrSigningDisabled):
		return "signing_disabled", ExitCommandError
	}
	return "error", ExitCommandError
}

// table writes aligned columns.
func table(w io.Writer, header []string, rows [][]string) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, strings.Join(header, "\t"))
	for _, row := range rows {
		fmt.Fprintln(tw, strings.Join(row, "\t"))
	}
	return tw.Flush()
}
