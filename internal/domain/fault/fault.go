// Package fault defines the error kinds a converge run can produce.
//
// There are three kinds. A ConfigError aborts the whole run before any
// target is contacted. A ConnectionError aborts the remaining steps of one
// target. A StepError is recorded and execution continues with the next
// step on the same target.
package fault

import (
	"errors"
	"fmt"
	"strings"
)

// Kind categorizes an error.
type Kind string

const (
	// KindConfig marks an unresolved or invalid configuration.
	KindConfig Kind = "config"
	// KindConnection marks an unreachable or lost target.
	KindConnection Kind = "connection"
	// KindStep marks a primitive that failed to reach its desired state.
	KindStep Kind = "step"
)

// String returns the kind name.
func (k Kind) String() string {
	return string(k)
}

// Error codes for categorization.
const (
	ErrCodeUndefinedVariable = "UNDEFINED_VARIABLE"
	ErrCodeInvalidConfig     = "CONFIG_INVALID"
	ErrCodeParse             = "CONFIG_PARSE"
	ErrCodeTemplate          = "TEMPLATE_INVALID"
	ErrCodeConnect           = "CONNECT_FAILED"
	ErrCodeTransport         = "TRANSPORT_FAILED"
	ErrCodeTimeout           = "TIMEOUT"
	ErrCodeApply             = "APPLY_FAILED"
	ErrCodeProbe             = "PROBE_FAILED"
	ErrCodeNotConverged      = "NOT_CONVERGED"
)

// Error is a categorized error with target and step context.
type Error struct {
	Kind       Kind   // Error kind
	Code       string // Error code for categorization
	Message    string // User-friendly error message
	Target     string // Target ID if applicable
	Step       string // Step name if applicable
	Suggestion string // Actionable suggestion to fix the error
	Underlying error  // Wrapped error for error chain
}

// Error returns the formatted error message.
func (e *Error) Error() string {
	var parts []string

	if e.Target != "" {
		parts = append(parts, fmt.Sprintf("target %q", e.Target))
	}
	if e.Step != "" {
		parts = append(parts, fmt.Sprintf("step %q", e.Step))
	}

	msg := e.Message
	if e.Underlying != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Underlying)
	}

	if len(parts) > 0 {
		return fmt.Sprintf("%s: %s", strings.Join(parts, ", "), msg)
	}
	return msg
}

// Unwrap returns the underlying error for error chain support.
func (e *Error) Unwrap() error {
	return e.Underlying
}

// Is reports whether target is an *Error of the same kind. When the target
// carries a code, the codes must match too.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind != e.Kind {
		return false
	}
	return t.Code == "" || t.Code == e.Code
}

// Format returns a fully formatted error with all details.
func (e *Error) Format() string {
	var b strings.Builder

	fmt.Fprintf(&b, "[%s] %s", e.Code, e.Message)

	if e.Target != "" {
		fmt.Fprintf(&b, "\n  Target: %s", e.Target)
	}
	if e.Step != "" {
		fmt.Fprintf(&b, "\n  Step: %s", e.Step)
	}
	if e.Suggestion != "" {
		fmt.Fprintf(&b, "\n  Suggestion: %s", e.Suggestion)
	}
	if e.Underlying != nil {
		fmt.Fprintf(&b, "\n  Cause: %s", e.Underlying.Error())
	}

	return b.String()
}

// WithTarget returns a copy with the target set.
func (e *Error) WithTarget(target string) *Error {
	c := *e
	c.Target = target
	return &c
}

// WithStep returns a copy with the step set.
func (e *Error) WithStep(step string) *Error {
	c := *e
	c.Step = step
	return &c
}

// WithSuggestion returns a copy with the suggestion set.
func (e *Error) WithSuggestion(suggestion string) *Error {
	c := *e
	c.Suggestion = suggestion
	return &c
}

// Sentinels for errors.Is comparisons.
var (
	ErrConfig     = &Error{Kind: KindConfig}
	ErrConnection = &Error{Kind: KindConnection}
	ErrStep       = &Error{Kind: KindStep}
)

// ConfigError creates a configuration error.
func ConfigError(code, message string, cause error) *Error {
	return &Error{Kind: KindConfig, Code: code, Message: message, Underlying: cause}
}

// UndefinedVariable creates the ConfigError for a required variable that no
// layer defines and that has no default.
func UndefinedVariable(name, target string) *Error {
	return &Error{
		Kind:       KindConfig,
		Code:       ErrCodeUndefinedVariable,
		Message:    fmt.Sprintf("required variable %q is undefined", name),
		Target:     target,
		Suggestion: fmt.Sprintf("Define %q in the inventory, a vars file, or pass -e %s=<value>", name, name),
	}
}

// ConnectionError creates a connection error for a target.
func ConnectionError(code, target string, cause error) *Error {
	return &Error{
		Kind:       KindConnection,
		Code:       code,
		Message:    "target unreachable",
		Target:     target,
		Underlying: cause,
	}
}

// StepError creates a step error.
func StepError(code, message string, cause error) *Error {
	return &Error{Kind: KindStep, Code: code, Message: message, Underlying: cause}
}

// KindOf returns the kind of err, or "" when err is not a fault error.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ""
}

// IsConfig reports whether err is a ConfigError.
func IsConfig(err error) bool {
	return errors.Is(err, ErrConfig)
}

// IsConnection reports whether err is a ConnectionError.
func IsConnection(err error) bool {
	return errors.Is(err, ErrConnection)
}

// IsStep reports whether err is a StepError.
func IsStep(err error) bool {
	return errors.Is(err, ErrStep)
}
