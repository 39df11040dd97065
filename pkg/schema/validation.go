package schema

import (
	"fmt"
	"strings"
)

// ValidationIssue is one problem found in a flow, located by a JSON pointer.
type ValidationIssue struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

func (i ValidationIssue) String() string {
	return i.Path + ": " + i.Message
}

// ValidationResult collects the issues of every validation stage.
type ValidationResult struct {
	Issues []ValidationIssue `json:"issues,omitempty"`
}

// Valid reports whether no issue was recorded.
func (r *ValidationResult) Valid() bool {
	return len(r.Issues) == 0
}

// Add records an issue at path.
func (r *ValidationResult) Add(path, message string) {
	r.Issues = append(r.Issues, ValidationIssue{Path: path, Message: message})
}

// Addf records a formatted issue at path.
func (r *ValidationResult) Addf(path, format string, args ...any) {
	r.Add(path, fmt.Sprintf(format, args...))
}

// Merge appends the issues of other.
func (r *ValidationResult) Merge(other *ValidationResult) {
	if other == nil {
		return
	}
	r.Issues = append(r.Issues, other.Issues...)
}

// ToError returns nil for a valid result, otherwise an INVALID_ARGUMENT error
// listing every issue in its details.
func (r *ValidationResult) ToError() error {
	if r.Valid() {
		return nil
	}

	msg := r.Issues[0].String()
	if len(r.Issues) > 1 {
		parts := make([]string, len(r.Issues))
		for i, is := range r.Issues {
			parts[i] = is.String()
		}
		msg = fmt.Sprintf("invalid transaction flow (%d issues): %s", len(r.Issues), strings.Join(parts, "; "))
	}
	return NewError(ErrCodeInvalidArgument, msg).WithDetails(map[string]any{"issues": r.Issues})
}
