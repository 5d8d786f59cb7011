// Package transparency classifies evaluation failures into user-facing
// categories. The web layer and the CLI render these messages directly, so
// every category carries a short message and remediation hints instead of
// surfacing raw Go errors.
package transparency

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrorCategory classifies errors for user guidance.
type ErrorCategory int

const (
	// ErrorCategoryConfig indicates a missing or corrupt rule document.
	// Recovered by falling back to defaults, so it is normally only logged.
	ErrorCategoryConfig ErrorCategory = iota

	// ErrorCategoryValidation indicates invalid caller input (level, numbers).
	ErrorCategoryValidation

	// ErrorCategoryCredential indicates a missing API key.
	ErrorCategoryCredential

	// ErrorCategoryService indicates a network, quota or model failure.
	ErrorCategoryService

	// ErrorCategoryParse indicates model output that did not match the grammar.
	ErrorCategoryParse

	// ErrorCategoryUnknown is the fallback for unclassified errors.
	ErrorCategoryUnknown
)

// Prefix returns the display prefix for this error category.
func (c ErrorCategory) Prefix() string {
	prefixes := []string{
		"[CONFIG]",
		"[VALIDATION]",
		"[CREDENTIAL]",
		"[SERVICE]",
		"[PARSE]",
		"[ERROR]",
	}
	if int(c) >= 0 && int(c) < len(prefixes) {
		return prefixes[c]
	}
	return "[ERROR]"
}

// String returns the category name.
func (c ErrorCategory) String() string {
	names := []string{
		"config",
		"validation",
		"credential",
		"service",
		"parse",
		"unknown",
	}
	if int(c) >= 0 && int(c) < len(names) {
		return names[c]
	}
	return "unknown"
}

// =============================================================================
// SENTINELS
// =============================================================================

var (
	// ErrInvalidLevel is returned when a unit level is outside 1..6.
	ErrInvalidLevel = errors.New("level must be an integer 1-6")

	// ErrNonIntegerInput is returned when level or credit points are not integers.
	ErrNonIntegerInput = errors.New("level and credit points must be integers")

	// ErrMissingCredential is returned before any network call when no API key resolves.
	ErrMissingCredential = errors.New("missing API key")

	// ErrUnknownRuleKey is returned when replacing a key the rule document does not have.
	ErrUnknownRuleKey = errors.New("unknown rule key")

	// ErrInvalidRuleValue is returned when a replacement value has the wrong shape.
	ErrInvalidRuleValue = errors.New("invalid rule value")

	// ErrUnstructuredResponse marks a model response with no per-outcome verdicts.
	// It is not a failure: the evaluation finishes with an empty result.
	ErrUnstructuredResponse = errors.New("model response did not follow the expected format")
)

// NoStructureMessage is the user message for ErrUnstructuredResponse.
const NoStructureMessage = "No structured evaluation available. The model response did not follow the expected format."

// ServiceError wraps a failure of the external text-generation service.
type ServiceError struct {
	Provider string
	Model    string
	Err      error
}

// Error implements the error interface.
func (e *ServiceError) Error() string {
	return fmt.Sprintf("%s generation failed (model %s): %v", e.Provider, e.Model, e.Err)
}

// Unwrap returns the underlying transport error.
func (e *ServiceError) Unwrap() error {
	return e.Err
}

// =============================================================================
// CLASSIFIED ERRORS
// =============================================================================

// ClassifiedError wraps an error with classification and remediation.
type ClassifiedError struct {
	Original    error
	Category    ErrorCategory
	Summary     string
	Remediation []string
}

// Error implements the error interface.
func (ce *ClassifiedError) Error() string {
	return ce.Format()
}

// Unwrap returns the original error for errors.Is/As compatibility.
func (ce *ClassifiedError) Unwrap() error {
	return ce.Original
}

// Format returns a user-friendly error message with remediation.
func (ce *ClassifiedError) Format() string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("%s %s\n\n", ce.Category.Prefix(), ce.Summary))
	sb.WriteString(fmt.Sprintf("Details: %s\n", ce.Original.Error()))

	if len(ce.Remediation) > 0 {
		sb.WriteString("\nSuggested fixes:\n")
		for _, r := range ce.Remediation {
			sb.WriteString(fmt.Sprintf("  - %s\n", r))
		}
	}

	return sb.String()
}

// UserMessage returns the one-line message shown to the end user.
func (ce *ClassifiedError) UserMessage() string {
	switch ce.Category {
	case ErrorCategoryValidation:
		switch {
		case errors.Is(ce.Original, ErrNonIntegerInput):
			return "ERROR: Level and Credit Points must be integers."
		case errors.Is(ce.Original, ErrInvalidLevel):
			return "ERROR: Level must be an integer 1-6."
		}
		return fmt.Sprintf("ERROR: %s.", capitalize(ce.Original.Error()))
	case ErrorCategoryCredential:
		return "ERROR: Missing API key. Set GOOGLE_API_KEY in your environment or put it in the rules document."
	case ErrorCategoryService:
		return fmt.Sprintf("ERROR during generation: %s. Try again in 1 minute.", ce.Original.Error())
	case ErrorCategoryParse:
		return NoStructureMessage
	default:
		return fmt.Sprintf("ERROR: %s", ce.Original.Error())
	}
}

// Classify analyzes an error and returns a classified version.
// Typed errors and sentinels win over message matching.
func Classify(err error) *ClassifiedError {
	if err == nil {
		return nil
	}

	var already *ClassifiedError
	if errors.As(err, &already) {
		return already
	}

	classified := &ClassifiedError{
		Original: err,
		Category: ErrorCategoryUnknown,
		Summary:  "An unexpected error occurred",
	}

	var svc *ServiceError
	errStr := strings.ToLower(err.Error())

	switch {
	case errors.Is(err, ErrInvalidLevel),
		errors.Is(err, ErrNonIntegerInput),
		errors.Is(err, ErrUnknownRuleKey),
		errors.Is(err, ErrInvalidRuleValue):
		classified.Category = ErrorCategoryValidation
		classified.Summary = "Invalid input"
		classified.Remediation = []string{
			"Unit level must be a whole number between 1 and 6",
			"Credit points must be a whole number (6, 12 or 24)",
		}

	case errors.Is(err, ErrMissingCredential):
		classified.Category = ErrorCategoryCredential
		classified.Summary = "No API key configured"
		classified.Remediation = []string{
			"Export GOOGLE_API_KEY before starting lobuilder",
			"Or set API_key in the rules document to a literal key",
		}

	case errors.As(err, &svc),
		errors.Is(err, context.DeadlineExceeded),
		containsAny(errStr, "rate limit", "quota", "unavailable", "429", "503", "connection", "timeout"):
		classified.Category = ErrorCategoryService
		classified.Summary = "Text-generation service issue"
		classified.Remediation = []string{
			"Try again in 1 minute",
			"Check the selected model is available to your key",
			"Verify you haven't exceeded rate limits",
		}

	case errors.Is(err, ErrUnstructuredResponse):
		classified.Category = ErrorCategoryParse
		classified.Summary = "Unstructured model response"
		classified.Remediation = GetRecoveryGuide(ErrorCategoryParse)

	case containsAny(errStr, "rules document", "rules file", "corrupt"):
		classified.Category = ErrorCategoryConfig
		classified.Summary = "Rule document issue"
		classified.Remediation = []string{
			"Run lobuilder rules reset to restore the defaults",
			"Check the rules file is valid JSON",
		}
	}

	return classified
}

// GetRecoveryGuide returns the CLI steps that address an error category.
func GetRecoveryGuide(category ErrorCategory) []string {
	guides := map[ErrorCategory][]string{
		ErrorCategoryConfig: {
			"Run lobuilder rules show to view the active document",
			"Run lobuilder rules reset to restore defaults",
		},
		ErrorCategoryValidation: {
			"Check the unit level is between 1 and 6",
			"Check credit points and level are whole numbers",
		},
		ErrorCategoryCredential: {
			"Export GOOGLE_API_KEY",
			"Run lobuilder rules set API_key <key>",
		},
		ErrorCategoryService: {
			"Wait a minute and retry",
			"Select a different model with lobuilder rules set selected_model <model>",
		},
		ErrorCategoryParse: {
			"Retry the evaluation",
			"Inspect the raw response with lobuilder evaluate --raw",
		},
	}

	if guide, ok := guides[category]; ok {
		return guide
	}
	return []string{"Check the logs for details"}
}

// containsAny returns true if s contains any of the patterns.
func containsAny(s string, patterns ...string) bool {
	for _, p := range patterns {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
