// Package fault turns arbitrary failures into classified errors and drives
// retry, circuit breaking and degraded fallbacks around an operation.
//
// A Handler is constructed explicitly and owns its rule set, policies,
// per-service breakers and counters. Classification is total: every error
// maps to a ClassifiedError, falling back to CategorySystem.
package fault

import (
	"fmt"
	"maps"
	"time"

	"github.com/google/uuid"
)

// Category is the failure taxonomy.
type Category string

const (
	CategoryNetwork        Category = "network"
	CategoryRateLimit      Category = "rate_limit"
	CategoryAuthentication Category = "authentication"
	CategoryValidation     Category = "validation"
	CategoryBusinessLogic  Category = "business_logic"
	CategorySystem         Category = "system"
)

// Categories lists every category in declaration order.
var Categories = []Category{
	CategoryNetwork,
	CategoryRateLimit,
	CategoryAuthentication,
	CategoryValidation,
	CategoryBusinessLogic,
	CategorySystem,
}

// Severity ranks how serious a failure is.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

var categoryHints = map[Category][]string{
	CategoryNetwork: {
		"Check your network connection",
		"The request will be retried automatically",
		"Cached data may be shown in the meantime",
	},
	CategoryRateLimit: {
		"Too many requests were sent in a short period",
		"Wait a moment before trying again",
	},
	CategoryAuthentication: {
		"Your session may have expired",
		"Sign in again to continue",
		"Verify that your account has access to this resource",
	},
	CategoryValidation: {
		"Check the submitted values",
		"Required fields may be missing or malformed",
	},
	CategoryBusinessLogic: {
		"The request conflicts with a business rule",
		"Review the input against the current rules",
		"Simplified results may be shown instead",
	},
	CategorySystem: {
		"An unexpected error occurred",
		"Try again later",
		"Contact support if the problem persists",
	},
}

// Hints returns the remediation hints for category.
func Hints(c Category) []string {
	hints, ok := categoryHints[c]
	if !ok {
		hints = categoryHints[CategorySystem]
	}
	return append([]string(nil), hints...)
}

// ClassifiedError is a typed failure with a retry verdict and remediation
// hints. It is not modified after creation.
type ClassifiedError struct {
	ID        string         `json:"id"`
	Category  Category       `json:"category"`
	Severity  Severity       `json:"severity"`
	Message   string         `json:"message"`
	Retryable bool           `json:"retryable"`
	Hints     []string       `json:"remediation_hints"`
	Timestamp time.Time      `json:"timestamp"`
	Context   map[string]any `json:"context,omitempty"`
	Cause     error          `json:"-"`
}

func newClassifiedError(cause error, msg string, t Template, fields map[string]any, now time.Time) *ClassifiedError {
	return &ClassifiedError{
		ID:        uuid.NewString(),
		Category:  t.Category,
		Severity:  t.Severity,
		Message:   msg,
		Retryable: t.Retryable,
		Hints:     Hints(t.Category),
		Timestamp: now,
		Context:   maps.Clone(fields),
		Cause:     cause,
	}
}

func (e *ClassifiedError) Error() string {
	return fmt.Sprintf("%s error: %s", e.Category, e.Message)
}

func (e *ClassifiedError) Unwrap() error {
	return e.Cause
}
