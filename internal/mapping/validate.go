package mapping

import (
	"net/url"
	"strings"
	"unicode/utf8"
)

const (
	// MaxNotesLength is the maximum length for mapping notes
	MaxNotesLength = 500
	// MaxTestURLLength is the maximum length for a test page URL
	MaxTestURLLength = 2048
)

// ValidationResult holds the result of validation
type ValidationResult struct {
	Valid  bool
	Errors map[string]string
}

// NewValidationResult creates a new validation result
func NewValidationResult() *ValidationResult {
	return &ValidationResult{
		Valid:  true,
		Errors: make(map[string]string),
	}
}

// AddError adds a field error and marks the result as invalid
func (v *ValidationResult) AddError(field, message string) {
	v.Valid = false
	v.Errors[field] = message
}

// Validate checks a mapping entry before it is stored.
//
// Rules:
//   - product_id and page_id must be positive
//   - an active mapping needs a test URL, since blocked buyers are sent there
//   - test_url must be an absolute http(s) URL or a site-relative path
//   - form_id, when present, must be positive
//   - notes must not exceed MaxNotesLength characters
func Validate(e Entry) *ValidationResult {
	result := NewValidationResult()

	if e.ProductID <= 0 {
		result.AddError("product_id", "Product ID is required")
	}
	if e.PageID <= 0 {
		result.AddError("page_id", "Test page ID is required")
	}

	testURL := strings.TrimSpace(e.TestPageURL)
	switch {
	case testURL == "" && e.Active:
		result.AddError("test_url", "Test URL is required for an active mapping")
	case testURL != "" && !validTestURL(testURL):
		result.AddError("test_url", "Test URL must be an http(s) URL or a path starting with /")
	case utf8.RuneCountInString(testURL) > MaxTestURLLength:
		result.AddError("test_url", "Test URL must not exceed 2048 characters")
	}

	if e.FormID != nil && *e.FormID <= 0 {
		result.AddError("form_id", "Form ID must be positive when set")
	}

	if utf8.RuneCountInString(e.Notes) > MaxNotesLength {
		result.AddError("notes", "Notes must not exceed 500 characters")
	}

	return result
}

func validTestURL(raw string) bool {
	if strings.HasPrefix(raw, "/") && !strings.HasPrefix(raw, "//") {
		return true
	}
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
