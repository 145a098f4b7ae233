package app

import "fmt"

type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

// Error codes surfaced by the service. Validation failures carry the field in
// Details.
const (
	CodeValidation       = "VALIDATION_ERROR"
	CodeNotFound         = "NOT_FOUND"
	CodeForbidden        = "FORBIDDEN"
	CodeDuplicateArticle = "DUPLICATE_ARTICLE"
	CodeVersionNotFound  = "VERSION_NOT_FOUND"
	CodeFetchFailed      = "FETCH_FAILED"
	CodeEditProtected    = "EDIT_PROTECTED"
)
