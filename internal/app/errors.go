package app

import "fmt"

// DomainError is the error shape the API surfaces. Status selects the HTTP
// code, Code is a stable machine-readable tag for clients, and Details
// carries structured context such as the name of the rejecting policy.
type DomainError struct {
	Status  int
	Code    string
	Message string
	Details map[string]any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details map[string]any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}
