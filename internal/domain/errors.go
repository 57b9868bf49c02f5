package domain

import (
	"errors"
	"fmt"
)

// Error types for domain-specific errors
type ErrorType string

const (
	ErrorTypeDocumentLoad   ErrorType = "document_load"
	ErrorTypePageResolution ErrorType = "page_resolution"
	ErrorTypeRender         ErrorType = "render"
	ErrorTypeCancelled      ErrorType = "cancelled"
	ErrorTypeValidation     ErrorType = "validation"
	ErrorTypeAPI            ErrorType = "api"
	ErrorTypeConfig         ErrorType = "config"
	ErrorTypeIO             ErrorType = "io"
)

// DomainError represents a domain-specific error with context
type DomainError struct {
	Type    ErrorType
	Message string
	Err     error

	// PageIndex and Scale are set for page-scoped errors.
	PageIndex int
	Scale     float64
}

func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Type, e.Message)
}

func (e *DomainError) Unwrap() error {
	return e.Err
}

// NewError creates a new domain error
func NewError(errType ErrorType, message string, err error) *DomainError {
	return &DomainError{
		Type:      errType,
		Message:   message,
		Err:       err,
		PageIndex: -1,
	}
}

// DocumentLoadError reports a source that is absent, unreadable or not a PDF.
func DocumentLoadError(message string, err error) *DomainError {
	return NewError(ErrorTypeDocumentLoad, message, err)
}

// PageResolutionError reports a page index that no longer resolves against
// its document, usually because the document was swapped or closed.
func PageResolutionError(pageIndex int, err error) *DomainError {
	e := NewError(ErrorTypePageResolution, fmt.Sprintf("page %d cannot be resolved", pageIndex+1), err)
	e.PageIndex = pageIndex
	return e
}

// RenderError reports a raster failure that was not caused by cancellation.
func RenderError(pageIndex int, scale float64, err error) *DomainError {
	e := NewError(ErrorTypeRender, fmt.Sprintf("render page %d at scale %.2f", pageIndex+1, scale), err)
	e.PageIndex = pageIndex
	e.Scale = scale
	return e
}

// CancelledRender marks a render that stopped because it was superseded or
// torn down. It is never shown to the user.
func CancelledRender(pageIndex int, scale float64) *DomainError {
	e := NewError(ErrorTypeCancelled, fmt.Sprintf("render page %d at scale %.2f cancelled", pageIndex+1, scale), nil)
	e.PageIndex = pageIndex
	e.Scale = scale
	return e
}

func ValidationError(message string, err error) *DomainError {
	return NewError(ErrorTypeValidation, message, err)
}

func APIError(message string, err error) *DomainError {
	return NewError(ErrorTypeAPI, message, err)
}

func ConfigError(message string, err error) *DomainError {
	return NewError(ErrorTypeConfig, message, err)
}

func IOError(message string, err error) *DomainError {
	return NewError(ErrorTypeIO, message, err)
}

// IsType reports whether err wraps a DomainError of the given type.
func IsType(err error, errType ErrorType) bool {
	var de *DomainError
	if errors.As(err, &de) {
		return de.Type == errType
	}
	return false
}

func IsDocumentLoad(err error) bool   { return IsType(err, ErrorTypeDocumentLoad) }
func IsPageResolution(err error) bool { return IsType(err, ErrorTypePageResolution) }
func IsRender(err error) bool         { return IsType(err, ErrorTypeRender) }
func IsCancelled(err error) bool      { return IsType(err, ErrorTypeCancelled) }
