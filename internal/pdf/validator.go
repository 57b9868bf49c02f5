package pdf

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/spherical/scholarlens/internal/domain"
)

const (
	// DefaultMaxUploadBytes is the largest accepted upload
	DefaultMaxUploadBytes = 20 * 1024 * 1024

	pdfMIME = "application/pdf"
)

var pdfMagic = []byte("%PDF-")

// Validator provides input validation for PDF sources
type Validator struct {
	maxBytes int64
}

// NewValidator creates a new validator instance
func NewValidator(maxBytes int64) *Validator {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxUploadBytes
	}
	return &Validator{maxBytes: maxBytes}
}

// ValidatePDFPath validates that a file path is valid and points to a PDF
func (v *Validator) ValidatePDFPath(path string) error {
	if strings.TrimSpace(path) == "" {
		return domain.ValidationError("file path cannot be empty", nil)
	}

	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return domain.ValidationError(fmt.Sprintf("file does not exist: %s", path), err)
		}
		return domain.ValidationError(fmt.Sprintf("cannot access file: %s", path), err)
	}

	if info.IsDir() {
		return domain.ValidationError(fmt.Sprintf("path is a directory, not a file: %s", path), nil)
	}

	ext := strings.ToLower(filepath.Ext(path))
	if ext != ".pdf" {
		return domain.ValidationError(fmt.Sprintf("file is not a PDF (has extension %s)", ext), nil)
	}

	return nil
}

// ValidateContent checks that data looks like a PDF document.
func (v *Validator) ValidateContent(data []byte) error {
	if len(data) == 0 {
		return domain.ValidationError("document is empty", nil)
	}

	// The header may be preceded by junk bytes; readers accept it within the first KiB.
	head := data
	if len(head) > 1024 {
		head = head[:1024]
	}
	if !bytes.Contains(head, pdfMagic) {
		return domain.ValidationError("document has no PDF header", nil)
	}

	return nil
}

// ValidateUpload applies the upload rules: PDF content and a size limit.
func (v *Validator) ValidateUpload(file domain.FileData) error {
	if file.Size > v.maxBytes || int64(len(file.Data)) > v.maxBytes {
		return domain.ValidationError(fmt.Sprintf("file exceeds %d MB limit", v.maxBytes/(1024*1024)), nil)
	}

	if mtype := mimetype.Detect(file.Data); !mtype.Is(pdfMIME) {
		return domain.ValidationError(fmt.Sprintf("only PDF files are supported (got %s)", mtype.String()), nil)
	}

	return v.ValidateContent(file.Data)
}
