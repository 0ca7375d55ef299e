// Package export builds self-contained binder archives and ships them to an
// object store bucket.
package export

import "errors"

// Result is a finished archive ready to download or upload.
type Result struct {
	Data     []byte
	Filename string
	MimeType string
}

// ErrBinderNotFound is returned when the requested binder does not exist.
var ErrBinderNotFound = errors.New("export: binder not found")

// ErrUploadNotConfigured is returned when no object store is wired.
var ErrUploadNotConfigured = errors.New("export: object store not configured")

// sanitizeFilename creates a safe filename from a binder name.
func sanitizeFilename(name string) string {
	result := ""
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			result += string(r)
		case r == ' ':
			result += "-"
		case r == '-', r == '_':
			result += string(r)
		default:
			// Skip other characters
		}
	}

	if len(result) > 50 {
		result = result[:50]
	}

	if result == "" {
		result = "binder"
	}

	return result
}
