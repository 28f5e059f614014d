// Package payload decodes and encodes the base64 payloads carried by jobs.
package payload

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strings"
)

const dataURIPrefix = "data:"

// ErrInvalidBase64 indicates that a payload is not valid standard base64.
var ErrInvalidBase64 = errors.New("invalid base64 payload")

// StripDataURI removes a "data:...," prefix up to and including the first comma.
// Values without the prefix are returned unchanged.
func StripDataURI(value string) string {
	if !strings.HasPrefix(value, dataURIPrefix) {
		return value
	}

	_, rest, found := strings.Cut(value, ",")
	if !found {
		return value
	}

	return rest
}

// Decode strips any data-URI prefix and decodes the remainder as standard base64.
func Decode(value string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(StripDataURI(value))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidBase64, err)
	}

	return data, nil
}

// Encode returns data as standard base64 text.
func Encode(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}

// EncodeFile reads the file at path and returns its contents as standard base64 text.
func EncodeFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read '%s': %w", path, err)
	}

	return Encode(data), nil
}
