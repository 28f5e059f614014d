// Package staging writes decoded job inputs to the fixed locations read by the
// generation script.
package staging

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrInvalidSize indicates a size string that is not "<w>*<h>" or "<w>x<h>".
var ErrInvalidSize = errors.New("invalid size format")

// ParseSize parses "<width>*<height>" or "<width>x<height>" (x in either case).
// The dimensions are not range checked.
func ParseSize(size string) (int, int, error) {
	left, right, found := strings.Cut(size, "*")
	if !found {
		left, right, found = strings.Cut(strings.ToLower(size), "x")
	}

	if !found {
		return 0, 0, fmt.Errorf("%w: %s", ErrInvalidSize, size)
	}

	width, err := strconv.Atoi(strings.TrimSpace(left))
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %s: width: %w", ErrInvalidSize, size, err)
	}

	height, err := strconv.Atoi(strings.TrimSpace(right))
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %s: height: %w", ErrInvalidSize, size, err)
	}

	return width, height, nil
}
