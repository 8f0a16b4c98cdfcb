package config

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ErrInvalidSize is returned for byte counts that cannot be parsed.
var ErrInvalidSize = errors.New("invalid size")

// ParseSize parses a byte count such as "4096", "64k", "4M" or "1G".
// Suffixes are binary and case-insensitive. Zero is rejected.
func ParseSize(s string) (uint64, error) {
	str := strings.TrimSpace(s)
	if str == "" {
		return 0, fmt.Errorf("%w: empty", ErrInvalidSize)
	}

	var shift uint
	switch str[len(str)-1] {
	case 'k', 'K':
		shift = 10
	case 'm', 'M':
		shift = 20
	case 'g', 'G':
		shift = 30
	}
	if shift > 0 {
		str = str[:len(str)-1]
	}

	for _, r := range str {
		if r < '0' || r > '9' {
			return 0, fmt.Errorf("%w: %q", ErrInvalidSize, s)
		}
	}
	if str == "" {
		return 0, fmt.Errorf("%w: %q has no digits", ErrInvalidSize, s)
	}

	n, err := strconv.ParseUint(str, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q: %w", ErrInvalidSize, s, err)
	}
	if n > math.MaxUint64>>shift {
		return 0, fmt.Errorf("%w: %q overflows", ErrInvalidSize, s)
	}
	if n == 0 {
		return 0, fmt.Errorf("%w: %q is zero", ErrInvalidSize, s)
	}

	return n << shift, nil
}

// FormatSize renders n with the largest exact binary suffix.
func FormatSize(n uint64) string {
	switch {
	case n != 0 && n%(1<<30) == 0:
		return fmt.Sprintf("%dG", n>>30)
	case n != 0 && n%(1<<20) == 0:
		return fmt.Sprintf("%dM", n>>20)
	case n != 0 && n%(1<<10) == 0:
		return fmt.Sprintf("%dK", n>>10)
	default:
		return strconv.FormatUint(n, 10)
	}
}
