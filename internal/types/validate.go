package types

import (
	"errors"
	"fmt"
	"unicode/utf8"
)

// DefaultMaxContentRunes is the default cap on danmaku content length.
const DefaultMaxContentRunes = 128

var ErrContentTooLong = errors.New("content too long")

// ValidateContent checks a danmaku body against a rune limit.
// A limit of zero or less disables the length check. Empty content is valid.
func ValidateContent(content string, maxRunes int) error {
	if maxRunes > 0 {
		if n := utf8.RuneCountInString(content); n > maxRunes {
			return fmt.Errorf("%w: %d > %d", ErrContentTooLong, n, maxRunes)
		}
	}
	return nil
}

// ValidPrefix returns the longest prefix of b that is valid UTF-8.
// Decoding stops at the first invalid sequence; it never fails.
func ValidPrefix(b []byte) string {
	if utf8.Valid(b) {
		return string(b)
	}
	i := 0
	for i < len(b) {
		r, size := utf8.DecodeRune(b[i:])
		if r == utf8.RuneError && size <= 1 {
			break
		}
		i += size
	}
	return string(b[:i])
}
