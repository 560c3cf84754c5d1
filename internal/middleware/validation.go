package middleware

import (
	"errors"
	"regexp"
	"strconv"
)

// LINE ids are a type letter (user, group, room) and 32 hex digits.
var lineIDPattern = regexp.MustCompile(`^[UCR][0-9a-f]{32}$`)

// ValidateUserID validates a LINE user, group or room id.
func ValidateUserID(id string) error {
	if id == "" {
		return errors.New("user ID cannot be empty")
	}
	if !lineIDPattern.MatchString(id) {
		return errors.New("invalid user ID format")
	}
	return nil
}

// ParseAfterSequence parses an event stream cursor. Empty means from the
// beginning.
func ParseAfterSequence(s string) (uint64, error) {
	if s == "" {
		return 0, nil
	}
	seq, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, errors.New("invalid sequence")
	}
	return seq, nil
}

// ParseLimit parses a page size, clamped to [1, max]. Empty or invalid
// values yield def.
func ParseLimit(s string, def, max int) int {
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return def
	}
	if n > max {
		return max
	}
	return n
}
