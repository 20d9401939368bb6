package session

import (
	"errors"
	"fmt"
	"regexp"
)

const maxNameLen = 64

var nameChars = regexp.MustCompile(`^[a-z0-9_-]+$`)

// ValidateName checks a session name before it becomes a directory under
// ~/.courier/sessions.
func ValidateName(name string) error {
	if name == "" {
		return errors.New("session name is empty")
	}
	if len(name) > maxNameLen {
		return fmt.Errorf("session name %q exceeds %d characters", name, maxNameLen)
	}
	if !nameChars.MatchString(name) {
		return fmt.Errorf("session name %q may only contain lowercase letters, digits, '-' and '_'", name)
	}
	return nil
}
