package domain

import (
	"fmt"
	"regexp"
)

const maxAgentIDLen = 128

var agentIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// ValidateAgentID rejects ids that could not be used as a single path element under
// the workspace agents directory.
func ValidateAgentID(id string) error {
	if len(id) > maxAgentIDLen {
		return fmt.Errorf("invalid agent id: longer than %d characters", maxAgentIDLen)
	}
	if !agentIDPattern.MatchString(id) {
		return fmt.Errorf("invalid agent id %q: want letters, digits, '.', '_' or '-', starting with a letter or digit", id)
	}
	return nil
}
