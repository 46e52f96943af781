package backend

import (
	"fmt"
	"regexp"
)

var regexIdentifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// CheckIdent validates a SQL identifier that will be spliced into statement
// text (savepoint names). Placeholders cannot be used there, so nothing that
// fails this check may reach the backend.
func CheckIdent(name string) error {
	if !regexIdentifier.MatchString(name) {
		return fmt.Errorf("invalid SQL identifier: %q", name)
	}
	return nil
}
