package transactional

import (
	"fmt"
	"strings"
)

// Propagation 事务传播方式
type Propagation int

const (
	// Required runs on the current session, joining its transaction if one
	// is active, and commits on success.
	Required Propagation = iota
	// RequiredNew runs on a fresh session nested under the current one,
	// so its transaction commits or rolls back independently.
	RequiredNew
)

func (p Propagation) String() string {
	switch p {
	case Required:
		return "required"
	case RequiredNew:
		return "required_new"
	default:
		return fmt.Sprintf("Propagation(%d)", int(p))
	}
}

// ParsePropagation parses "required" or "required_new" (case-insensitive;
// "requires_new" and "required-new" are accepted as well).
func ParsePropagation(s string) (Propagation, error) {
	switch strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_") {
	case "", "required":
		return Required, nil
	case "required_new", "requires_new":
		return RequiredNew, nil
	default:
		return Required, fmt.Errorf("unknown propagation %q", s)
	}
}
