package domain

import (
	"strings"
	"time"
)

// DefaultPersona is the sentinel thread label used when the caller has not
// chosen a persona yet.
const DefaultPersona = "general_expert"

// Turn is a single persisted message within one persona thread.
type Turn struct {
	PK        string
	SK        string
	Identity  string
	Persona   string
	Role      string
	Text      string
	Timestamp time.Time
}

// InstructionProfile is the cached behavioral system prompt for one
// (identity, persona) pair. Written once, then immutable.
type InstructionProfile struct {
	PK          string
	SK          string
	Identity    string
	Persona     string
	Instruction string
	CreatedAt   time.Time
}

// NormalizeLabel canonicalizes a persona label before it is used as a
// thread key, so "Investor", "investor " and "INVESTOR" address the same
// thread. An all-whitespace label normalizes to empty.
func NormalizeLabel(label string) string {
	return strings.ToLower(strings.TrimSpace(label))
}
