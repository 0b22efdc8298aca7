package models

// Autonomy bounds how much unattended action an agent may take before
// requesting permission.
type Autonomy string

const (
	// AutonomyPlan restricts the agent to read-only exploration.
	AutonomyPlan Autonomy = "plan"
	// AutonomyAcceptEdits lets the agent edit files without prompting but
	// still surfaces permission requests for commands.
	AutonomyAcceptEdits Autonomy = "accept_edits"
	// AutonomyFull lets the agent act without permission prompts.
	AutonomyFull Autonomy = "full"
)

// Valid returns true if the autonomy level is a known value.
func (a Autonomy) Valid() bool {
	switch a {
	case AutonomyPlan, AutonomyAcceptEdits, AutonomyFull:
		return true
	default:
		return false
	}
}

// DefaultAutonomy is used when no autonomy level is configured.
const DefaultAutonomy = AutonomyAcceptEdits
