// Package agentgateway adapts the out-of-scope LLM provider SDK into the
// scheduler's own vocabulary: role-scoped sessions, per-role timeouts,
// token-usage accounting, and a jsonschema-validated tool-call dispatch
// registry that mutates LoopState through documented tools only.
package agentgateway

import "time"

// Role parameterizes an agent session: it selects the timeout and (via the
// caller's prompt-building) the system-prompt augmentation.
type Role string

const (
	RoleClassifier Role = "CLASSIFIER"
	RoleBuilder    Role = "BUILDER"
	RoleFixer      Role = "FIXER"
	RoleQC         Role = "QC"
	RoleReasoner   Role = "REASONER"
	RoleEvaluator  Role = "EVALUATOR"
	RoleResearcher Role = "RESEARCHER"
)

// roleTimeouts is the per-role timeout table.
var roleTimeouts = map[Role]time.Duration{
	RoleClassifier: 60 * time.Second,
	RoleBuilder:    300 * time.Second,
	RoleFixer:      300 * time.Second,
	RoleQC:         300 * time.Second,
	RoleReasoner:   300 * time.Second,
	RoleResearcher: 300 * time.Second,
	RoleEvaluator:  900 * time.Second,
}

// Timeout returns the configured timeout for a role, defaulting to the
// BUILDER timeout for an unrecognized role rather than zero (which would
// make every call time out immediately).
func (r Role) Timeout() time.Duration {
	if d, ok := roleTimeouts[r]; ok {
		return d
	}
	return roleTimeouts[RoleBuilder]
}
