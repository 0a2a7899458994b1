package llm

// Role names one of the distinct call sites the core makes into a
// configured provider, each of which may warrant its own model id and
// sampling defaults rather than sharing a single model across every use.
type Role string

const (
	// RoleExtraction turns free text into structured task parameters.
	RoleExtraction Role = "extraction"
	// RoleRepair regenerates an execution script after a failure.
	RoleRepair Role = "repair"
	// RoleGrading judges whether a proposed repair plausibly fixes the
	// error it was generated for.
	RoleGrading Role = "grading"
	// RoleDistillation extracts reasoning-memory lessons from trajectories.
	RoleDistillation Role = "distillation"
)

// RoleRouter mints a CapabilityAdapter per role against one underlying
// provider, so extraction, repair, grading, and distillation can each run
// a different model id and sampling profile without standing up a
// separate provider connection per role.
type RoleRouter struct {
	provider Provider
	models   map[Role]string
}

// NewRoleRouter builds a router over provider using models as the
// role -> model id table. A role with no entry falls back to
// RoleExtraction's model.
func NewRoleRouter(provider Provider, models map[Role]string) *RoleRouter {
	return &RoleRouter{provider: provider, models: models}
}

// For returns a CapabilityAdapter pinned to role's configured model and
// sampling defaults.
func (r *RoleRouter) For(role Role) *CapabilityAdapter {
	model := r.models[role]
	if model == "" {
		model = r.models[RoleExtraction]
	}
	maxTokens, temperature := roleSamplingDefaults(role)
	return NewCapabilityAdapter(r.provider, model, maxTokens, temperature)
}

// roleSamplingDefaults mirrors the shape of each role's task: repair
// needs room to emit a full script, grading is a terse forced verdict,
// extraction and distillation sit in between.
func roleSamplingDefaults(role Role) (maxTokens int, temperature float64) {
	switch role {
	case RoleRepair:
		return 8192, 0.2
	case RoleGrading:
		return 256, 0.0
	case RoleDistillation:
		return 4096, 0.4
	default:
		return 4096, 0.3
	}
}
