package store

// counters is the derived state folded from every accepted record. All
// fields are guarded by the store mutex; the metrics snapshot is a pure
// function of this struct plus the task state machine.
type counters struct {
	totalTasks       int
	successfulTasks  int
	policyViolations int
	budgetDebit      float64
	budgetLimit      float64

	// reasoning counts accepted chain-of-thought entries per phase.
	reasoning      map[string]int
	totalReasoning int

	// taskDepth counts chain-of-thought entries per task; taskAgents
	// collects the distinct agents that contributed to each task.
	taskDepth  map[string]int
	taskAgents map[string]map[string]struct{}
}

func newCounters() counters {
	return counters{
		reasoning:  make(map[string]int),
		taskDepth:  make(map[string]int),
		taskAgents: make(map[string]map[string]struct{}),
	}
}

// phaseCategories maps a chain-of-thought phase to the category name used
// in the progress document.
var phaseCategories = map[string]string{
	PhaseObservation: "observations",
	PhaseAnalysis:    "analyses",
	PhasePlan:        "plans",
	PhaseDecision:    "decisions",
	PhaseExecute:     "executions",
	PhaseVerify:      "verifications",
	PhaseHypothesis:  "hypotheses",
	PhaseCritique:    "critiques",
}
