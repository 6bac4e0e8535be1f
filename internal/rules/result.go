package rules

// Outcome of evaluating one rule against one event.
type Outcome string

const (
	OutcomeApplied    Outcome = "applied"
	OutcomeSuppressed Outcome = "suppressed"
)

// ReasonIdempotent marks a rule that already fired for the same origin.
// It is the only suppression reason this engine produces; the ledger
// column stays free text so reporting tolerates others.
const ReasonIdempotent = "idempotent"

// Result is what Evaluate returns per matched rule, in match order.
// CreatedTasks is meaningful for OutcomeApplied, SuppressionReason for
// OutcomeSuppressed.
type Result struct {
	RuleID            string  `json:"rule_id"`
	Outcome           Outcome `json:"outcome" enum:"applied,suppressed"`
	CreatedTasks      int     `json:"created_tasks,omitempty"`
	SuppressionReason string  `json:"suppression_reason,omitempty"`
}

func applied(ruleID string, count int) Result {
	return Result{RuleID: ruleID, Outcome: OutcomeApplied, CreatedTasks: count}
}

func suppressed(ruleID, reason string) Result {
	return Result{RuleID: ruleID, Outcome: OutcomeSuppressed, SuppressionReason: reason}
}
