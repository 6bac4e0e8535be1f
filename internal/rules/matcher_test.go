package rules

import (
	"testing"

	"github.com/modelodev/scrumbringer/internal/domain"
)

func strPtr(s string) *string { return &s }

func taskEvent(toState string, taskTypeID *string) StateChangeEvent {
	return StateChangeEvent{
		ResourceType:  domain.ResourceTask,
		ResourceID:    "42",
		FromState:     strPtr("claimed"),
		ToState:       toState,
		ProjectID:     "proj-1",
		OrgID:         "org-1",
		UserID:        "user-1",
		UserTriggered: true,
		TaskTypeID:    taskTypeID,
	}
}

func singleRuleWorkflows(rule domain.Rule, workflowActive bool) []domain.Workflow {
	return []domain.Workflow{{
		ID:        rule.WorkflowID,
		ProjectID: "proj-1",
		Name:      "wf",
		Active:    workflowActive,
		Rules:     []domain.Rule{rule},
	}}
}

func TestMatchSelectsApplicableRule(t *testing.T) {
	rule := domain.Rule{
		ID:           "rule-1",
		WorkflowID:   "wf-1",
		ResourceType: domain.ResourceTask,
		ToState:      "completed",
		Active:       true,
	}
	got := Match(taskEvent("completed", nil), singleRuleWorkflows(rule, true))
	if len(got) != 1 || got[0].ID != "rule-1" {
		t.Fatalf("expected rule-1 matched, got %v", got)
	}
}

func TestMatchTargetState(t *testing.T) {
	rule := domain.Rule{
		ID:           "rule-1",
		WorkflowID:   "wf-1",
		ResourceType: domain.ResourceTask,
		ToState:      "completed",
		Active:       true,
	}
	if got := Match(taskEvent("claimed", nil), singleRuleWorkflows(rule, true)); len(got) != 0 {
		t.Fatalf("expected no match for other target state, got %v", got)
	}
}

func TestMatchResourceTypeScoping(t *testing.T) {
	rule := domain.Rule{
		ID:           "rule-1",
		WorkflowID:   "wf-1",
		ResourceType: domain.ResourceCard,
		ToState:      "completed",
		Active:       true,
	}
	if got := Match(taskEvent("completed", nil), singleRuleWorkflows(rule, true)); len(got) != 0 {
		t.Fatalf("card rule must not match task event, got %v", got)
	}
}

func TestMatchTaskTypeFilter(t *testing.T) {
	rule := domain.Rule{
		ID:           "rule-1",
		WorkflowID:   "wf-1",
		ResourceType: domain.ResourceTask,
		TaskTypeID:   strPtr("bug"),
		ToState:      "completed",
		Active:       true,
	}
	workflows := singleRuleWorkflows(rule, true)
	if got := Match(taskEvent("completed", strPtr("bug")), workflows); len(got) != 1 {
		t.Fatalf("expected exact task type to match, got %v", got)
	}
	if got := Match(taskEvent("completed", strPtr("feature")), workflows); len(got) != 0 {
		t.Fatalf("expected other task type filtered out, got %v", got)
	}
	if got := Match(taskEvent("completed", nil), workflows); len(got) != 0 {
		t.Fatalf("expected typeless event filtered out, got %v", got)
	}
}

func TestMatchAbsentFilterMatchesAnyType(t *testing.T) {
	rule := domain.Rule{
		ID:           "rule-1",
		WorkflowID:   "wf-1",
		ResourceType: domain.ResourceTask,
		ToState:      "completed",
		Active:       true,
	}
	if got := Match(taskEvent("completed", strPtr("bug")), singleRuleWorkflows(rule, true)); len(got) != 1 {
		t.Fatalf("expected absent filter to match any type, got %v", got)
	}
}

func TestMatchInactiveGating(t *testing.T) {
	rule := domain.Rule{
		ID:           "rule-1",
		WorkflowID:   "wf-1",
		ResourceType: domain.ResourceTask,
		ToState:      "completed",
		Active:       true,
	}
	if got := Match(taskEvent("completed", nil), singleRuleWorkflows(rule, false)); len(got) != 0 {
		t.Fatalf("inactive workflow must not match, got %v", got)
	}
	rule.Active = false
	if got := Match(taskEvent("completed", nil), singleRuleWorkflows(rule, true)); len(got) != 0 {
		t.Fatalf("inactive rule must not match, got %v", got)
	}
}

func TestMatchSystemEventsShortCircuit(t *testing.T) {
	rule := domain.Rule{
		ID:           "rule-1",
		WorkflowID:   "wf-1",
		ResourceType: domain.ResourceTask,
		ToState:      "completed",
		Active:       true,
	}
	ev := taskEvent("completed", nil)
	ev.UserTriggered = false
	if got := Match(ev, singleRuleWorkflows(rule, true)); got != nil {
		t.Fatalf("system events must match nothing, got %v", got)
	}
}

func TestMatchOrderIsAscendingRuleID(t *testing.T) {
	workflows := []domain.Workflow{
		{
			ID: "wf-2", Active: true,
			Rules: []domain.Rule{
				{ID: "rule-c", WorkflowID: "wf-2", ResourceType: domain.ResourceTask, ToState: "completed", Active: true},
				{ID: "rule-a", WorkflowID: "wf-2", ResourceType: domain.ResourceTask, ToState: "completed", Active: true},
			},
		},
		{
			ID: "wf-1", Active: true,
			Rules: []domain.Rule{
				{ID: "rule-b", WorkflowID: "wf-1", ResourceType: domain.ResourceTask, ToState: "completed", Active: true},
			},
		},
	}
	got := Match(taskEvent("completed", nil), workflows)
	if len(got) != 3 {
		t.Fatalf("expected 3 rules, got %d", len(got))
	}
	for i, want := range []string{"rule-a", "rule-b", "rule-c"} {
		if got[i].ID != want {
			t.Fatalf("position %d: expected %s, got %s", i, want, got[i].ID)
		}
	}
}
