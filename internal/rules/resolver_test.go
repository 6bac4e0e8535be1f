package rules

import (
	"testing"

	"github.com/modelodev/scrumbringer/internal/domain"
)

func TestExpandFatherTaskLink(t *testing.T) {
	ev := taskEvent("completed", nil)
	vars := NewVariables(ev, "Apollo", "dev@example.com")
	got := vars.Expand("Review {{father}}")
	want := "Review [Task #42](/tasks/42)"
	if got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
}

func TestExpandFatherCardLink(t *testing.T) {
	ev := StateChangeEvent{
		ResourceType:  domain.ResourceCard,
		ResourceID:    "7",
		ToState:       "done",
		UserTriggered: true,
	}
	vars := NewVariables(ev, "", "")
	got := vars.Expand("{{father}}")
	if got != "[Card #7](/cards/7)" {
		t.Fatalf("unexpected card link %q", got)
	}
}

func TestExpandFromStateCreatedPlaceholder(t *testing.T) {
	ev := taskEvent("pending", nil)
	ev.FromState = nil
	vars := NewVariables(ev, "", "")
	got := vars.Expand("moved from {{from_state}} to {{to_state}}")
	if got != "moved from (created) to pending" {
		t.Fatalf("unexpected expansion %q", got)
	}
}

func TestExpandProjectAndUser(t *testing.T) {
	vars := NewVariables(taskEvent("completed", nil), "Apollo", "dev@example.com")
	got := vars.Expand("{{project}}: done by {{user}}")
	if got != "Apollo: done by dev@example.com" {
		t.Fatalf("unexpected expansion %q", got)
	}
}

func TestExpandLeavesUnknownTokens(t *testing.T) {
	vars := NewVariables(taskEvent("completed", nil), "Apollo", "dev@example.com")
	got := vars.Expand("{{unknown}} and {{Father}}")
	if got != "{{unknown}} and {{Father}}" {
		t.Fatalf("unknown tokens must stay literal, got %q", got)
	}
}
