package rules

import (
	"fmt"
	"strings"

	"github.com/modelodev/scrumbringer/internal/domain"
)

// createdPlaceholder is rendered for {{from_state}} when the origin was
// created rather than transitioned.
const createdPlaceholder = "(created)"

// Variables holds the resolved values for the closed template token set.
// Tokens are replaced literally and case-sensitively; anything that is not
// one of the five known tokens stays untouched.
type Variables struct {
	Father    string
	FromState string
	ToState   string
	Project   string
	User      string
}

// NewVariables resolves an event's token values. Project name and user
// email come from the caller because they need external lookups.
func NewVariables(ev StateChangeEvent, projectName, userEmail string) Variables {
	fromState := createdPlaceholder
	if ev.FromState != nil {
		fromState = *ev.FromState
	}
	return Variables{
		Father:    originLink(ev.ResourceType, ev.ResourceID),
		FromState: fromState,
		ToState:   ev.ToState,
		Project:   projectName,
		User:      userEmail,
	}
}

// originLink renders a markdown link back to the resource that fired the rule.
func originLink(resourceType, id string) string {
	if resourceType == domain.ResourceCard {
		return fmt.Sprintf("[Card #%s](/cards/%s)", id, id)
	}
	return fmt.Sprintf("[Task #%s](/tasks/%s)", id, id)
}

// Expand substitutes the token set in a template string.
func (v Variables) Expand(s string) string {
	return strings.NewReplacer(
		"{{father}}", v.Father,
		"{{from_state}}", v.FromState,
		"{{to_state}}", v.ToState,
		"{{project}}", v.Project,
		"{{user}}", v.User,
	).Replace(s)
}
