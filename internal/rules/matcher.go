package rules

import (
	"sort"

	"github.com/modelodev/scrumbringer/internal/domain"
)

// Match selects the rules applicable to an event from the project's
// workflows. A rule matches when its workflow and itself are active, its
// resource type and target state equal the event's, and its task-type
// filter is either absent or equal to the event's task type.
//
// Events not triggered by a user match nothing: system-generated
// transitions (including tasks materialized by rules) never cascade.
//
// The result is ordered by ascending rule id so evaluation order is
// deterministic regardless of how workflows were loaded.
func Match(ev StateChangeEvent, workflows []domain.Workflow) []domain.Rule {
	if !ev.UserTriggered {
		return nil
	}
	var matched []domain.Rule
	for _, w := range workflows {
		if !w.Active {
			continue
		}
		for _, r := range w.Rules {
			if !r.Active {
				continue
			}
			if r.ResourceType != ev.ResourceType {
				continue
			}
			if r.ToState != ev.ToState {
				continue
			}
			if r.TaskTypeID != nil {
				if ev.TaskTypeID == nil || *r.TaskTypeID != *ev.TaskTypeID {
					continue
				}
			}
			matched = append(matched, r)
		}
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].ID < matched[j].ID })
	return matched
}
