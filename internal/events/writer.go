package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Event types written by the lifecycle engine. Webhook filters match on
// these strings, so they are part of the external contract.
const (
	TypeProjectCreated   = "project.created"
	TypeTaskCreated      = "task.created"
	TypeTaskStateChanged = "task.state_changed"
	TypeCardCreated      = "card.created"
	TypeCardStateChanged = "card.state_changed"
	TypeWorkflowCreated  = "workflow.created"
	TypeWorkflowEnabled  = "workflow.enabled"
	TypeWorkflowDisabled = "workflow.disabled"
	TypeRuleCreated      = "rule.created"
	TypeRuleEnabled      = "rule.enabled"
	TypeRuleDisabled     = "rule.disabled"
	TypeTemplateCreated  = "template.created"
	TypeTemplateAttached = "rule.template_attached"
	TypeTemplateDetached = "rule.template_detached"
	TypeAutomationRun    = "automation.evaluated"
)

// Writer appends activity-log rows inside the caller's transaction so the
// log and the change it describes commit together.
type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, projectID, entityKind, entityID, actorID string, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,project_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		ts, evtType, nullable(projectID), entityKind, nullable(entityID), actorID, string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
