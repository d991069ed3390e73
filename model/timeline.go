package model

import "time"

// Timeline actions.
const (
	ActionStatusChanged   = "status_changed"
	ActionNoteAdded       = "note_added"
	ActionScoreUpdated    = "score_updated"
	ActionAssigneeChanged = "assignee_changed"
	ActionFieldsUpdated   = "fields_updated"
)

// Patchable field names as they appear in FieldChange.Field.
const (
	FieldScore    = "score"
	FieldAssignee = "assignee"
)

// FieldChange records one field's value before and after an action.
type FieldChange struct {
	Field    string `json:"field" bson:"field"`
	OldValue any    `json:"old_value" bson:"old_value"`
	NewValue any    `json:"new_value" bson:"new_value"`
}

// TimelineEntry is one immutable record in an entity's audit history.
type TimelineEntry struct {
	ID              string        `json:"id"`
	EntityID        string        `json:"entity_id"`
	Action          string        `json:"action"`
	Status          string        `json:"status,omitempty"`
	FromStatus      string        `json:"from_status,omitempty"`
	Notes           string        `json:"notes,omitempty"`
	Changes         []FieldChange `json:"changes,omitempty"`
	PerformedBy     string        `json:"performed_by,omitempty"`
	PerformedByName string        `json:"performed_by_name"`
	Date            time.Time     `json:"date"`
}

// ActionForChanges picks the field-update action that best describes changes.
func ActionForChanges(changes []FieldChange) string {
	if len(changes) == 1 {
		switch changes[0].Field {
		case FieldScore:
			return ActionScoreUpdated
		case FieldAssignee:
			return ActionAssigneeChanged
		}
	}
	return ActionFieldsUpdated
}
