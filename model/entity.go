package model

import "time"

// Entity types.
const (
	EntityTypeApplication   = "application"
	EntityTypeHiringRequest = "hiring_request"
)

// Application statuses.
const (
	StatusSubmitted          = "submitted"
	StatusUnderReview        = "under_review"
	StatusInterviewScheduled = "interview_scheduled"
	StatusOffered            = "offered"
	StatusHired              = "hired"
	StatusWithdrawn          = "withdrawn"
)

// Hiring request statuses.
const (
	StatusPending  = "pending"
	StatusApproved = "approved"
)

// StatusRejected is shared by both entity types.
const StatusRejected = "rejected"

// DetailsSchemaVersion is the current layout of EntityDetails.
const DetailsSchemaVersion = 1

// EntityDetails is the versioned descriptive payload of an entity.
type EntityDetails struct {
	SchemaVersion int    `json:"schema_version" bson:"schema_version"`
	Title         string `json:"title,omitempty" bson:"title,omitempty"`
	Reference     string `json:"reference,omitempty" bson:"reference,omitempty"`
	ContactName   string `json:"contact_name,omitempty" bson:"contact_name,omitempty"`
	ContactEmail  string `json:"contact_email,omitempty" bson:"contact_email,omitempty"`
}

// Entity is the current state of an application or hiring request.
type Entity struct {
	ID        string        `json:"id"`
	Type      string        `json:"type"`
	Status    string        `json:"status"`
	Score     *float64      `json:"score,omitempty"`
	Assignee  *string       `json:"assignee,omitempty"`
	Details   EntityDetails `json:"details"`
	Version   int64         `json:"version"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// FieldPatch carries optional field changes applied alongside an action.
// A nil pointer leaves the field untouched; an empty Assignee clears it.
type FieldPatch struct {
	Score    *float64 `json:"score,omitempty"`
	Assignee *string  `json:"assignee,omitempty"`
}

// IsEmpty reports whether the patch touches no field.
func (p FieldPatch) IsEmpty() bool {
	return p.Score == nil && p.Assignee == nil
}

// Apply merges the patch into e and returns the changes it made, in field
// order. Fields whose value does not change are skipped.
func (p FieldPatch) Apply(e *Entity) []FieldChange {
	var changes []FieldChange
	if p.Score != nil && !floatPtrEqual(e.Score, p.Score) {
		changes = append(changes, FieldChange{
			Field:    FieldScore,
			OldValue: floatValue(e.Score),
			NewValue: *p.Score,
		})
		v := *p.Score
		e.Score = &v
	}
	if p.Assignee != nil {
		var next *string
		if *p.Assignee != "" {
			v := *p.Assignee
			next = &v
		}
		if !stringPtrEqual(e.Assignee, next) {
			changes = append(changes, FieldChange{
				Field:    FieldAssignee,
				OldValue: stringValue(e.Assignee),
				NewValue: stringValue(next),
			})
			e.Assignee = next
		}
	}
	return changes
}

// EntityFilters narrows an entity listing.
type EntityFilters struct {
	Type     string
	Status   string
	Assignee string
	Limit    int
	Offset   int
}

func floatPtrEqual(a, b *float64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func stringPtrEqual(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func floatValue(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

func stringValue(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}
