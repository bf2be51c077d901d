package model

import "time"

type EventType string

const (
	EventParameterChanged EventType = "parameter.changed"
	EventParameterDeleted EventType = "parameter.deleted"
)

type ParameterEvent struct {
	ID            string          `json:"id"`
	Type          EventType       `json:"type"`
	ParameterName string          `json:"parameter_name"`
	EntityType    EntityType      `json:"entity_type"`
	EntityID      string          `json:"entity_id"`
	Before        *ParameterValue `json:"before,omitempty"`
	After         *ParameterValue `json:"after,omitempty"`
	Actor         string          `json:"actor,omitempty"`
	AuditRequired bool            `json:"audit_required"`
	OccurredAt    time.Time       `json:"occurred_at"`
}

// Key identifies the written level; sinks use it for partitioning.
func (e ParameterEvent) Key() string {
	return ParameterKey{EntityType: e.EntityType, EntityID: e.EntityID, Name: e.ParameterName}.String()
}
