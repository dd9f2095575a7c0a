package types

import (
	"encoding/json"
	"strings"
	"time"
)

const (
	ChangeTypePersonCreated  = "person.created"
	ChangeTypePersonDeleted  = "person.deleted"
	ChangeTypePersonConflict = "person.conflict"

	changeTypeUpdatedPrefix = "person.updated."
)

func UpdatedChangeType(f Field) string {
	return changeTypeUpdatedPrefix + string(f)
}

// UpdatedField returns the field of a person.updated.<field> change type.
func UpdatedField(changeType string) (Field, bool) {
	f, ok := strings.CutPrefix(changeType, changeTypeUpdatedPrefix)
	if !ok || f == "" {
		return "", false
	}
	return Field(f), true
}

// ChangeEvent is an append-only record of one committed change. Only
// ProcessedAt is ever written after creation, by downstream consumers.
type ChangeEvent struct {
	ID           string          `json:"id"`
	TenantID     string          `json:"tenant_id"`
	PersonID     string          `json:"person_id"`
	SyncRunID    string          `json:"sync_run_id,omitempty"`
	Sequence     int             `json:"sequence"`
	ChangeType   string          `json:"change_type"`
	OldValue     json.RawMessage `json:"old_value"`
	NewValue     json.RawMessage `json:"new_value"`
	DetectedAt   time.Time       `json:"detected_at"`
	UrgencyScore int             `json:"urgency_score"`
	AIAnalysis   json.RawMessage `json:"ai_analysis"`
	ProcessedAt  *time.Time      `json:"processed_at"`
}
