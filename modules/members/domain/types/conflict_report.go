package types

import "time"

type Significance string

const (
	SignificanceLow    Significance = "low"
	SignificanceMedium Significance = "medium"
	SignificanceHigh   Significance = "high"
)

type Strategy string

const (
	StrategyRemoteWins   Strategy = "remote_wins"
	StrategyLocalWins    Strategy = "local_wins"
	StrategyNewestWins   Strategy = "newest_wins"
	StrategyManualReview Strategy = "manual_review"
)

func (s Strategy) Valid() bool {
	switch s {
	case StrategyRemoteWins, StrategyLocalWins, StrategyNewestWins, StrategyManualReview:
		return true
	default:
		return false
	}
}

type Side string

const (
	SideLocal  Side = "local"
	SideRemote Side = "remote"
)

const (
	ConflictReasonRecentLocalEdit = "recent_local_edit"
	ConflictReasonManualReview    = "manual_review"
	ConflictReasonReviewRule      = "review_rule"
)

type ConflictField struct {
	Field       Field      `json:"field"`
	Local       FieldValue `json:"local"`
	Remote      FieldValue `json:"remote"`
	Strategy    Strategy   `json:"strategy"`
	Recommended Side       `json:"recommended"`
}

// ConflictReport is the diagnostic record kept for human review of a flagged
// change set.
type ConflictReport struct {
	ID              string               `json:"id"`
	TenantID        string               `json:"tenant_id"`
	PersonID        string               `json:"person_id"`
	ExternalID      string               `json:"external_id"`
	SyncRunID       string               `json:"sync_run_id,omitempty"`
	LocalValues     map[Field]FieldValue `json:"local_values"`
	RemoteValues    map[Field]FieldValue `json:"remote_values"`
	LocalUpdatedAt  time.Time            `json:"local_updated_at"`
	RemoteUpdatedAt *time.Time           `json:"remote_updated_at"`
	Reasons         []string             `json:"reasons"`
	Significance    Significance         `json:"significance"`
	Fields          []ConflictField      `json:"fields"`
	CreatedAt       time.Time            `json:"created_at"`
}
