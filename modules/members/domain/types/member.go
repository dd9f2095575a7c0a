package types

import (
	"strings"
	"time"
)

const SyncSourceDailyPolling = "daily_polling"

type Address struct {
	Street       string `json:"street,omitempty"`
	Number       string `json:"number,omitempty"`
	Complement   string `json:"complement,omitempty"`
	Neighborhood string `json:"neighborhood,omitempty"`
	City         string `json:"city,omitempty"`
	State        string `json:"state,omitempty"`
	PostalCode   string `json:"postal_code,omitempty"`
	Country      string `json:"country,omitempty"`
}

// IsEmpty reports whether every component is blank.
func (a *Address) IsEmpty() bool {
	if a == nil {
		return true
	}
	for _, v := range a.Components() {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}

// Components returns the address parts in a fixed order.
func (a Address) Components() []string {
	return []string{a.Street, a.Number, a.Complement, a.Neighborhood, a.City, a.State, a.PostalCode, a.Country}
}

// Member is the canonical, locally persisted member record.
type Member struct {
	ID            string   `json:"id"`
	TenantID      string   `json:"tenant_id"`
	ExternalID    *string  `json:"external_id"`
	Name          string   `json:"name"`
	Email         string   `json:"email"`
	Phone         string   `json:"phone"`
	BirthDate     string   `json:"birth_date"`
	MaritalStatus string   `json:"marital_status"`
	Address       *Address `json:"address"`
	SyncSource    string   `json:"sync_source"`

	LastSyncedAt *time.Time `json:"last_synced_at"`
	// LocalEditedAt is stamped only by direct user edits, never by the sync.
	LocalEditedAt   *time.Time `json:"local_edited_at"`
	RemoteDeletedAt *time.Time `json:"remote_deleted_at"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

func (m Member) ExternalIDValue() string {
	if m.ExternalID == nil {
		return ""
	}
	return *m.ExternalID
}

const RemoteStatusDeleted = "deleted"

// RemoteMember is one member as returned by the remote CRM for a single pass.
type RemoteMember struct {
	ID            string     `json:"id"`
	Name          string     `json:"name"`
	Email         string     `json:"email"`
	Phone         string     `json:"phone"`
	BirthDate     string     `json:"birth_date"`
	MaritalStatus string     `json:"marital_status"`
	Address       *Address   `json:"address"`
	Status        string     `json:"status"`
	GroupIDs      []string   `json:"group_ids,omitempty"`
	UpdatedAt     *time.Time `json:"updated_at"`
}

func (r RemoteMember) IsDeleted() bool {
	return strings.EqualFold(strings.TrimSpace(r.Status), RemoteStatusDeleted)
}
