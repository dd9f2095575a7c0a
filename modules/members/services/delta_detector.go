package services

import (
	"strings"
	"time"

	"github.com/jacksonlee411/member-delta-sync/modules/members/domain/types"
	"github.com/jacksonlee411/member-delta-sync/pkg/syncerr"
	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

var birthDateLayouts = []string{
	"2006-01-02",
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// DetectChanges compares a canonical member with its remote counterpart and
// returns the differing tracked fields in tracked-field order.
func DetectChanges(local types.Member, remote types.RemoteMember) ([]types.FieldChange, error) {
	if strings.TrimSpace(local.TenantID) == "" {
		return nil, syncerr.Validation("local member tenant_id is required", nil)
	}

	changes := []types.FieldChange{}
	for _, f := range types.TrackedFields {
		oldValue := local.Value(f)
		newValue := remote.Value(f)
		if ComparableKey(f, oldValue) == ComparableKey(f, newValue) {
			continue
		}
		changes = append(changes, types.FieldChange{
			Field:    f,
			OldValue: oldValue,
			NewValue: newValue,
		})
	}
	return changes, nil
}

// ComparableKey reduces a field value to the form used for equality:
// empty values become "", text is trimmed, NFC-normalized and case-folded,
// birth dates are reduced to their calendar day and addresses are compared
// component-wise.
func ComparableKey(f types.Field, v types.FieldValue) string {
	switch v.Kind {
	case types.ValueText:
		if f == types.FieldBirthDate {
			return normalizeBirthDate(v.Text)
		}
		return normalizeText(v.Text)
	case types.ValueAddress:
		if v.Address.IsEmpty() {
			return ""
		}
		parts := v.Address.Components()
		for i, p := range parts {
			parts[i] = normalizeText(p)
		}
		return strings.Join(parts, "\x1f")
	default:
		return ""
	}
}

func normalizeText(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	return cases.Fold().String(norm.NFC.String(s))
}

func normalizeBirthDate(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	for _, layout := range birthDateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.Format("2006-01-02")
		}
	}
	return normalizeText(s)
}

// ClassifySignificance grades a change set for conflict review and
// downstream prioritization.
func ClassifySignificance(changes []types.FieldChange) types.Significance {
	contact := false
	for _, c := range changes {
		switch c.Field {
		case types.FieldMaritalStatus, types.FieldAddress:
			return types.SignificanceHigh
		case types.FieldPhone, types.FieldEmail:
			contact = true
		}
	}
	if contact || len(changes) > 2 {
		return types.SignificanceMedium
	}
	return types.SignificanceLow
}
