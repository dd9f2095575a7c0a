package services

import (
	"testing"
	"time"

	"github.com/jacksonlee411/member-delta-sync/modules/members/domain/types"
	"github.com/jacksonlee411/member-delta-sync/pkg/syncerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strPtr(s string) *string { return &s }

func sampleMember() types.Member {
	return types.Member{
		ID:            "p1",
		TenantID:      "t1",
		ExternalID:    strPtr("ext-1"),
		Name:          "João Silva",
		Email:         "joao@example.org",
		Phone:         "+55 11 99999-0000",
		BirthDate:     "1980-05-01",
		MaritalStatus: "married",
		Address:       &types.Address{Street: "Rua A", Number: "10", City: "São Paulo", Country: "BR"},
		UpdatedAt:     time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func remoteOf(m types.Member) types.RemoteMember {
	r := types.RemoteMember{
		ID:            m.ExternalIDValue(),
		Name:          m.Name,
		Email:         m.Email,
		Phone:         m.Phone,
		BirthDate:     m.BirthDate,
		MaritalStatus: m.MaritalStatus,
	}
	if m.Address != nil {
		a := *m.Address
		r.Address = &a
	}
	return r
}

func TestDetectChanges_IdenticalRecordsYieldNothing(t *testing.T) {
	local := sampleMember()
	changes, err := DetectChanges(local, remoteOf(local))
	require.NoError(t, err)
	assert.Empty(t, changes)

	blank := types.Member{TenantID: "t1"}
	changes, err = DetectChanges(blank, types.RemoteMember{})
	require.NoError(t, err)
	assert.Empty(t, changes)
}

func TestDetectChanges_NullEquivalence(t *testing.T) {
	local := types.Member{TenantID: "t1", Phone: ""}
	for _, phone := range []string{"", "   ", "\t\n"} {
		changes, err := DetectChanges(local, types.RemoteMember{Phone: phone})
		require.NoError(t, err)
		assert.Empty(t, changes, "phone=%q", phone)
	}

	changes, err := DetectChanges(types.Member{TenantID: "t1", Address: &types.Address{City: "  "}}, types.RemoteMember{Address: nil})
	require.NoError(t, err)
	assert.Empty(t, changes)
}

func TestDetectChanges_CaseInsensitiveAndTrimmed(t *testing.T) {
	changes, err := DetectChanges(types.Member{TenantID: "t1", Name: "JOÃO"}, types.RemoteMember{Name: "joão"})
	require.NoError(t, err)
	assert.Empty(t, changes)

	changes, err = DetectChanges(types.Member{TenantID: "t1", Email: " Joao@Example.org "}, types.RemoteMember{Email: "joao@example.org"})
	require.NoError(t, err)
	assert.Empty(t, changes)

	// Decomposed a + combining tilde equals the precomposed form.
	changes, err = DetectChanges(types.Member{TenantID: "t1", Name: "Joa\u0303o"}, types.RemoteMember{Name: "Jo\u00e3o"})
	require.NoError(t, err)
	assert.Empty(t, changes)
}

func TestDetectChanges_NameScenario(t *testing.T) {
	local := sampleMember()
	remote := remoteOf(local)
	remote.Name = "João Silva Santos"

	changes, err := DetectChanges(local, remote)
	require.NoError(t, err)
	require.Len(t, changes, 1)
	assert.Equal(t, types.FieldName, changes[0].Field)
	assert.Equal(t, types.TextValue("João Silva"), changes[0].OldValue)
	assert.Equal(t, types.TextValue("João Silva Santos"), changes[0].NewValue)
}

func TestDetectChanges_TrackedFieldOrder(t *testing.T) {
	local := sampleMember()
	remote := types.RemoteMember{
		Name:          "Maria",
		Email:         "maria@example.org",
		Phone:         "123",
		BirthDate:     "1990-01-01",
		MaritalStatus: "single",
		Address:       &types.Address{Street: "Rua B"},
	}

	changes, err := DetectChanges(local, remote)
	require.NoError(t, err)
	var got []types.Field
	for _, c := range changes {
		got = append(got, c.Field)
	}
	assert.Equal(t, types.TrackedFields, got)
}

func TestDetectChanges_AddressDeepEquality(t *testing.T) {
	local := sampleMember()
	remote := remoteOf(local)
	remote.Address = &types.Address{Street: " rua a ", Number: "10", City: "SÃO PAULO", Country: "br"}

	changes, err := DetectChanges(local, remote)
	require.NoError(t, err)
	assert.Empty(t, changes)

	remote.Address.Number = "12"
	changes, err = DetectChanges(local, remote)
	require.NoError(t, err)
	require.Len(t, changes, 1)
	assert.Equal(t, types.FieldAddress, changes[0].Field)
	assert.Equal(t, types.ValueAddress, changes[0].NewValue.Kind)
	assert.Equal(t, "12", changes[0].NewValue.Address.Number)

	remote.Address = nil
	changes, err = DetectChanges(local, remote)
	require.NoError(t, err)
	require.Len(t, changes, 1)
	assert.True(t, changes[0].NewValue.IsEmpty())
}

func TestDetectChanges_BirthDateRepresentations(t *testing.T) {
	local := types.Member{TenantID: "t1", BirthDate: "1980-05-01"}

	changes, err := DetectChanges(local, types.RemoteMember{BirthDate: "1980-05-01T00:00:00Z"})
	require.NoError(t, err)
	assert.Empty(t, changes)

	changes, err = DetectChanges(local, types.RemoteMember{BirthDate: "1980-05-02"})
	require.NoError(t, err)
	require.Len(t, changes, 1)
	assert.Equal(t, types.FieldBirthDate, changes[0].Field)
}

func TestDetectChanges_RequiresTenant(t *testing.T) {
	_, err := DetectChanges(types.Member{}, types.RemoteMember{})
	require.Error(t, err)
	assert.True(t, syncerr.Is(err, syncerr.CodeValidation))
}

func TestClassifySignificance(t *testing.T) {
	ch := func(fields ...types.Field) []types.FieldChange {
		out := make([]types.FieldChange, 0, len(fields))
		for _, f := range fields {
			out = append(out, types.FieldChange{Field: f})
		}
		return out
	}

	assert.Equal(t, types.SignificanceLow, ClassifySignificance(nil))
	assert.Equal(t, types.SignificanceLow, ClassifySignificance(ch(types.FieldName)))
	assert.Equal(t, types.SignificanceLow, ClassifySignificance(ch(types.FieldName, types.FieldBirthDate)))
	assert.Equal(t, types.SignificanceMedium, ClassifySignificance(ch(types.FieldPhone)))
	assert.Equal(t, types.SignificanceMedium, ClassifySignificance(ch(types.FieldEmail)))
	assert.Equal(t, types.SignificanceMedium, ClassifySignificance(ch(types.FieldName, types.FieldBirthDate, types.FieldName)))
	assert.Equal(t, types.SignificanceHigh, ClassifySignificance(ch(types.FieldName, types.FieldMaritalStatus)))
	assert.Equal(t, types.SignificanceHigh, ClassifySignificance(ch(types.FieldAddress)))
}

func TestUrgencyScore(t *testing.T) {
	assert.Equal(t, 6, UrgencyScore(types.ChangeTypePersonCreated))
	assert.Equal(t, 7, UrgencyScore(types.UpdatedChangeType(types.FieldMaritalStatus)))
	assert.Equal(t, 7, UrgencyScore(types.UpdatedChangeType(types.FieldAddress)))
	assert.Equal(t, 5, UrgencyScore(types.UpdatedChangeType(types.FieldPhone)))
	assert.Equal(t, 5, UrgencyScore(types.UpdatedChangeType(types.FieldEmail)))
	assert.Equal(t, 4, UrgencyScore(types.UpdatedChangeType(types.FieldName)))
	assert.Equal(t, 4, UrgencyScore(types.ChangeTypePersonConflict))
	assert.Equal(t, 4, UrgencyScore(types.ChangeTypePersonDeleted))
	assert.Equal(t, 4, UrgencyScore("person.updated."))
}
