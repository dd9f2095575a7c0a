package services

import "github.com/jacksonlee411/member-delta-sync/modules/members/domain/types"

const (
	urgencyCritical = 7
	urgencyCreation = 6
	urgencyContact  = 5
	urgencyDefault  = 4
)

// UrgencyScore is the fixed per-change-type score attached to emitted change
// events. Smarter scoring belongs to the downstream analysis consumer.
func UrgencyScore(changeType string) int {
	if changeType == types.ChangeTypePersonCreated {
		return urgencyCreation
	}
	f, ok := types.UpdatedField(changeType)
	if !ok {
		return urgencyDefault
	}
	switch f {
	case types.FieldMaritalStatus, types.FieldAddress:
		return urgencyCritical
	case types.FieldPhone, types.FieldEmail:
		return urgencyContact
	default:
		return urgencyDefault
	}
}
