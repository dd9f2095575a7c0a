package types

import (
	"encoding/json"
	"strings"
)

type Field string

const (
	FieldName          Field = "name"
	FieldEmail         Field = "email"
	FieldPhone         Field = "phone"
	FieldBirthDate     Field = "birth_date"
	FieldMaritalStatus Field = "marital_status"
	FieldAddress       Field = "address"
)

// TrackedFields lists the reconciled fields in detection order.
var TrackedFields = []Field{
	FieldName,
	FieldEmail,
	FieldPhone,
	FieldBirthDate,
	FieldMaritalStatus,
	FieldAddress,
}

func IsTrackedField(f Field) bool {
	for _, tf := range TrackedFields {
		if tf == f {
			return true
		}
	}
	return false
}

type ValueKind string

const (
	ValueEmpty   ValueKind = "empty"
	ValueText    ValueKind = "text"
	ValueAddress ValueKind = "address"
)

// FieldValue is the explicit-optionality value of one tracked field.
// Blank text and all-blank addresses are always ValueEmpty.
type FieldValue struct {
	Kind    ValueKind
	Text    string
	Address *Address
}

func EmptyValue() FieldValue { return FieldValue{Kind: ValueEmpty} }

func TextValue(s string) FieldValue {
	if strings.TrimSpace(s) == "" {
		return EmptyValue()
	}
	return FieldValue{Kind: ValueText, Text: s}
}

func AddressValue(a *Address) FieldValue {
	if a.IsEmpty() {
		return EmptyValue()
	}
	cp := *a
	return FieldValue{Kind: ValueAddress, Address: &cp}
}

func (v FieldValue) IsEmpty() bool { return v.Kind == ValueEmpty || v.Kind == "" }

func (v FieldValue) MarshalJSON() ([]byte, error) {
	switch v.Kind {
	case ValueText:
		return json.Marshal(v.Text)
	case ValueAddress:
		return json.Marshal(v.Address)
	default:
		return []byte("null"), nil
	}
}

func (v *FieldValue) UnmarshalJSON(b []byte) error {
	trimmed := strings.TrimSpace(string(b))
	switch {
	case trimmed == "" || trimmed == "null":
		*v = EmptyValue()
		return nil
	case strings.HasPrefix(trimmed, "{"):
		var a Address
		if err := json.Unmarshal(b, &a); err != nil {
			return err
		}
		*v = AddressValue(&a)
		return nil
	default:
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*v = TextValue(s)
		return nil
	}
}

type FieldChange struct {
	Field    Field      `json:"field"`
	OldValue FieldValue `json:"old_value"`
	NewValue FieldValue `json:"new_value"`
}

// Value returns the current value of a tracked field of m.
func (m Member) Value(f Field) FieldValue {
	switch f {
	case FieldName:
		return TextValue(m.Name)
	case FieldEmail:
		return TextValue(m.Email)
	case FieldPhone:
		return TextValue(m.Phone)
	case FieldBirthDate:
		return TextValue(m.BirthDate)
	case FieldMaritalStatus:
		return TextValue(m.MaritalStatus)
	case FieldAddress:
		return AddressValue(m.Address)
	default:
		return EmptyValue()
	}
}

// SetValue assigns v to a tracked field of m. Unknown fields are ignored.
func (m *Member) SetValue(f Field, v FieldValue) {
	text := ""
	if v.Kind == ValueText {
		text = v.Text
	}
	switch f {
	case FieldName:
		m.Name = text
	case FieldEmail:
		m.Email = text
	case FieldPhone:
		m.Phone = text
	case FieldBirthDate:
		m.BirthDate = text
	case FieldMaritalStatus:
		m.MaritalStatus = text
	case FieldAddress:
		if v.Kind == ValueAddress && v.Address != nil {
			cp := *v.Address
			m.Address = &cp
		} else {
			m.Address = nil
		}
	}
}

func (r RemoteMember) Value(f Field) FieldValue {
	switch f {
	case FieldName:
		return TextValue(r.Name)
	case FieldEmail:
		return TextValue(r.Email)
	case FieldPhone:
		return TextValue(r.Phone)
	case FieldBirthDate:
		return TextValue(r.BirthDate)
	case FieldMaritalStatus:
		return TextValue(r.MaritalStatus)
	case FieldAddress:
		return AddressValue(r.Address)
	default:
		return EmptyValue()
	}
}

// Values returns the full tracked-field value set.
func (m Member) Values() map[Field]FieldValue {
	out := make(map[Field]FieldValue, len(TrackedFields))
	for _, f := range TrackedFields {
		out[f] = m.Value(f)
	}
	return out
}

func (r RemoteMember) Values() map[Field]FieldValue {
	out := make(map[Field]FieldValue, len(TrackedFields))
	for _, f := range TrackedFields {
		out[f] = r.Value(f)
	}
	return out
}
