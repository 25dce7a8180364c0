package ipfix

import (
	"encoding/json"

	"github.com/flowlanding/ipfix/iana/semantics"
	"github.com/flowlanding/ipfix/iana/status"
)

type InformationElementRange struct {
	Low  int `json:"low,omitempty" yaml:"low,omitempty"`
	High int `json:"high,omitempty" yaml:"high,omitempty"`
}

func (i *InformationElementRange) Clone() *InformationElementRange {
	return &InformationElementRange{
		Low:  i.Low,
		High: i.High,
	}
}

// InformationElementChoice constrains an IE's value to a fixed enumeration,
// i.e. the "choose" constraint referenced throughout section 4.4 of the wire
// format design.
type InformationElementChoice []int64

func (c InformationElementChoice) Clone() InformationElementChoice {
	out := make(InformationElementChoice, len(c))
	copy(out, c)
	return out
}

func (c InformationElementChoice) contains(v int64) bool {
	for _, allowed := range c {
		if allowed == v {
			return true
		}
	}
	return false
}

type InformationElement struct {
	Constructor DataTypeConstructor `json:"-" yaml:"-"`

	Id           uint16 `json:"id,omitempty" yaml:"id,omitempty"`
	Name         string `json:"name,omitempty" yaml:"name,omitempty"`
	EnterpriseId uint32 `json:"pen,omitempty" yaml:"pen,omitempty"`

	Semantics semantics.Semantic `json:"semantics,omitempty" yaml:"semantics,omitempty"`
	Status    status.Status      `json:"status,omitempty" yaml:"status,omitempty"`

	Type                  *string                  `json:"type,omitempty" yaml:"type,omitempty"`
	Description           *string                  `json:"description,omitempty" yaml:"description,omitempty"`
	Units                 *string                  `json:"units,omitempty" yaml:"units,omitempty"`
	Range                 *InformationElementRange `json:"range,omitempty" yaml:"range,omitempty"`
	Choice                InformationElementChoice `json:"choice,omitempty" yaml:"choice,omitempty"`
	AdditionalInformation *string                  `json:"additional_information,omitempty" yaml:"additionalInformation,omitempty"`
	Reference             *string                  `json:"reference,omitempty" yaml:"reference,omitempty"`
	Revision              *int                     `json:"revision,omitempty" yaml:"revision,omitempty"`
	Date                  *string                  `json:"date,omitempty" yaml:"date,omitempty"`
}

func (i InformationElement) String() string {
	if i.Type == nil && i.Constructor != nil {
		typ := i.Constructor().Type()
		i.Type = &typ
	}

	b, err := json.Marshal(i)
	if err != nil {
		panic(err)
	}
	return string(b)
}

func (i *InformationElement) Clone() InformationElement {
	ie := InformationElement{
		Id:           i.Id,
		Name:         i.Name,
		EnterpriseId: i.EnterpriseId,
		Semantics:    i.Semantics,
		Status:       i.Status,
	}

	if i.Constructor != nil {
		ie.Constructor = i.Constructor
	}
	if i.Range != nil {
		ie.Range = i.Range.Clone()
	}
	if i.Choice != nil {
		ie.Choice = i.Choice.Clone()
	}
	if i.Type != nil {
		typ := *i.Type
		ie.Type = &typ
	}
	if i.Description != nil {
		desc := *i.Description
		ie.Description = &desc
	}
	if i.AdditionalInformation != nil {
		ai := *i.AdditionalInformation
		ie.AdditionalInformation = &ai
	}
	if i.Units != nil {
		u := *i.Units
		ie.Units = &u
	}
	if i.Reference != nil {
		r := *i.Reference
		ie.Reference = &r
	}
	if i.Revision != nil {
		r := *i.Revision
		ie.Revision = &r
	}
	if i.Date != nil {
		d := *i.Date
		ie.Date = &d
	}

	return ie
}

func (i *InformationElement) UnmarshalJSON(in []byte) error {
	type serializableInformationElement struct {
		Id           uint16 `json:"id,omitempty" yaml:"id,omitempty"`
		EnterpriseId uint32 `json:"pen,omitempty" yaml:"pen,omitempty"`
		Name         string `json:"name,omitempty" yaml:"name,omitempty"`

		Semantics semantics.Semantic `json:"semantics,omitempty" yaml:"semantics,omitempty"`
		Status    status.Status      `json:"status,omitempty" yaml:"status,omitempty"`

		Type                  *string                  `json:"type,omitempty" yaml:"type,omitempty"`
		Description           *string                  `json:"description,omitempty" yaml:"description,omitempty"`
		Units                 *string                  `json:"units,omitempty" yaml:"units,omitempty"`
		Range                 *InformationElementRange `json:"range,omitempty" yaml:"range,omitempty"`
		Choice                InformationElementChoice `json:"choice,omitempty" yaml:"choice,omitempty"`
		AdditionalInformation *string                  `json:"additional_information,omitempty" yaml:"additionalInformation,omitempty"`
		Reference             *string                  `json:"reference,omitempty" yaml:"reference,omitempty"`
		Revision              *int                     `json:"revision,omitempty" yaml:"revision,omitempty"`
		Date                  *string                  `json:"date,omitempty" yaml:"date,omitempty"`
	}

	ii := serializableInformationElement{}
	err := json.Unmarshal(in, &ii)
	if err != nil {
		return err
	}

	i.Id = ii.Id
	i.Name = ii.Name
	i.Description = ii.Description
	i.Semantics = ii.Semantics
	i.Status = ii.Status
	i.Type = ii.Type
	i.Range = ii.Range
	i.Choice = ii.Choice
	i.Date = ii.Date
	i.Units = ii.Units
	i.Reference = ii.Reference
	i.AdditionalInformation = ii.AdditionalInformation
	i.Revision = ii.Revision
	i.EnterpriseId = ii.EnterpriseId

	// if type is not defined for field, exit here
	if i.Type == nil {
		return nil
	}

	i.Constructor = LookupConstructor(*i.Type)
	return nil
}

// checkConstraints validates v, the raw value held by a field's DataType,
// against ie's range and choose-set constraints, per section 4.4 of the wire
// format design ("constraint enforcement"). A nil ie, or an ie with neither
// Range nor Choice set, always passes.
func checkConstraints(ie *InformationElement, name string, v any) error {
	if ie == nil {
		return nil
	}
	n, ok := asInt64(v)
	if !ok {
		// non-numeric values (strings, octet arrays, lists, ...) carry no
		// min/max/choose constraints in this registry
		return nil
	}
	if r := ie.Range; r != nil {
		if n < int64(r.Low) || n > int64(r.High) {
			return ConstraintViolation(name, "range", v)
		}
	}
	if c := ie.Choice; c != nil {
		if !c.contains(n) {
			return ConstraintViolation(name, "choose", v)
		}
	}
	return nil
}

// asInt64 widens the concrete numeric types produced by this package's
// DataType.Value() implementations to a common int64 for constraint
// comparison. Values that are not numeric scalars return ok=false.
func asInt64(v any) (n int64, ok bool) {
	switch t := v.(type) {
	case uint8:
		return int64(t), true
	case uint16:
		return int64(t), true
	case uint32:
		return int64(t), true
	case uint64:
		return int64(t), true
	case int8:
		return int64(t), true
	case int16:
		return int64(t), true
	case int32:
		return int64(t), true
	case int64:
		return t, true
	case int:
		return int64(t), true
	default:
		return 0, false
	}
}
