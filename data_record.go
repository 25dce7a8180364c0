/*
Copyright 2023 Alexander Bartolomey (github@alexanderbartolomey.de)

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package ipfix

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
)

type DataRecord struct {
	TemplateId uint16 `json:"template_id,omitempty"`
	FieldCount uint16 `json:"field_count,omitempty"`

	Fields []Field `json:"fields,omitempty"`

	template   *Template
	fieldCache FieldCache
}

// paddingOctetsFieldName is the canonical IANA name (IE 210) that signals a
// template reserves a field purely to align data records to a 4-octet
// boundary. Its value is never supplied by callers; Encode synthesizes it.
const paddingOctetsFieldName = "paddingOctets"

// synthesizePadding finds a field named paddingOctets, if any, and sets its
// value to the shortest run of NUL octets that makes the record's total
// encoded length a multiple of 4, per RFC 7011 section 3.4.2 padding rules
// applied at the record level.
func (dr *DataRecord) synthesizePadding() {
	for i, f := range dr.Fields {
		if f.Name() != paddingOctetsFieldName {
			continue
		}

		var known int
		for j, other := range dr.Fields {
			if j == i {
				continue
			}
			known += int(other.Length())
		}

		// a variable-length field carries a 1-octet length prefix (pad is
		// always < 255 here), a fixed-length field carries none.
		overhead := 0
		if _, isVariable := f.(*VariableLengthField); isVariable {
			overhead = 1
		}

		pad := (4 - (known+overhead)%4) % 4
		dr.Fields[i] = f.SetValue(make([]byte, pad))
		return
	}
}

// discardPaddingValues clears the decoded value of any paddingOctets field so
// that callers never observe the synthesized alignment bytes as data.
func discardPaddingValues(fields []Field) {
	for _, f := range fields {
		if f.Name() == paddingOctetsFieldName {
			f.SetValue([]byte{})
		}
	}
}

func (dr *DataRecord) Encode(w io.Writer) (n int, err error) {
	dr.synthesizePadding()
	for _, r := range dr.Fields {
		if err := r.Validate(); err != nil {
			return n, err
		}
		rn, err := r.Encode(w)
		n += rn
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

func (dr *DataRecord) With(t *Template) *DataRecord {
	dr.template = t
	return dr
}

func (dr *DataRecord) Decode(r io.Reader) (n int, err error) {
	m := 0
	switch t := dr.template.Record.(type) {
	case *TemplateRecord:
		m, err = dr.decodeFromTempalte(r, t)
		n += m
		if err != nil {
			if err == io.EOF {
				break
			}
			return n, fmt.Errorf("failed to decode data set, %w", err)
		}
	case *OptionsTemplateRecord:
		m, err = dr.decodeFromOptionsTemplate(r, t)
		n += m
		if err != nil {
			if err == io.EOF {
				break
			}
			return n, fmt.Errorf("failed to decode data set, %w", err)
		}
	}

	for _, f := range dr.Fields {
		if f.Name() == paddingOctetsFieldName {
			continue
		}
		if verr := f.Validate(); verr != nil {
			return n, verr
		}
	}

	ie, err := dataRecordToIE(*dr)
	if err != nil {
		return n, err
	}
	if ie != nil {
		err = dr.fieldCache.Add(context.TODO(), *ie)
		if err != nil {
			return n, err
		}
	}

	return
}

func (d *DataRecord) decodeFromTempalte(r io.Reader, t *TemplateRecord) (n int, err error) {
	fs, m, err := DecodeUsingTemplate(r, t.Fields, 0)
	n += m
	d.Fields = fs
	discardPaddingValues(d.Fields)
	if err != nil {
		if err == io.EOF {
			return
		}
		return n, fmt.Errorf("failed to decode scope fields, %w", err)
	}
	return
}

func (d *DataRecord) decodeFromOptionsTemplate(r io.Reader, t *OptionsTemplateRecord) (n int, err error) {
	// decode all the "scope" fields first...
	scopes, n, err := DecodeUsingTemplate(r, t.Scopes, 0)
	if err != nil {
		if err == io.EOF {
			d.Fields = scopes
			return
		}
		return n, fmt.Errorf("failed to decode scope fields, %w", err)
	}
	// ...then decode all the option fields
	options, m, err := DecodeUsingTemplate(r, t.Options, 0)
	n += m
	d.Fields = append(scopes, options...)
	discardPaddingValues(d.Fields)
	if err != nil {
		if err == io.EOF {
			return
		}
		return n, fmt.Errorf("failed to decode option fields, %w", err)
	}
	return
}

// maxRecursionDepth bounds how deeply subTemplateList and subTemplateMultiList fields
// may nest before decoding is aborted. Templates are resolved from a TemplateCache at
// decode time, so a template that (directly or transitively) references itself would
// otherwise recurse indefinitely.
var maxRecursionDepth = 8

// SetMaxRecursionDepth overrides the default nesting limit enforced when decoding
// structured data types (basicList, subTemplateList, subTemplateMultiList).
func SetMaxRecursionDepth(depth int) {
	if depth > 0 {
		maxRecursionDepth = depth
	}
}

// DecodeUsingTemplate decodes a single data record's worth of fields from r according to
// the field prototypes given in fields. depth tracks how many subTemplateList/
// subTemplateMultiList levels have been entered to decode the current fields, and is
// propagated into any nested structured fields so that self-referential templates cannot
// cause unbounded recursion.
func DecodeUsingTemplate(r io.Reader, fields []Field, depth int) ([]Field, int, error) {
	if depth > maxRecursionDepth {
		tid := uint16(0)
		if len(fields) > 0 {
			tid = fields[0].Id()
		}
		return nil, 0, RecursionLimit(tid, depth)
	}

	dfs := make([]Field, 0, len(fields))
	var n int
	for idx, templateField := range fields {
		// Clone the field of the template to decode the value into while also preserving the
		// template information
		tf := templateField.Clone()
		name := tf.Name()

		// force construction of the underlying DataType so that structured types
		// (subTemplateList, subTemplateMultiList) can be handed the current nesting
		// depth before Decode actually consumes bytes from r.
		if depther, ok := tf.Value().(depthSetter); ok {
			depther.setDepth(depth + 1)
		}

		m, err := tf.Decode(r)
		n += m
		if err != nil {
			if err == io.EOF {
				break
			}
			return dfs, n, fmt.Errorf("failed to decode field (%d, %d/%d [%s]), %w", idx, tf.PEN(), tf.Id(), name, err)
		}
		dfs = append(dfs, tf)
	}
	return dfs, n, nil
}

// depthSetter is implemented by structured data types (subTemplateList,
// subTemplateMultiList) that recurse into nested templates during Decode.
type depthSetter interface {
	setDepth(int)
}

func (d *DataRecord) Length() uint16 {
	l := uint16(0)
	for _, f := range d.Fields {
		l += f.Length()
	}
	return l // header bytes are included on the Set!
}

func (dr *DataRecord) getFieldByName(enterpriseId uint32, name string) Field {
	for _, f := range dr.Fields {
		if f.PEN() == enterpriseId && f.Name() == name {
			return f
		}
	}
	return nil
}

func (dr *DataRecord) String() string {
	sl := make([]string, 0, len(dr.Fields))
	for _, v := range dr.Fields {
		sl = append(sl, v.String())
	}

	return fmt.Sprintf("<id=%d,len=%d>%v", dr.TemplateId, dr.FieldCount, sl)
}

func (dr *DataRecord) UnmarshalJSON(in []byte) error {
	type idr struct {
		TemplateId uint16 `json:"template_id,omitempty"`
		FieldCount uint16 `json:"field_count,omitempty"`

		Fields []ConsolidatedField `json:"fields,omitempty"`
	}

	t := &idr{}

	err := json.Unmarshal(in, t)
	if err != nil {
		return err
	}

	dr.TemplateId = t.TemplateId
	dr.FieldCount = t.FieldCount
	fs := make([]Field, 0, len(t.Fields))
	for _, cf := range t.Fields {
		// TODO(zoomoid): check if this is ok, i.e., "we don't need the FieldManager and TemplateManager here anymore"
		fs = append(fs, cf.Restore(nil, nil))
	}
	dr.Fields = fs

	return nil
}

func (d *DataRecord) Clone() DataRecord {
	fs := make([]Field, 0)
	for _, f := range d.Fields {
		fs = append(fs, f.Clone())
	}

	return DataRecord{
		TemplateId: d.TemplateId,
		FieldCount: d.FieldCount,

		Fields: fs,
	}
}
