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
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

type Set struct {
	SetHeader `json:",inline" yaml:",inline"`
	Kind      string `json:"kind,omitempty" yaml:"kind,omitempty"`

	Set set `json:"flow_set,omitempty"`
}

// The Kind* constants are used for unmarshalling of JSON records to denote the specific type
// into which the elements of a set should be unmarshalled in.
const (
	KindDataRecord            string = "DataRecord"
	KindTemplateRecord        string = "TemplateRecord"
	KindOptionsTemplateRecord string = "OptionsTemplateRecord"
)

var KnownKinds map[string]struct{} = map[string]struct{}{
	KindDataRecord:            {},
	KindTemplateRecord:        {},
	KindOptionsTemplateRecord: {},
}

var _ fmt.Stringer = &Set{}
var _ json.Marshaler = &Set{}
var _ json.Unmarshaler = &Set{}

// NewDataSet wraps records bound to templateId into a Set ready for Encode.
// templateId must be >= 256, as required by RFC 7011 section 3.3.2.
func NewDataSet(templateId uint16, records []DataRecord) *Set {
	return &Set{
		SetHeader: SetHeader{Id: templateId},
		Kind:      KindDataRecord,
		Set:       &DataSet{Records: records},
	}
}

// NewTemplateSet wraps template records into a Set ready for Encode.
func NewTemplateSet(records []TemplateRecord) *Set {
	return &Set{
		SetHeader: SetHeader{Id: IPFIX},
		Kind:      KindTemplateRecord,
		Set:       &TemplateSet{Records: records},
	}
}

// NewOptionsTemplateSet wraps options template records into a Set ready for Encode.
func NewOptionsTemplateSet(records []OptionsTemplateRecord) *Set {
	return &Set{
		SetHeader: SetHeader{Id: IPFIXOptions},
		Kind:      KindOptionsTemplateRecord,
		Set:       &OptionsTemplateSet{Records: records},
	}
}

func (s *Set) String() string {
	return fmt.Sprintf("%s<ID=%d,Records=%d>%s", s.Kind, s.Id, s.Set.Length(), s.Set)
}

func (s *Set) MarshalJSON() ([]byte, error) {
	type ifs struct {
		Id uint16 `json:"id,omitempty"`

		Length uint16 `json:"length,omitempty"`

		Kind string `json:"kind,omitempty" yaml:"kind,omitempty"`

		Records json.RawMessage `json:"records,omitempty" yaml:"records,omitempty"`
	}

	t := &ifs{
		Id:     s.Id,
		Length: s.Length,
		Kind:   s.Kind,
	}

	var set []byte
	var err error
	switch ff := s.Set.(type) {
	case *DataSet:
		set, err = json.Marshal(ff.Records)
	case *TemplateSet:
		set, err = json.Marshal(ff.Records)
	case *OptionsTemplateSet:
		set, err = json.Marshal(ff.Records)
	}
	if err != nil {
		return nil, err
	}

	t.Records = json.RawMessage(set)

	return json.Marshal(t)
}

// setHeaderLength is the wire size of a SetHeader (Id + Length, 2 octets each).
const setHeaderLength = 4

// Encode writes the set header followed by its body, padding the body with
// NUL octets so the total set length is a multiple of 4 octets as required
// by RFC 7011 section 3.3.2. SetHeader.Length is (re)computed here from the
// actual encoded body size rather than trusted from the caller.
func (s *Set) Encode(w io.Writer) (n int, err error) {
	var body bytes.Buffer
	if s.Set != nil {
		if _, err := s.Set.Encode(&body); err != nil {
			return 0, err
		}
	}

	total := setHeaderLength + body.Len()
	padding := (4 - total%4) % 4
	s.SetHeader.Length = uint16(total + padding)

	// header
	l := make([]byte, 2)
	binary.BigEndian.PutUint16(l, s.SetHeader.Id)
	ln, err := w.Write(l)
	n += ln
	if err != nil {
		return n, err
	}
	l = make([]byte, 2)
	binary.BigEndian.PutUint16(l, s.SetHeader.Length)
	ln, err = w.Write(l)
	n += ln
	if err != nil {
		return n, err
	}

	// body
	bn, err := w.Write(body.Bytes())
	n += bn
	if err != nil {
		return n, err
	}

	if padding > 0 {
		pn, err := w.Write(make([]byte, padding))
		n += pn
		if err != nil {
			return n, err
		}
	}

	return n, nil
}

func (s *Set) UnmarshalJSON(in []byte) error {
	type ifs struct {
		SetHeader `json:",inline" yaml:",inline"`
		Kind      string `json:"kind,omitempty" yaml:"kind,omitempty"`

		Records json.RawMessage `json:"records,omitempty" yaml:"records,omitempty"`
	}

	t := &ifs{}
	err := json.Unmarshal(in, t)
	if err != nil {
		return err
	}

	var ff set
	switch t.Kind {
	case KindDataRecord:
		dfs := &DataSet{}
		err = json.Unmarshal(t.Records, &dfs.Records)
		if err != nil {
			break
		}
		ff = dfs
	case KindTemplateRecord:
		tfs := &TemplateSet{}
		err = json.Unmarshal(t.Records, &tfs.Records)
		if err != nil {
			break
		}
		ff = tfs
	case KindOptionsTemplateRecord:
		iotfs := &OptionsTemplateSet{}
		err = json.Unmarshal(t.Records, &iotfs.Records)
		if err != nil {
			break
		}
		ff = iotfs
	}
	if err != nil {
		return fmt.Errorf("failed to unmarshal into Records, %w", err)
	}

	*s = Set{
		SetHeader: t.SetHeader,
		Kind:      t.Kind,
		Set:       ff,
	}
	return nil
}

type DataSet struct {
	Records []DataRecord `json:"records,omitempty" yaml:"records,omitempty"`

	fieldCache    FieldCache
	templateCache TemplateCache

	template *Template
}

func (d *DataSet) String() string {
	sl := make([]string, 0, len(d.Records))
	for _, dr := range d.Records {
		sl = append(sl, dr.String())
	}

	return fmt.Sprintf("%v", sl)
}

func (d *DataSet) Length() int {
	return len(d.Records)
}

func (d *DataSet) Encode(w io.Writer) (n int, err error) {
	for _, r := range d.Records {
		rn, err := r.Encode(w)
		n += rn
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

func (d *DataSet) With(t *Template) *DataSet {
	d.template = t
	return d
}

func (d *DataSet) Decode(r io.Reader) (n int, err error) {
	if d.template == nil {
		return 0, errors.New("no template bound to data record")
	}

	// Sets are padded with NUL octets so that their encoded length is a multiple
	// of 4 octets (RFC 7011 section 3.3.2). The padding is indistinguishable from
	// a truncated record by the io.EOF based loop below, so bound the loop using
	// the template's minimum record footprint and treat whatever remains once
	// fewer bytes than that are left as trailing paddingOctets to discard.
	buf, isBuffer := r.(*bytes.Buffer)
	minLen := minRecordLength(templateFields(d.template))

	for {
		if isBuffer && minLen > 0 && buf.Len() < minLen {
			break
		}

		dr := DataRecord{
			template:   d.template,
			TemplateId: d.template.TemplateId,
		}
		m, err := dr.Decode(r)
		n += m
		if err != nil && err == io.EOF {
			return n, err
		}
		d.Records = append(d.Records, dr)
		if err == io.EOF {
			break
		}
	}

	return
}

// templateFields returns the flattened field list a template describes, i.e. a
// regular template's Fields, or an options template's Scopes followed by Options.
func templateFields(t *Template) []Field {
	switch r := t.Record.(type) {
	case *TemplateRecord:
		return r.Fields
	case *OptionsTemplateRecord:
		fs := make([]Field, 0, len(r.Scopes)+len(r.Options))
		fs = append(fs, r.Scopes...)
		fs = append(fs, r.Options...)
		return fs
	default:
		return nil
	}
}

// minRecordLength computes the smallest number of octets a single data record
// described by fields can occupy on the wire. Fixed-length fields contribute
// their declared length; variable-length fields contribute their 1-octet
// length prefix, the minimum possible encoding.
func minRecordLength(fields []Field) int {
	total := 0
	for _, f := range fields {
		l := f.Length()
		if IsVariableLength(l) {
			total += 1
		} else {
			total += int(l)
		}
	}
	return total
}

type TemplateSet struct {
	Records []TemplateRecord `json:"records,omitempty" yaml:"records,omitempty"`

	fieldCache    FieldCache
	templateCache TemplateCache
}

func (d *TemplateSet) String() string {
	sl := make([]string, 0, len(d.Records))
	for _, tr := range d.Records {
		sl = append(sl, tr.String())
	}
	return fmt.Sprintf("%v", sl)
}

func (d *TemplateSet) Length() int {
	return len(d.Records)
}

func (d *TemplateSet) Encode(w io.Writer) (n int, err error) {
	for _, r := range d.Records {
		rn, err := r.Encode(w)
		n += rn
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

func (d *TemplateSet) Decode(r io.Reader) (n int, err error) {
	d.Records = make([]TemplateRecord, 0)
	// "as long as there's set header data (Set ID, Length)"
	for {
		templateRecord := TemplateRecord{}

		m, err := templateRecord.Decode(r)
		n += m
		if err != nil {
			if err == io.EOF {
				break
			}
			return n, err
		}
		d.Records = append(d.Records, templateRecord)
	}
	return
}

type OptionsTemplateSet struct {
	Records []OptionsTemplateRecord `json:"records,omitempty" yaml:"records,omitempty"`

	fieldCache    FieldCache
	templateCache TemplateCache
}

func (d *OptionsTemplateSet) String() string {
	ss := make([]string, 0, len(d.Records))
	for _, otr := range d.Records {
		ss = append(ss, otr.String())
	}

	return fmt.Sprintf("%v", ss)
}

func (d *OptionsTemplateSet) Length() int {
	return len(d.Records)
}

func (d *OptionsTemplateSet) Encode(w io.Writer) (n int, err error) {
	for _, r := range d.Records {
		rn, err := r.Encode(w)
		n += rn
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

func (d *OptionsTemplateSet) Decode(r io.Reader) (n int, err error) {
	d.Records = make([]OptionsTemplateRecord, 0)
	for {
		record := OptionsTemplateRecord{}

		m, err := record.Decode(r)
		n += m
		if err != nil {
			if err == io.EOF {
				break
			}
			return n, err
		}
		d.Records = append(d.Records, record)
	}
	return
}

type set interface {
	fmt.Stringer

	Length() int

	Encode(io.Writer) (int, error)
	// Decode(io.Reader) (int, error)
}
