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
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"
)

// Decoder is instantiated with a fieldManager and a templateManager
// such that it can decode IPFIX packets into Records containing fields
// and additionally learn new fields and templates.
type Decoder struct {
	// fieldManager stores and manages field definitions for IEs to decode into. It is injected into the decoder at creation.
	// Particularly, fieldManager is able to learn new fields from options templates and subsequent data records.
	fieldManager FieldCache

	// templateManager stores and manages templates. It is injected into the decoder at creation
	templateManager TemplateCache

	// installTemplate persists a template decoded off the wire into
	// templateManager. It defaults to templateManager.Add directly, but
	// Session overrides it via WithTemplateInstaller to route installs
	// through an ObservationDomain's DirectionTables.Install instead, so the
	// TemplateIdCollision invariant (section 4.9) is enforced on the ingest
	// path the same way it already is on egress.
	installTemplate func(ctx context.Context, key TemplateKey, tpl *Template) error

	completionHook completionHook

	options DecoderOptions

	metrics *decoderMetrics
}

type DecoderOptions struct {
	OmitRFC5610Records bool
}

var (
	DefaultDecoderOptions = DecoderOptions{
		OmitRFC5610Records: false,
	}
)

func (o *DecoderOptions) Merge(opts ...DecoderOptions) {
	for _, opt := range opts {
		o.OmitRFC5610Records = o.OmitRFC5610Records || opt.OmitRFC5610Records
	}
}

type completionHook func(*decoderMetrics)

type decoderMetrics struct {
	TotalLength    int64 `json:"total_length,omitempty"`
	DecodedSets    int64 `json:"decoded_messages,omitempty"`
	DecodedRecords int64 `json:"decoded_records,omitempty"`
	DroppedRecords int64 `json:"dropped_records,omitempty"`
}

// NewDecoder creates a new Decoder for a given template cache and field manager
func NewDecoder(templates TemplateCache, fields FieldCache, opts ...DecoderOptions) *Decoder {
	options := DefaultDecoderOptions
	options.Merge(opts...)

	d := &Decoder{
		fieldManager:    fields,
		templateManager: templates,
		options:         options,
		metrics:         &decoderMetrics{},
	}
	d.installTemplate = func(ctx context.Context, key TemplateKey, tpl *Template) error {
		return d.templateManager.Add(ctx, key, tpl)
	}

	d.initMetrics()

	return d
}

func (d *Decoder) WithCompletionHook(hook func(*decoderMetrics)) *Decoder {
	d.completionHook = hook
	return d
}

// WithTemplateInstaller overrides how a template decoded off the wire is
// persisted, so a caller that needs collision enforcement across the
// regular/options template tables of a direction (Session, for its ingest
// path) can route installs through DirectionTables.Install instead of the
// cache's bare Add.
func (d *Decoder) WithTemplateInstaller(installer func(ctx context.Context, key TemplateKey, tpl *Template) error) *Decoder {
	d.installTemplate = installer
	return d
}

// Decode takes payload as a buffer and consumes it to construct an IPFIX packet
// containing records containing decoded fields.
func (d *Decoder) Decode(ctx context.Context, payload *bytes.Buffer) (msg *Message, err error) {
	decoderStart := time.Now()

	// update metrics at the end of decoding depending on the outcome
	defer func() {
		DurationMicroseconds.Observe(float64(time.Since(decoderStart).Nanoseconds()) / 1000) // use nanoseconds for higher precision and then convert it back to microseconds
		PacketsTotal.Inc()
		if err != nil {
			ErrorsTotal.Inc()
		}
	}()

	defer func() {
		if d.completionHook != nil {
			d.completionHook(d.metrics)
		}
		d.resetMetrics()
	}()

	if d.templateManager == nil {
		return nil, errors.New("used decoder before template cache was initialized")
	}

	msg = &Message{}
	n, err := msg.Decode(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to read IPFIX packet header, %w", err)
	}
	d.metrics.TotalLength += int64(n) // IPFIX header length

	for i := 1; payload.Len() > 0; i++ {
		// set decoding loop
		h := SetHeader{}
		_, err := h.Decode(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to read SetHeader, %w", err)
		}
		d.metrics.TotalLength += 4
		// offset is the number of bytes in the record's payload without the
		// 4 header (2x2 bytes, templateId and set length) bytes included
		// by the protocol in the length field; binary.Size(h) captures exactly
		// that inclusion
		offset := int(h.Length) - binary.Size(h)
		if offset < 0 {
			return nil, fmt.Errorf("%w: set %d declares length %d shorter than its header", ErrMalformedSet, i, h.Length)
		}
		d.metrics.TotalLength += int64(offset)

		var set Set

		// create a fresh buffer with only the bytes of the set contents
		// TODO(zoomoid): this does some copying, and we currently cannot ensure that
		// the safety constraints of the slices are kept
		tr := bytes.NewBuffer(payload.Next(offset))

		if h.Id == IPFIX {
			// IPFIX template set
			ts := TemplateSet{
				fieldCache:    d.fieldManager,
				templateCache: d.templateManager,
			}
			_, err = ts.Decode(tr)
			if err != nil {
				return msg, fmt.Errorf("failed to decode template set at index %d, %w", i, err)
			}
			d.metrics.DecodedRecords += int64(len(ts.Records))

			set = Set{
				SetHeader: h,
				Kind:      KindTemplateRecord,
				Set:       &ts,
			}

			for _, record := range ts.Records {
				r := record // TODO(zoomoid): waiting on https://go.dev/blog/loopvar-preview
				err = d.installTemplate(ctx, TemplateKey{
					ObservationDomainId: msg.ObservationDomainId,
					TemplateId:          record.TemplateId,
				}, &Template{
					TemplateMetadata: &TemplateMetadata{
						TemplateId:          h.Id,
						ObservationDomainId: msg.ObservationDomainId,
						CreationTimestamp:   time.Now(),
					},
					Record: &r,
				})
				if err != nil {
					return msg, fmt.Errorf("failed to install template %d for observation domain %d, %w", record.TemplateId, msg.ObservationDomainId, err)
				}
			}
		} else if h.Id == IPFIXOptions {
			ots := &OptionsTemplateSet{
				templateCache: d.templateManager,
				fieldCache:    d.fieldManager,
			}

			// ipfix options template set
			_, err := ots.Decode(tr)
			if err != nil {
				return msg, fmt.Errorf("failed to decode options template set %d, %w", i, err)
			}
			d.metrics.DecodedRecords += int64(len(ots.Records))

			set = Set{
				SetHeader: h,
				Kind:      KindOptionsTemplateRecord,
				Set:       ots,
			}

			for _, record := range ots.Records {
				r := record // TODO(zoomoid): waiting on https://go.dev/blog/loopvar-preview
				err = d.installTemplate(ctx, TemplateKey{
					ObservationDomainId: msg.ObservationDomainId,
					TemplateId:          record.TemplateId,
				}, &Template{
					TemplateMetadata: &TemplateMetadata{
						TemplateId:          h.Id,
						ObservationDomainId: msg.ObservationDomainId,
						CreationTimestamp:   time.Now(),
					},
					Record: &r,
				})
				if err != nil {
					return msg, fmt.Errorf("failed to install options template %d for observation domain %d, %w", record.TemplateId, msg.ObservationDomainId, err)
				}
			}
		} else if h.Id >= 256 {
			// Ids lower than 256 are reserved and not to be used for template definition
			ds := &DataSet{
				fieldCache:    d.fieldManager,
				templateCache: d.templateManager,
			}

			template, err := d.templateManager.Get(context.TODO(), TemplateKey{
				ObservationDomainId: msg.ObservationDomainId,
				TemplateId:          h.Id,
			})
			if err != nil {
				// RFC 7011 section 3.4.3: a data set for a template not yet
				// known in this observation domain is skipped, not fatal. The
				// set's bytes were already sliced out of payload above via
				// payload.Next(offset), so message framing is preserved even
				// though this set's contents are discarded.
				FromContext(ctx).Info("skipping data set for unknown template",
					"templateId", h.Id, "observationDomainId", msg.ObservationDomainId)
				continue
			}

			_, err = ds.With(template).Decode(tr)
			if err != nil {
				return msg, err
			}

			set = Set{
				SetHeader: h,
				Kind:      KindDataRecord,
				Set:       ds,
			}
		} else {
			return msg, UnknownFlowId(h.Id)
		}

		d.metrics.DecodedSets++

		DecodedSets.WithLabelValues(set.Kind).Inc()
		DecodedRecords.WithLabelValues(set.Kind).Add(float64(d.metrics.DecodedRecords))
		DroppedRecords.WithLabelValues(set.Kind).Add(float64(d.metrics.DroppedRecords))

		msg.Sets = append(msg.Sets, set)
	}

	return
}

// decodeTemplateField reads from a buffer reference to decode a field. It decodes the field's id
// first, and then looks up the FieldBuilder prototype for the field for
// further decoding the data type accordingly. It injects managers and the length decoded from
// the template. Note that for variable-length encoded fields have length of 0xFFFF set, and
// the actual length is only decoded as soon as Field.Decode() is called on VariableLengthField.
//
// decodeTemplateField is effectively only used by decoding methods for Templates and OptionsTemplates.
// Decoding data records is done in DecodeUsingTemplate with a slice of Fields.
func decodeTemplateField(r io.Reader, fieldCache FieldCache, templateCache TemplateCache) (Field, error) {
	var rawFieldId, fieldId, fieldLength uint16
	var enterpriseId uint32
	var reverse bool

	err := binary.Read(r, binary.BigEndian, &rawFieldId)
	if err != nil {
		return nil, err
	}

	penMask := uint16(0x8000)
	fieldId = (^penMask) & rawFieldId

	// length announcement via the template: this is either fixed or variable (i.e., 0xFFFF).
	// The FieldBuilder will therefore either create a fixed-length or variable-length field
	// on FieldBuilder.Complete()
	err = binary.Read(r, binary.BigEndian, &fieldLength)
	if err != nil {
		return nil, err
	}

	// private enterprise number parsing
	if rawFieldId >= 0x8000 {
		// first bit is 1, therefore this is a enterprise-specific IE
		err = binary.Read(r, binary.BigEndian, &enterpriseId)
		if err != nil {
			return nil, err
		}

		if enterpriseId == ReversePEN && Reversible(fieldId) {
			reverse = true
			// clear enterprise id, because this would obscure lookup
			enterpriseId = 0
		}
	}

	fieldBuilder, err := fieldCache.GetBuilder(context.TODO(), NewFieldKey(enterpriseId, fieldId))
	if err != nil {
		return nil, err
	}

	return fieldBuilder.
		SetLength(fieldLength).
		SetPEN(enterpriseId).
		SetReversed(reverse).
		SetFieldManager(fieldCache).
		SetTemplateManager(templateCache).
		Complete(), nil
}

func (d *Decoder) initMetrics() {
	// set this so that we don't get too many empty data points in prometheus
	PacketsTotal.Add(0)
	ErrorsTotal.Add(0)
	DurationMicroseconds.Observe(0)
	for _, kind := range []string{KindDataRecord, KindTemplateRecord, KindOptionsTemplateRecord} {
		DecodedSets.WithLabelValues(kind).Add(0)
		DecodedRecords.WithLabelValues(kind).Add(0)
		DroppedRecords.WithLabelValues(kind).Add(0)
	}
}

func (d *Decoder) resetMetrics() {
	d.metrics = &decoderMetrics{
		TotalLength:    0,
		DecodedSets:    0,
		DecodedRecords: 0,
		DroppedRecords: 0,
	}
}
