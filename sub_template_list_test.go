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
	"testing"
)

func TestSubTemplateList_Decode_RejectsReservedSemantic(t *testing.T) {
	body := []byte{200, 0, 1}
	stl := &SubTemplateList{
		length:          3,
		templateManager: NewDefaultEphemeralCache(),
	}
	if err := stl.Decode(bytes.NewBuffer(body)); !errors.Is(err, ErrInvalidSemantic) {
		t.Fatalf("expected ErrInvalidSemantic, got %v", err)
	}
}

func TestSubTemplateList_Decode_RecursionLimit(t *testing.T) {
	stl := &SubTemplateList{
		depth: maxRecursionDepth + 1,
	}
	if err := stl.Decode(bytes.NewBuffer(nil)); !errors.Is(err, ErrRecursionLimit) {
		t.Fatalf("expected ErrRecursionLimit, got %v", err)
	}
}

func TestSubTemplateList_Decode_SkipsUnknownTemplate(t *testing.T) {
	body := make([]byte, 0, 5)
	body = append(body, byte(SemanticAllOf))
	body = binary.BigEndian.AppendUint16(body, 999) // unknown template id
	body = append(body, 0xAA, 0xBB)                 // arbitrary payload to be skipped

	stl := &SubTemplateList{
		length:          5, // header (3) + 2 payload bytes
		templateManager: NewDefaultEphemeralCache(),
	}

	if err := stl.Decode(bytes.NewBuffer(body)); err != nil {
		t.Fatalf("expected an unknown referenced template to be skipped without error, got %v", err)
	}
	if len(stl.value) != 0 {
		t.Fatalf("expected no decoded records for an unknown template, got %d", len(stl.value))
	}
}

func TestSubTemplateList_Decode_EmptyList(t *testing.T) {
	body := []byte{byte(SemanticOrdered), 0x01, 0x2c} // semantic + template id 300
	templateManager := NewDefaultEphemeralCache()
	iana := iana()
	templateManager.Add(context.Background(), NewKey(0, 300), &Template{
		TemplateMetadata: &TemplateMetadata{TemplateId: 300},
		Record: &TemplateRecord{
			TemplateId: 300,
			Fields:     []Field{NewFieldBuilder(iana[8]).SetLength(4).Complete()},
		},
	})

	stl := &SubTemplateList{
		length:          3, // header only, no records
		templateManager: templateManager,
	}

	if err := stl.Decode(bytes.NewBuffer(body)); err != nil {
		t.Fatalf("unexpected error decoding an empty subTemplateList, %v", err)
	}
	if len(stl.value) != 0 {
		t.Fatalf("expected zero records, got %d", len(stl.value))
	}
}
