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
	"errors"
	"testing"
)

func TestObservationDomain(t *testing.T) {
	t.Run("NewObservationDomain starts with fresh sequencers", func(t *testing.T) {
		od := NewObservationDomain(1)
		if n := od.Ingest.Sequencer.Next(); n != 1 {
			t.Fatalf("expected ingest sequencer to start at 1, got %d", n)
		}
		if n := od.Egress.Sequencer.Next(); n != 1 {
			t.Fatalf("expected egress sequencer to start at 1, got %d", n)
		}
	})

	t.Run("Install rejects a kind collision between template tables", func(t *testing.T) {
		ctx := context.Background()
		od := NewObservationDomain(7)
		key := NewKey(7, 300)

		tr := &Template{
			TemplateMetadata: &TemplateMetadata{TemplateId: 300, ObservationDomainId: 7},
			Record:           &TemplateRecord{TemplateId: 300, Fields: []Field{}},
		}
		if err := od.Ingest.Install(ctx, 7, key, tr); err != nil {
			t.Fatalf("unexpected error installing regular template, %v", err)
		}

		otr := &Template{
			TemplateMetadata: &TemplateMetadata{TemplateId: 300, ObservationDomainId: 7},
			Record:           &OptionsTemplateRecord{TemplateId: 300, ScopeFieldCount: 1, Scopes: []Field{}, Options: []Field{}},
		}
		err := od.Ingest.Install(ctx, 7, key, otr)
		if err == nil {
			t.Fatal("expected TemplateIdCollision installing an options template at a key already bound to a regular template")
		}
		if !errors.Is(err, ErrTemplateIdCollision) {
			t.Fatalf("expected ErrTemplateIdCollision, got %v", err)
		}
	})

	t.Run("Install allows replacing a template of the same kind", func(t *testing.T) {
		ctx := context.Background()
		od := NewObservationDomain(7)
		key := NewKey(7, 300)

		first := &Template{
			TemplateMetadata: &TemplateMetadata{TemplateId: 300, ObservationDomainId: 7},
			Record:           &TemplateRecord{TemplateId: 300, Fields: []Field{}},
		}
		second := &Template{
			TemplateMetadata: &TemplateMetadata{TemplateId: 300, ObservationDomainId: 7},
			Record:           &TemplateRecord{TemplateId: 300, Fields: []Field{}},
		}

		if err := od.Egress.Install(ctx, 7, key, first); err != nil {
			t.Fatalf("unexpected error on first install, %v", err)
		}
		if err := od.Egress.Install(ctx, 7, key, second); err != nil {
			t.Fatalf("replacing a template of the same kind must succeed, got %v", err)
		}
	})

	t.Run("direction selects the right table", func(t *testing.T) {
		od := NewObservationDomain(1)
		if od.direction(Ingest) != od.Ingest {
			t.Fatal("direction(Ingest) must return od.Ingest")
		}
		if od.direction(Egress) != od.Egress {
			t.Fatal("direction(Egress) must return od.Egress")
		}
	})

	t.Run("countDataRecords sums across data sets only", func(t *testing.T) {
		msg := &Message{
			Sets: []Set{
				{Kind: KindTemplateRecord, Set: &TemplateSet{Records: []TemplateRecord{{TemplateId: 300}}}},
				{Kind: KindDataRecord, Set: &DataSet{Records: []DataRecord{{}, {}}}},
				{Kind: KindDataRecord, Set: &DataSet{Records: []DataRecord{{}}}},
			},
		}
		if n := countDataRecords(msg); n != 3 {
			t.Fatalf("expected 3 data records, got %d", n)
		}
	})
}
