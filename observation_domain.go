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
	"sync"
)

// DirectionTables holds the template table and Sequencer for one direction
// (ingest or egress) of a single observation domain. Ingest tables are
// mutated by a Session's receive path as template sets arrive on the wire;
// egress tables are mutated by local configuration, e.g. a TemplatesCatalog
// or a hand-built Template. Both are guarded by the same mutex, satisfying
// the single-mutex-per-domain-table requirement for concurrent access.
type DirectionTables struct {
	mu sync.Mutex

	// Templates stores both TemplateRecord- and OptionsTemplateRecord-backed
	// Templates, keyed by TemplateId within the owning observation domain.
	Templates TemplateCache

	Sequencer *Sequencer
}

func newDirectionTables() *DirectionTables {
	return &DirectionTables{
		Templates: NewDefaultEphemeralCache(),
		Sequencer: NewSequencer(),
	}
}

// resetSequencer replaces the direction's Sequencer with a freshly
// initialized one, used when an Exporter is reconfigured to a new peer for
// whom prior sequence numbers carry no meaning.
func (dt *DirectionTables) resetSequencer() {
	dt.mu.Lock()
	defer dt.mu.Unlock()
	dt.Sequencer = NewSequencer()
}

// Install adds tpl at key into the direction's template table, rejecting the
// install with TemplateIdCollision if key is already bound to a Template of a
// different kind (TemplateRecord vs OptionsTemplateRecord). Re-installing a
// key with a Template of the SAME kind but a different field layout succeeds
// and replaces the prior binding, per RFC 7011 section 8.1.
func (dt *DirectionTables) Install(ctx context.Context, domainId uint32, key TemplateKey, tpl *Template) error {
	dt.mu.Lock()
	defer dt.mu.Unlock()

	if existing, err := dt.Templates.Get(ctx, key); err == nil {
		if existing.Record.Type() != tpl.Record.Type() {
			return TemplateIdCollision(domainId, key.TemplateId)
		}
	}
	return dt.Templates.Add(ctx, key, tpl)
}

// ObservationDomain is the per-sender namespace described in RFC 7011 section
// 3.1: template ids and sequence numbers are only meaningful within a single
// observation domain. A domain tracks independent template tables and
// sequence state for the ingest (messages received) and egress (messages
// produced) directions, since a process acting as both exporter and
// collector for the same domain id must not conflate the two.
type ObservationDomain struct {
	Id uint32

	Ingest *DirectionTables
	Egress *DirectionTables
}

// NewObservationDomain creates an ObservationDomain with empty template
// tables and sequencers freshly initialized per RFC 7011 section 3.1 (next
// sequence number 1, last export time at the epoch).
func NewObservationDomain(id uint32) *ObservationDomain {
	return &ObservationDomain{
		Id:     id,
		Ingest: newDirectionTables(),
		Egress: newDirectionTables(),
	}
}

// direction selects one of a domain's DirectionTables by Direction.
func (od *ObservationDomain) direction(d Direction) *DirectionTables {
	if d == Egress {
		return od.Egress
	}
	return od.Ingest
}

// Direction distinguishes the ingest (received) and egress (produced) sides
// of an observation domain's template tables and sequencer.
type Direction int

const (
	Ingest Direction = iota
	Egress
)

func (d Direction) String() string {
	if d == Egress {
		return "egress"
	}
	return "ingest"
}

// countDataRecords returns the number of DataRecords carried by msg across
// all of its data sets, used to advance a Sequencer per RFC 7011 section 3.1.
func countDataRecords(msg *Message) int {
	n := 0
	for i := range msg.Sets {
		if msg.Sets[i].Kind != KindDataRecord {
			continue
		}
		if ds, ok := msg.Sets[i].Set.(*DataSet); ok {
			n += len(ds.Records)
		}
	}
	return n
}
