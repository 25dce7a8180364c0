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
	"sync"
	"time"
)

// Sequencer tracks the monotonic data record count and export time carried by
// Messages flowing through one direction (ingest or egress) of an observation
// domain, per RFC 7011 section 3.1. The first message of a session carries
// sequence number 1; each subsequent message's sequence number is 1 plus the
// running total of data records in every prior message.
//
// Sequencer is safe for concurrent use; an observation domain shares a single
// instance per direction across however many goroutines touch its tables.
type Sequencer struct {
	mu sync.Mutex

	nextSequenceNumber uint32
	lastExportTime     time.Time
}

// NewSequencer returns a Sequencer initialized to the state of a fresh
// observation domain: next sequence number 1, last export time at the epoch.
func NewSequencer() *Sequencer {
	return &Sequencer{
		nextSequenceNumber: 1,
		lastExportTime:     time.Unix(0, 0).UTC(),
	}
}

// Next returns the sequence number to stamp on the next outgoing or just-received
// message, without advancing state. Use Advance once the message's data record
// count is known to move the counter forward.
func (s *Sequencer) Next() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextSequenceNumber
}

// Advance records that a message carrying dataRecords data records and export
// time exportTime has been produced or consumed, moving nextSequenceNumber
// forward by dataRecords and keeping lastExportTime at the latest export time
// observed. Messages are accepted out of order or with a backward-moving
// export time, consistent with UDP semantics: Advance never rejects a call,
// it only ever grows nextSequenceNumber and lastExportTime.
func (s *Sequencer) Advance(dataRecords uint32, exportTime time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextSequenceNumber += dataRecords
	if exportTime.After(s.lastExportTime) {
		s.lastExportTime = exportTime
	}
}

// LastExportTime returns the latest export time observed by Advance.
func (s *Sequencer) LastExportTime() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastExportTime
}
