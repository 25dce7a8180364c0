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
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

// observationDomainIdOffset is the byte offset of the observation domain id
// within an IPFIX message header (RFC 7011 section 3.1): version (2) + length
// (2) + export time (4) + sequence number (4).
const observationDomainIdOffset = 12

// OnMessageFunc is the callback a Session invokes once a Message has been
// fully decoded and its template sets installed into the domain's ingest
// tables. peer carries the address the datagram arrived from, as reported by
// the transport.
type OnMessageFunc func(domain *ObservationDomain, msg *Message, peer net.Addr)

// Session dispatches decoded IPFIX messages across observation domains. A
// domain is created lazily on first reference by either ReadMessage or
// WriteMessage, keyed by the observation domain id carried in the message
// itself: per RFC 7011 section 3.1, template ids and sequence numbers are
// only meaningful within a single observation domain, so a collector or
// exporter speaking to many domains at once needs independent state for each.
//
// A Session is safe for concurrent use; ReadMessage is typically invoked from
// a Collector's single receive worker, while WriteMessage is invoked from
// user code and an Exporter's template refresh worker.
type Session struct {
	mu      sync.Mutex
	domains map[uint32]*ObservationDomain

	fields FieldCache

	onMessage OnMessageFunc
}

// NewSession creates a Session backed by fields for resolving information
// elements referenced by incoming field specifiers. If fields is nil, a
// fresh FieldCache seeded with the IANA registry is used.
func NewSession(fields FieldCache) *Session {
	if fields == nil {
		fields = newIPFIXFieldManager(NewDefaultEphemeralCache())
	}
	return &Session{
		domains: make(map[uint32]*ObservationDomain),
		fields:  fields,
	}
}

// OnMessage registers the callback invoked by ReadMessage once a Message has
// been decoded. Only a single callback is supported, matching the single
// receivedMessage(domain, message, peer) surface of the engine; calling
// OnMessage again replaces the previous callback.
func (s *Session) OnMessage(f OnMessageFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onMessage = f
}

// Domain returns the ObservationDomain for id, creating it on first
// reference.
func (s *Session) Domain(id uint32) *ObservationDomain {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.domains[id]
	if !ok {
		d = NewObservationDomain(id)
		s.domains[id] = d
	}
	return d
}

// Domains returns a snapshot of every observation domain the Session has
// created so far, keyed by observation domain id.
func (s *Session) Domains() map[uint32]*ObservationDomain {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[uint32]*ObservationDomain, len(s.domains))
	for k, v := range s.domains {
		out[k] = v
	}
	return out
}

// Fields returns the FieldCache shared by every domain's decoder.
func (s *Session) Fields() FieldCache {
	return s.fields
}

// peekObservationDomainId reads the observation domain id out of an IPFIX
// message header without consuming it, so the right domain's ingest template
// table can be selected before Decode actually parses the message.
func peekObservationDomainId(b []byte) (uint32, error) {
	if len(b) < observationDomainIdOffset+4 {
		return 0, io.ErrUnexpectedEOF
	}
	return binary.BigEndian.Uint32(b[observationDomainIdOffset : observationDomainIdOffset+4]), nil
}

// ReadMessage decodes a single Message out of payload, received from peer.
// Decoding resolves field specifiers and records against the message's
// observation domain, whose ingest template tables are updated in place as
// template and options template sets are encountered, in message order, per
// RFC 7011 section 3.4.4. Once decoding completes, the domain's ingest
// Sequencer is advanced by the message's data record count and the
// registered OnMessage callback, if any, is invoked. A panic inside the
// callback is recovered and logged rather than propagated to the caller.
func (s *Session) ReadMessage(ctx context.Context, payload *bytes.Buffer, peer net.Addr) (*Message, error) {
	domainId, err := peekObservationDomainId(payload.Bytes())
	if err != nil {
		return nil, fmt.Errorf("failed to read observation domain id from message header, %w", err)
	}

	domain := s.Domain(domainId)

	dec := NewDecoder(domain.Ingest.Templates, s.fields).
		WithTemplateInstaller(func(ctx context.Context, key TemplateKey, tpl *Template) error {
			return domain.Ingest.Install(ctx, domain.Id, key, tpl)
		})
	msg, err := dec.Decode(ctx, payload)
	if err != nil {
		return msg, err
	}

	domain.Ingest.Sequencer.Advance(uint32(countDataRecords(msg)), exportTimeOf(msg))

	s.mu.Lock()
	cb := s.onMessage
	s.mu.Unlock()

	if cb != nil {
		s.invokeCallback(ctx, domain, msg, peer, cb)
	}

	return msg, nil
}

// invokeCallback runs cb, recovering and logging any panic so that a single
// malformed or buggy callback invocation cannot take down the receive loop
// it was invoked from.
func (s *Session) invokeCallback(ctx context.Context, domain *ObservationDomain, msg *Message, peer net.Addr, cb OnMessageFunc) {
	defer func() {
		if r := recover(); r != nil {
			FromContext(ctx).Error(fmt.Errorf("%v", r), "recovered panic in session OnMessage callback",
				"observationDomainId", domain.Id)
		}
	}()
	cb(domain, msg, peer)
}

// WriteMessage encodes msg to w. If msg.SequenceNumber is unset, it is filled
// in from the egress Sequencer of msg's observation domain; if
// msg.ExportTime is unset, it is filled in with the current UTC time. Once
// encoding succeeds, the domain's egress Sequencer is advanced by the
// message's data record count.
func (s *Session) WriteMessage(msg *Message, w io.Writer) (int, error) {
	domain := s.Domain(msg.ObservationDomainId)

	if msg.SequenceNumber == 0 {
		msg.SequenceNumber = domain.Egress.Sequencer.Next()
	}
	if msg.ExportTime == 0 {
		msg.ExportTime = uint32(time.Now().UTC().Unix())
	}
	msg.Version = 10

	n, err := msg.Encode(w)
	if err != nil {
		return n, err
	}

	domain.Egress.Sequencer.Advance(uint32(countDataRecords(msg)), exportTimeOf(msg))
	return n, nil
}

// exportTimeOf converts a Message's export time field to a UTC time.Time.
func exportTimeOf(msg *Message) time.Time {
	return time.Unix(int64(msg.ExportTime), 0).UTC()
}
