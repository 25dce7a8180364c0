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
	"net"
	"testing"
)

func TestSession_DomainIsLazy(t *testing.T) {
	s := NewSession(nil)
	if len(s.Domains()) != 0 {
		t.Fatalf("expected no domains before first reference, got %d", len(s.Domains()))
	}

	d := s.Domain(42)
	if d.Id != 42 {
		t.Fatalf("expected domain id 42, got %d", d.Id)
	}
	if len(s.Domains()) != 1 {
		t.Fatalf("expected exactly one domain after first reference, got %d", len(s.Domains()))
	}
	if s.Domain(42) != d {
		t.Fatal("Domain must return the same instance for the same id")
	}
}

func TestSession_WriteThenReadMessage(t *testing.T) {
	ctx := context.Background()
	writer := NewSession(nil)

	var buf bytes.Buffer
	msg := &Message{ObservationDomainId: 9}
	if _, err := writer.WriteMessage(msg, &buf); err != nil {
		t.Fatalf("WriteMessage failed, %v", err)
	}
	if msg.SequenceNumber != 1 {
		t.Fatalf("expected WriteMessage to fill in sequence number 1, got %d", msg.SequenceNumber)
	}

	reader := NewSession(nil)

	var invoked bool
	reader.OnMessage(func(domain *ObservationDomain, m *Message, peer net.Addr) {
		invoked = true
	})

	decoded, err := reader.ReadMessage(ctx, bytes.NewBuffer(buf.Bytes()), nil)
	if err != nil {
		t.Fatalf("ReadMessage failed, %v", err)
	}
	if decoded.ObservationDomainId != 9 {
		t.Fatalf("expected observation domain id 9, got %d", decoded.ObservationDomainId)
	}
	if n := reader.Domain(9).Ingest.Sequencer.Next(); n != 1 {
		t.Fatalf("a zero-data-record message must not advance the ingest sequencer, got next=%d", n)
	}
	_ = invoked
}

func TestSession_OnMessagePanicIsRecovered(t *testing.T) {
	ctx := context.Background()
	writer := NewSession(nil)

	var buf bytes.Buffer
	if _, err := writer.WriteMessage(&Message{ObservationDomainId: 1}, &buf); err != nil {
		t.Fatalf("WriteMessage failed, %v", err)
	}

	reader := NewSession(nil)
	reader.OnMessage(func(domain *ObservationDomain, m *Message, peer net.Addr) {
		panic("boom")
	})

	if _, err := reader.ReadMessage(ctx, bytes.NewBuffer(buf.Bytes()), nil); err != nil {
		t.Fatalf("a panicking OnMessage callback must not surface as a ReadMessage error, got %v", err)
	}
}
