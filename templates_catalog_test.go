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
	"errors"
	"testing"
)

func TestTemplatesCatalog_UnmarshalJSON(t *testing.T) {
	raw := []byte(`{"256":{"fields":[{"name":"sourceIPv4Address"},{"name":"destinationIPv4Address"},{"name":"packetDeltaCount","length":4}]}}`)

	c := NewTemplatesCatalog()
	if err := json.Unmarshal(raw, c); err != nil {
		t.Fatalf("unmarshal failed, %v", err)
	}
	entry, ok := c.Templates[256]
	if !ok {
		t.Fatal("expected template 256 to be present")
	}
	if len(entry.Fields) != 3 {
		t.Fatalf("expected 3 fields, got %d", len(entry.Fields))
	}
}

func TestTemplatesCatalog_UnmarshalJSON_RejectsSubScopeTemplateId(t *testing.T) {
	raw := []byte(`{"10":{"fields":[{"name":"sourceIPv4Address"}]}}`)
	c := NewTemplatesCatalog()
	if err := json.Unmarshal(raw, c); err == nil {
		t.Fatal("expected an error for a catalog template id below 256")
	}
}

func TestEnterpriseAliases_Resolve(t *testing.T) {
	a := NewEnterpriseAliases()
	pen, err := a.Resolve("IANA")
	if err != nil {
		t.Fatalf("unexpected error resolving IANA alias, %v", err)
	}
	if pen != IANAEnterpriseId {
		t.Fatalf("expected IANA to resolve to %d, got %d", IANAEnterpriseId, pen)
	}

	if _, err := a.Resolve("nonexistent"); err == nil {
		t.Fatal("expected an error resolving an unregistered alias")
	}

	if pen, err := a.Resolve(""); err != nil || pen != IANAEnterpriseId {
		t.Fatalf("expected empty enterprise name to resolve to IANA, got pen=%d err=%v", pen, err)
	}
}

func TestTemplatesCatalog_InjectAll(t *testing.T) {
	ctx := context.Background()
	session := NewSession(nil)

	catalog := NewTemplatesCatalog()
	catalog.Templates[300] = CatalogTemplateEntry{
		Fields: []CatalogField{
			{Name: "sourceIPv4Address"},
			{Name: "destinationIPv4Address"},
		},
	}

	if err := catalog.InjectAll(ctx, session, Egress, 1, nil); err != nil {
		t.Fatalf("InjectAll failed, %v", err)
	}

	tpl, err := session.Domain(1).Egress.Templates.Get(ctx, NewKey(1, 300))
	if err != nil {
		t.Fatalf("expected template 300 to be installed, %v", err)
	}
	tr, ok := tpl.Record.(*TemplateRecord)
	if !ok {
		t.Fatalf("expected a *TemplateRecord, got %T", tpl.Record)
	}
	if len(tr.Fields) != 2 {
		t.Fatalf("expected 2 fields, got %d", len(tr.Fields))
	}
}

func TestTemplatesCatalog_InjectAllInto_Exporter(t *testing.T) {
	ctx := context.Background()
	exporter, err := NewExporter(ExporterConfig{ServerIP: "127.0.0.1", ServerPort: 14739}, nil)
	if err != nil {
		t.Fatalf("NewExporter failed, %v", err)
	}

	catalog := NewTemplatesCatalog()
	catalog.Templates[301] = CatalogTemplateEntry{
		Fields: []CatalogField{{Name: "sourceIPv4Address"}},
	}

	// InjectAllInto triggers an immediate refresh; with no socket dialed yet,
	// refreshTemplates is a no-op rather than an error.
	if err := catalog.InjectAllInto(ctx, exporter, 2, nil); err != nil {
		t.Fatalf("InjectAllInto failed, %v", err)
	}

	if _, err := exporter.Session().Domain(2).Egress.Templates.Get(ctx, NewKey(2, 301)); err != nil {
		t.Fatalf("expected template 301 to be installed on the exporter's session, %v", err)
	}
}

func TestTemplatesCatalog_InjectAllInto_RejectsUnknownEntity(t *testing.T) {
	catalog := NewTemplatesCatalog()
	err := catalog.InjectAllInto(context.Background(), "not an exporter", 1, nil)
	if err == nil {
		t.Fatal("expected InjectAllInto to return an error for an entity that is neither *Exporter nor *Collector")
	}
	if !errors.Is(err, ErrConfig) {
		t.Fatalf("expected a ConfigError, got %v", err)
	}
}
