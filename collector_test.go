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
	"net"
	"sync"
	"testing"
	"time"
)

func TestCollectorConfig_Validate(t *testing.T) {
	cases := []struct {
		name    string
		config  CollectorConfig
		wantErr bool
	}{
		{"defaults transport to udp", CollectorConfig{ListenPort: 4739}, false},
		{"rejects unsupported transport", CollectorConfig{ListenPort: 4739, Transport: "tcp"}, true},
		{"rejects zero port", CollectorConfig{}, true},
		{"rejects invalid listen ip", CollectorConfig{ListenPort: 4739, ListenIP: "not-an-ip"}, true},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			err := c.config.validate()
			if c.wantErr && err == nil {
				t.Fatal("expected a validation error, got nil")
			}
			if !c.wantErr && err != nil {
				t.Fatalf("unexpected validation error, %v", err)
			}
		})
	}
}

func TestCollector_ReceivesAndDecodesFromExporter(t *testing.T) {
	_, collectorPort := freeUDPPort(t)

	collector, err := NewCollector(CollectorConfig{ListenIP: "127.0.0.1", ListenPort: collectorPort}, nil)
	if err != nil {
		t.Fatalf("NewCollector failed, %v", err)
	}

	var mu sync.Mutex
	received := 0
	collector.Session().OnMessage(func(domain *ObservationDomain, msg *Message, peer net.Addr) {
		mu.Lock()
		received++
		mu.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := collector.Start(ctx); err != nil {
		t.Fatalf("Collector.Start failed, %v", err)
	}
	defer collector.Stop()

	exporter, err := NewExporter(ExporterConfig{ServerIP: "127.0.0.1", ServerPort: collectorPort}, nil)
	if err != nil {
		t.Fatalf("NewExporter failed, %v", err)
	}

	catalog := NewTemplatesCatalog()
	catalog.Templates[302] = CatalogTemplateEntry{
		Fields: []CatalogField{{Name: "sourceIPv4Address"}},
	}
	if err := catalog.InjectAll(ctx, exporter.Session(), Egress, 0, nil); err != nil {
		t.Fatalf("InjectAll failed, %v", err)
	}

	if err := exporter.Start(ctx); err != nil {
		t.Fatalf("Exporter.Start failed, %v", err)
	}
	defer exporter.Stop()

	if err := exporter.refreshTemplates(ctx); err != nil {
		t.Fatalf("refreshTemplates failed, %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := received
		mu.Unlock()
		if n > 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("collector did not observe any message from the exporter within the deadline")
}
