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
	"testing"
	"time"
)

func TestExporterConfig_Validate(t *testing.T) {
	cases := []struct {
		name    string
		config  ExporterConfig
		wantErr bool
	}{
		{"defaults transport to udp", ExporterConfig{ServerIP: "127.0.0.1", ServerPort: 4739}, false},
		{"rejects unsupported transport", ExporterConfig{ServerIP: "127.0.0.1", ServerPort: 4739, Transport: "tcp"}, true},
		{"rejects zero port", ExporterConfig{ServerIP: "127.0.0.1"}, true},
		{"rejects invalid server ip", ExporterConfig{ServerIP: "not-an-ip", ServerPort: 4739}, true},
		{"rejects invalid local ip", ExporterConfig{ServerIP: "127.0.0.1", ServerPort: 4739, LocalIP: "not-an-ip"}, true},
		{"rejects out-of-range refresh timeout", ExporterConfig{ServerIP: "127.0.0.1", ServerPort: 4739, TemplateRefreshTimeout: 999999}, true},
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

// freeUDPPort binds an ephemeral loopback UDP port, long enough to read its
// number back, then releases it for the Exporter under test to dial.
func freeUDPPort(t *testing.T) (string, uint16) {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	if err != nil {
		t.Fatalf("failed to reserve an ephemeral UDP port, %v", err)
	}
	addr := conn.LocalAddr().(*net.UDPAddr)
	conn.Close()
	return addr.IP.String(), uint16(addr.Port)
}

func TestExporter_StartStopIsIdempotent(t *testing.T) {
	ip, port := freeUDPPort(t)

	exporter, err := NewExporter(ExporterConfig{
		ServerIP:               ip,
		ServerPort:             port,
		TemplateRefreshTimeout: 1,
	}, nil)
	if err != nil {
		t.Fatalf("NewExporter failed, %v", err)
	}

	ctx := context.Background()
	if err := exporter.Start(ctx); err != nil {
		t.Fatalf("Start failed, %v", err)
	}
	if err := exporter.Start(ctx); err != nil {
		t.Fatalf("calling Start on a running Exporter must be a no-op, got %v", err)
	}

	exporter.Stop()
	exporter.Stop()
}

// TestExporter_StartSendsImmediateTemplateRefresh covers scenario F: Start
// must send a template refresh round at t=0 rather than waiting a full
// TemplateRefreshTimeout for the first ticker fire.
func TestExporter_StartSendsImmediateTemplateRefresh(t *testing.T) {
	listener, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	if err != nil {
		t.Fatalf("failed to open UDP listener, %v", err)
	}
	defer listener.Close()
	addr := listener.LocalAddr().(*net.UDPAddr)

	exporter, err := NewExporter(ExporterConfig{
		ServerIP:               addr.IP.String(),
		ServerPort:             uint16(addr.Port),
		TemplateRefreshTimeout: 3600,
	}, nil)
	if err != nil {
		t.Fatalf("NewExporter failed, %v", err)
	}

	ctx := context.Background()
	domain := exporter.Session().Domain(1)
	key := NewKey(1, 300)
	tpl := &Template{
		TemplateMetadata: &TemplateMetadata{TemplateId: 300, ObservationDomainId: 1},
		Record:           &TemplateRecord{TemplateId: 300, Fields: []Field{}},
	}
	if err := domain.Egress.Install(ctx, 1, key, tpl); err != nil {
		t.Fatalf("failed to install egress template ahead of Start, %v", err)
	}

	if err := exporter.Start(ctx); err != nil {
		t.Fatalf("Start failed, %v", err)
	}
	defer exporter.Stop()

	listener.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 2048)
	n, _, err := listener.ReadFromUDP(buf)
	if err != nil {
		t.Fatalf("expected a template refresh datagram immediately on Start, got error %v", err)
	}
	if n == 0 {
		t.Fatal("expected a non-empty template refresh datagram")
	}
}

func TestExporter_ReconfigureResetsEgressSequencer(t *testing.T) {
	ip, port := freeUDPPort(t)

	exporter, err := NewExporter(ExporterConfig{ServerIP: ip, ServerPort: port}, nil)
	if err != nil {
		t.Fatalf("NewExporter failed, %v", err)
	}

	domain := exporter.Session().Domain(5)
	domain.Egress.Sequencer.Advance(10, domain.Egress.Sequencer.LastExportTime())
	if n := domain.Egress.Sequencer.Next(); n != 11 {
		t.Fatalf("expected sequencer to have advanced to 11, got %d", n)
	}

	ip2, port2 := freeUDPPort(t)
	if err := exporter.Reconfigure(ip2, port2); err != nil {
		t.Fatalf("Reconfigure failed, %v", err)
	}

	if n := domain.Egress.Sequencer.Next(); n != 1 {
		t.Fatalf("expected Reconfigure to reset the egress sequencer to 1, got %d", n)
	}
}
