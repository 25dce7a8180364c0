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
	"fmt"
	"sync"
)

// ExporterPool manages a set of independently configured Exporters, each
// identified by a caller-chosen exporterId. This serves a process that must
// export the same or related observation domains to several distinct peers
// at once, e.g. a mediator fanning a single measurement feed out to multiple
// collectors, each on their own refresh cadence and peer address.
//
// ExporterPool is a thin supervisor: every member Exporter owns its own
// Session, sockets, and timer, so a slow or unreachable peer in the pool
// cannot block delivery to the others.
type ExporterPool struct {
	mu        sync.Mutex
	template  ExporterConfig
	exporters map[uint32]*Exporter
}

// NewExporterPool returns an empty ExporterPool that stamps every Exporter
// added via Add with template's TemplateRefreshTimeout and Transport,
// overriding only ServerIP and ServerPort per member.
func NewExporterPool(template ExporterConfig) *ExporterPool {
	return &ExporterPool{
		template:  template,
		exporters: make(map[uint32]*Exporter),
	}
}

// Has reports whether exporterId is currently a member of the pool.
func (p *ExporterPool) Has(exporterId uint32) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.exporters[exporterId]
	return ok
}

// Add creates, starts, and registers a new Exporter bound to (serverIP,
// serverPort) under exporterId. Adding an id that already exists is an error.
func (p *ExporterPool) Add(ctx context.Context, exporterId uint32, serverIP string, serverPort uint16) error {
	p.mu.Lock()
	if _, exists := p.exporters[exporterId]; exists {
		p.mu.Unlock()
		return fmt.Errorf("exporter %d already exists in pool", exporterId)
	}
	config := p.template
	config.ServerIP = serverIP
	config.ServerPort = serverPort
	p.mu.Unlock()

	exporter, err := NewExporter(config, nil)
	if err != nil {
		return fmt.Errorf("exporter %d: %w", exporterId, err)
	}
	if err := exporter.Start(ctx); err != nil {
		return fmt.Errorf("exporter %d: %w", exporterId, err)
	}

	p.mu.Lock()
	p.exporters[exporterId] = exporter
	p.mu.Unlock()
	return nil
}

// Get returns the Exporter registered under exporterId.
func (p *ExporterPool) Get(exporterId uint32) (*Exporter, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.exporters[exporterId]
	if !ok {
		return nil, fmt.Errorf("exporter %d does not exist in pool", exporterId)
	}
	return e, nil
}

// Remove stops and unregisters the Exporter identified by exporterId.
func (p *ExporterPool) Remove(exporterId uint32) error {
	p.mu.Lock()
	e, ok := p.exporters[exporterId]
	if !ok {
		p.mu.Unlock()
		return fmt.Errorf("exporter %d does not exist in pool", exporterId)
	}
	delete(p.exporters, exporterId)
	p.mu.Unlock()

	e.Stop()
	return nil
}

// Stop stops and removes every Exporter currently in the pool.
func (p *ExporterPool) Stop() {
	p.mu.Lock()
	ids := make([]uint32, 0, len(p.exporters))
	for id := range p.exporters {
		ids = append(ids, id)
	}
	p.mu.Unlock()

	for _, id := range ids {
		_ = p.Remove(id)
	}
}
