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
	"testing"
)

func TestExporterPool(t *testing.T) {
	ctx := context.Background()
	ip1, port1 := freeUDPPort(t)
	ip2, port2 := freeUDPPort(t)

	pool := NewExporterPool(ExporterConfig{TemplateRefreshTimeout: 60})

	if err := pool.Add(ctx, 1, ip1, port1); err != nil {
		t.Fatalf("Add(1) failed, %v", err)
	}
	if err := pool.Add(ctx, 2, ip2, port2); err != nil {
		t.Fatalf("Add(2) failed, %v", err)
	}
	defer pool.Stop()

	if !pool.Has(1) || !pool.Has(2) {
		t.Fatal("expected both exporters to be registered")
	}

	if err := pool.Add(ctx, 1, ip1, port1); err == nil {
		t.Fatal("expected Add to reject a duplicate exporterId")
	}

	e1, err := pool.Get(1)
	if err != nil {
		t.Fatalf("Get(1) failed, %v", err)
	}
	if e1 == nil {
		t.Fatal("expected a non-nil Exporter for id 1")
	}

	if err := pool.Remove(2); err != nil {
		t.Fatalf("Remove(2) failed, %v", err)
	}
	if pool.Has(2) {
		t.Fatal("expected exporter 2 to be gone after Remove")
	}
	if _, err := pool.Get(2); err == nil {
		t.Fatal("expected Get to fail for a removed exporterId")
	}
}
