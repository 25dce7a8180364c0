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
	"testing"
	"time"
)

func TestSequencer(t *testing.T) {
	t.Run("starts at 1", func(t *testing.T) {
		s := NewSequencer()
		if n := s.Next(); n != 1 {
			t.Fatalf("expected next sequence number 1, got %d", n)
		}
	})

	t.Run("advances by data record count", func(t *testing.T) {
		s := NewSequencer()
		now := time.Now().UTC()

		s.Advance(3, now)
		if n := s.Next(); n != 4 {
			t.Fatalf("expected next sequence number 4, got %d", n)
		}

		s.Advance(0, now)
		if n := s.Next(); n != 4 {
			t.Fatalf("zero-record message must not advance sequence number, got %d", n)
		}
	})

	t.Run("accepts out-of-order export times without rejecting", func(t *testing.T) {
		s := NewSequencer()
		later := time.Now().UTC()
		earlier := later.Add(-time.Hour)

		s.Advance(1, later)
		s.Advance(1, earlier)

		if got := s.LastExportTime(); !got.Equal(later) {
			t.Fatalf("expected lastExportTime to stay at the latest observed time %v, got %v", later, got)
		}
		if n := s.Next(); n != 3 {
			t.Fatalf("expected next sequence number 3 after two advances, got %d", n)
		}
	})
}
