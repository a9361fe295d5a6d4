// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package testutil

import (
	"testing"
	"time"
)

func TestCollectorPreservesOrderAcrossGoroutines(t *testing.T) {
	collector := NewCollector[int]()
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := range 5 {
			collector.Push(i)
		}
	}()
	RequireClosed(t, done, 5*time.Second, "producer")

	for want := range 5 {
		if got := collector.Next(t, time.Second, "value %d", want); got != want {
			t.Fatalf("Next = %d, want %d", got, want)
		}
	}
	if collector.Len() != 0 {
		t.Fatalf("Len = %d after draining", collector.Len())
	}
}

func TestCollectorWaitForSkipsNonMatching(t *testing.T) {
	collector := NewCollector[string]()
	go func() {
		collector.Push("a")
		collector.Push("b")
		collector.Push("target")
	}()
	got := collector.WaitFor(t, 5*time.Second, func(v string) bool { return v == "target" }, "target")
	if got != "target" {
		t.Fatalf("WaitFor = %q", got)
	}
}
