// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package secret

import "testing"

func TestNewIsZeroFilled(t *testing.T) {
	buffer, err := New(32)
	if err != nil {
		t.Fatalf("New(32): %v", err)
	}
	defer buffer.Close()

	if buffer.Len() != 32 {
		t.Errorf("Len = %d, want 32", buffer.Len())
	}
	for index, value := range buffer.Bytes() {
		if value != 0 {
			t.Fatalf("byte %d = %d, want 0", index, value)
		}
	}
}

func TestNewRejectsNonPositiveSize(t *testing.T) {
	for _, size := range []int{0, -1} {
		if _, err := New(size); err == nil {
			t.Errorf("New(%d) succeeded", size)
		}
	}
}

func TestFromBytesZeroesSource(t *testing.T) {
	source := []byte("gm-secret-value")
	buffer, err := FromBytes(source)
	if err != nil {
		t.Fatalf("FromBytes: %v", err)
	}
	defer buffer.Close()

	if got := buffer.String(); got != "gm-secret-value" {
		t.Errorf("String = %q", got)
	}
	for index, value := range source {
		if value != 0 {
			t.Fatalf("source byte %d not zeroed", index)
		}
	}
	if !buffer.Equal([]byte("gm-secret-value")) {
		t.Error("Equal returned false for identical contents")
	}
	if buffer.Equal([]byte("gm-secret-valuX")) {
		t.Error("Equal returned true for different contents")
	}
}

func TestFromBytesRejectsEmpty(t *testing.T) {
	if _, err := FromBytes(nil); err == nil {
		t.Fatal("FromBytes(nil) succeeded")
	}
}

func TestCloseIsIdempotentAndAccessPanics(t *testing.T) {
	buffer, err := FromBytes([]byte("x"))
	if err != nil {
		t.Fatalf("FromBytes: %v", err)
	}
	if err := buffer.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := buffer.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	defer func() {
		if recover() == nil {
			t.Fatal("Bytes after Close did not panic")
		}
	}()
	buffer.Bytes()
}
