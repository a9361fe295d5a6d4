// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"encoding/json"
	"io"
	"sync"
)

// LineWriter writes one JSON document per line. It is safe for
// concurrent use, since applied actions arrive on transport goroutines.
type LineWriter struct {
	mu      sync.Mutex
	encoder *json.Encoder
}

// NewLineWriter writes to w.
func NewLineWriter(w io.Writer) *LineWriter {
	return &LineWriter{encoder: json.NewEncoder(w)}
}

// Write encodes value followed by a newline.
func (l *LineWriter) Write(value any) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.encoder.Encode(value)
}

// WriteIndented writes value as indented JSON to w.
func WriteIndented(w io.Writer, value any) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(value)
}
