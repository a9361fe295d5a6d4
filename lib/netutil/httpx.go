// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package netutil

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
)

// MaxResponseSize bounds response bodies read by relay clients. A long
// poll returns at most one page of records.
const MaxResponseSize int64 = 16 << 20

// MaxRequestSize bounds a single published record.
const MaxRequestSize int64 = 1 << 20

// ErrTooLarge is returned by ReadLimited when the body exceeds limit.
var ErrTooLarge = errors.New("body too large")

// ReadLimited reads at most limit bytes and fails with ErrTooLarge if
// more remain.
func ReadLimited(body io.Reader, limit int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(body, limit+1))
	if err != nil {
		return nil, fmt.Errorf("reading body: %w", err)
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("%w: more than %d bytes", ErrTooLarge, limit)
	}
	return data, nil
}

// DecodeResponse reads a bounded JSON body into v.
func DecodeResponse(body io.Reader, v any) error {
	data, err := ReadLimited(body, MaxResponseSize)
	if err != nil {
		return fmt.Errorf("reading response body: %w", err)
	}
	return json.Unmarshal(data, v)
}

// ErrorBody returns a bounded prefix of an error response for use in
// error messages.
func ErrorBody(body io.Reader) string {
	data, _ := io.ReadAll(io.LimitReader(body, 4096))
	return string(data)
}

// WriteJSON writes v as a JSON response with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(v)
}

// WriteError writes {"error": message} with the given status.
func WriteError(w http.ResponseWriter, status int, message string) {
	_ = WriteJSON(w, status, map[string]string{"error": message})
}
