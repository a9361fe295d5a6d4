// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package process

import (
	"bytes"
	"errors"
	"fmt"
	"testing"
)

type codedError struct{ code int }

func (e codedError) Error() string { return fmt.Sprintf("exit %d", e.code) }
func (e codedError) ExitCode() int { return e.code }

func TestReport(t *testing.T) {
	var output bytes.Buffer
	if code := report(&output, "tabletop", errors.New("boom")); code != 1 {
		t.Errorf("plain error exit code = %d, want 1", code)
	}
	if output.String() != "tabletop: boom\n" {
		t.Errorf("output = %q", output.String())
	}

	output.Reset()
	wrapped := fmt.Errorf("running: %w", codedError{code: 3})
	if code := report(&output, "tabletop", wrapped); code != 3 {
		t.Errorf("coded error exit code = %d, want 3", code)
	}
	if output.Len() != 0 {
		t.Errorf("coded error printed %q", output.String())
	}
}
