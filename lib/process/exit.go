// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package process

import (
	"errors"
	"fmt"
	"io"
	"os"
)

// ExitCoder is implemented by errors that carry their own exit status.
// The command has already reported the failure to the user.
type ExitCoder interface {
	ExitCode() int
}

// Fatal reports err from main and exits. Errors implementing ExitCoder
// exit silently with their code; anything else prints "program: err"
// to stderr and exits with 1.
func Fatal(program string, err error) {
	os.Exit(report(os.Stderr, program, err))
}

// report writes the message for err and returns the exit status.
func report(w io.Writer, program string, err error) int {
	var coder ExitCoder
	if errors.As(err, &coder) {
		return coder.ExitCode()
	}
	fmt.Fprintf(w, "%s: %v\n", program, err)
	return 1
}
