// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package gmsecret

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"golang.org/x/term"

	"github.com/bureau-foundation/tabletop/lib/secret"
)

// ReadPassphrase prompts on out and reads a passphrase from in with
// echo disabled. When in is not a terminal, one line is read instead,
// which lets scripts pipe the passphrase in.
func ReadPassphrase(in *os.File, out io.Writer, prompt string) (*secret.Buffer, error) {
	fileDescriptor := int(in.Fd())
	if !term.IsTerminal(fileDescriptor) {
		return readPassphraseLine(in)
	}

	fmt.Fprint(out, prompt)
	passphrase, err := term.ReadPassword(fileDescriptor)
	fmt.Fprintln(out)
	if err != nil {
		return nil, fmt.Errorf("reading passphrase: %w", err)
	}
	if len(passphrase) == 0 {
		return nil, errors.New("passphrase is empty")
	}
	return secret.FromBytes(passphrase)
}

func readPassphraseLine(in io.Reader) (*secret.Buffer, error) {
	scanner := bufio.NewScanner(in)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("reading passphrase: %w", err)
		}
		return nil, errors.New("passphrase input is empty")
	}
	line := scanner.Bytes()
	trimmed := bytes.TrimRight(line, "\r")
	if len(trimmed) == 0 {
		secret.Zero(line)
		return nil, errors.New("passphrase is empty")
	}
	buffer, err := secret.FromBytes(append([]byte(nil), trimmed...))
	secret.Zero(line)
	return buffer, err
}
