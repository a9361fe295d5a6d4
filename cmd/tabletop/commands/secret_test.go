// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"context"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/bureau-foundation/tabletop/lib/config"
	"github.com/bureau-foundation/tabletop/lib/gmsecret"
)

const testWorkFactor = 10

func writePassphrase(t *testing.T, directory, passphrase string) string {
	t.Helper()
	path := filepath.Join(directory, "passphrase-"+passphrase)
	if err := os.WriteFile(path, []byte(passphrase+"\n"), 0o600); err != nil {
		t.Fatalf("writing passphrase: %v", err)
	}
	return path
}

func TestSecretGenerateThenUnlock(t *testing.T) {
	t.Setenv(config.EnvPrefix+"CONFIG", "")
	directory := t.TempDir()
	sealedPath := filepath.Join(directory, "gm.age")
	passphraseFile := writePassphrase(t, directory, "correct horse")

	generate := secretGenerateCommand()
	args := []string{"--out", sealedPath, "--passphrase-file", passphraseFile, "--work-factor", strconv.Itoa(testWorkFactor)}
	if err := generate.Execute(context.Background(), args); err != nil {
		t.Fatalf("generate: %v", err)
	}

	value, err := unlockGMSecret(sealedPath, passphraseFile)
	if err != nil {
		t.Fatalf("unlockGMSecret: %v", err)
	}
	defer value.Close()
	if value.Len() != hex.EncodedLen(gmsecret.Size) {
		t.Errorf("secret length = %d, want %d", value.Len(), hex.EncodedLen(gmsecret.Size))
	}

	wrong := writePassphrase(t, directory, "battery staple")
	if _, err := unlockGMSecret(sealedPath, wrong); !errors.Is(err, gmsecret.ErrWrongPassphrase) {
		t.Errorf("unlock with the wrong passphrase: err = %v, want ErrWrongPassphrase", err)
	}
}

func TestSecretGenerateRefusesOverwrite(t *testing.T) {
	t.Setenv(config.EnvPrefix+"CONFIG", "")
	directory := t.TempDir()
	sealedPath := filepath.Join(directory, "gm.age")
	if err := os.WriteFile(sealedPath, []byte("existing"), 0o600); err != nil {
		t.Fatal(err)
	}
	passphraseFile := writePassphrase(t, directory, "pass")

	generate := secretGenerateCommand()
	err := generate.Execute(context.Background(), []string{"--out", sealedPath, "--passphrase-file", passphraseFile})
	if err == nil {
		t.Fatal("generate replaced an existing secret without --force")
	}
	data, _ := os.ReadFile(sealedPath)
	if string(data) != "existing" {
		t.Error("existing secret was modified")
	}
}

func TestReadPassphraseFile(t *testing.T) {
	directory := t.TempDir()
	path := filepath.Join(directory, "pass")
	if err := os.WriteFile(path, []byte("hunter2\r\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	passphrase, err := readPassphraseFile(path)
	if err != nil {
		t.Fatalf("readPassphraseFile: %v", err)
	}
	defer passphrase.Close()
	if passphrase.String() != "hunter2" {
		t.Errorf("passphrase = %q, want hunter2", passphrase.String())
	}

	empty := filepath.Join(directory, "empty")
	if err := os.WriteFile(empty, []byte("\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := readPassphraseFile(empty); err == nil {
		t.Error("readPassphraseFile accepted an empty file")
	}
}
