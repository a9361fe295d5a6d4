// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/bureau-foundation/tabletop/cmd/tabletop/cli"
	"github.com/bureau-foundation/tabletop/lib/gmsecret"
	"github.com/bureau-foundation/tabletop/lib/secret"
)

func secretCommand() *cli.Command {
	return &cli.Command{
		Name:    "secret",
		Summary: "Manage the sealed GM secret",
		Description: `Manage the GM secret used to prove GM identity to other peers.

The secret is sealed with an age scrypt passphrase. Only the GM's own
devices should hold the passphrase.`,
		Subcommands: []*cli.Command{
			secretGenerateCommand(),
			secretShowCommand(),
		},
	}
}

func secretGenerateCommand() *cli.Command {
	var (
		configPath     string
		outputPath     string
		passphraseFile string
		workFactor     int
		force          bool
	)
	return &cli.Command{
		Name:    "generate",
		Summary: "Generate and seal a new GM secret",
		Usage:   "tabletop secret generate [flags]",
		Examples: []cli.Example{
			{Description: "Seal a new secret at the configured path", Command: "tabletop secret generate"},
			{Description: "Non-interactive", Command: "tabletop secret generate --passphrase-file pass.txt --out gm.age"},
		},
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("generate", pflag.ContinueOnError)
			flagSet.StringVar(&configPath, "config", "", "config file (default $TABLETOP_CONFIG)")
			flagSet.StringVarP(&outputPath, "out", "o", "", "sealed secret path (default secret.sealed_path)")
			flagSet.StringVar(&passphraseFile, "passphrase-file", "", "read the passphrase from this file")
			flagSet.IntVar(&workFactor, "work-factor", gmsecret.DefaultWorkFactor, "scrypt work factor (log2 N)")
			flagSet.BoolVar(&force, "force", false, "overwrite an existing sealed secret")
			return flagSet
		},
		Run: func(_ context.Context, args []string, logger *slog.Logger) error {
			if len(args) > 0 {
				return fmt.Errorf("unexpected argument %q", args[0])
			}
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			if outputPath == "" {
				outputPath = cfg.Secret.SealedPath
			}
			if _, err := os.Stat(outputPath); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to replace it)", outputPath)
			}

			passphrase, err := newPassphrase(passphraseFile)
			if err != nil {
				return err
			}
			defer passphrase.Close()

			value, err := gmsecret.Generate()
			if err != nil {
				return err
			}
			defer value.Close()

			if err := gmsecret.Save(outputPath, value, passphrase.Bytes(), workFactor); err != nil {
				return err
			}
			logger.Info("GM secret sealed", "path", outputPath)
			return nil
		},
	}
}

func secretShowCommand() *cli.Command {
	var (
		configPath     string
		inputPath      string
		passphraseFile string
	)
	return &cli.Command{
		Name:    "show",
		Summary: "Print the unsealed GM secret",
		Description: `Unseal the GM secret and print it to stdout, for copying the secret
to another of the GM's devices.`,
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("show", pflag.ContinueOnError)
			flagSet.StringVar(&configPath, "config", "", "config file (default $TABLETOP_CONFIG)")
			flagSet.StringVarP(&inputPath, "in", "i", "", "sealed secret path (default secret.sealed_path)")
			flagSet.StringVar(&passphraseFile, "passphrase-file", "", "read the passphrase from this file")
			return flagSet
		},
		Run: func(_ context.Context, args []string, _ *slog.Logger) error {
			if len(args) > 0 {
				return fmt.Errorf("unexpected argument %q", args[0])
			}
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			if inputPath == "" {
				inputPath = cfg.Secret.SealedPath
			}
			value, err := unlockGMSecret(inputPath, passphraseFile)
			if err != nil {
				return err
			}
			defer value.Close()
			_, err = fmt.Fprintln(os.Stdout, value.String())
			return err
		},
	}
}

// unlockGMSecret opens the sealed secret at path. The passphrase comes
// from passphraseFile when set, otherwise from the controlling
// terminal so stdin stays free for peer input.
func unlockGMSecret(path, passphraseFile string) (*secret.Buffer, error) {
	passphrase, err := existingPassphrase(passphraseFile)
	if err != nil {
		return nil, err
	}
	defer passphrase.Close()

	value, err := gmsecret.Load(path, passphrase.Bytes())
	if errors.Is(err, gmsecret.ErrWrongPassphrase) {
		return nil, fmt.Errorf("unlocking %s: %w", path, err)
	}
	return value, err
}

func existingPassphrase(passphraseFile string) (*secret.Buffer, error) {
	if passphraseFile != "" {
		return readPassphraseFile(passphraseFile)
	}
	tty, err := os.OpenFile("/dev/tty", os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("no terminal for the passphrase prompt (use --passphrase-file): %w", err)
	}
	defer tty.Close()
	return gmsecret.ReadPassphrase(tty, tty, "GM secret passphrase: ")
}

// newPassphrase reads a passphrase for sealing, asking twice when
// stdin is a terminal.
func newPassphrase(passphraseFile string) (*secret.Buffer, error) {
	if passphraseFile != "" {
		return readPassphraseFile(passphraseFile)
	}
	passphrase, err := gmsecret.ReadPassphrase(os.Stdin, os.Stderr, "New passphrase: ")
	if err != nil {
		return nil, err
	}
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return passphrase, nil
	}
	confirmation, err := gmsecret.ReadPassphrase(os.Stdin, os.Stderr, "Repeat passphrase: ")
	if err != nil {
		passphrase.Close()
		return nil, err
	}
	defer confirmation.Close()
	if !passphrase.Equal(confirmation.Bytes()) {
		passphrase.Close()
		return nil, errors.New("passphrases do not match")
	}
	return passphrase, nil
}

func readPassphraseFile(path string) (*secret.Buffer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading passphrase file: %w", err)
	}
	trimmed := bytes.TrimRight(data, "\r\n")
	if len(trimmed) == 0 {
		secret.Zero(data)
		return nil, fmt.Errorf("passphrase file %s is empty", path)
	}
	buffer, err := secret.FromBytes(append([]byte(nil), trimmed...))
	secret.Zero(data)
	return buffer, err
}
