package config

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"github.com/99designs/keyring"
	"github.com/pkg/errors"
	"golang.org/x/term"

	"github.com/plan-systems/plan-keyagent/ski"
)

// Passphrase returns the store passphrase from the configured source.  The caller should ski.Zero it.
func (pc PassphraseConfig) Passphrase(prompt string) ([]byte, error) {
	switch pc.Source {
	case PassEnv:
		val, ok := os.LookupEnv(pc.EnvVar)
		if !ok || val == "" {
			return nil, errors.Errorf("$%s is not set", pc.EnvVar)
		}
		os.Unsetenv(pc.EnvVar)
		return []byte(val), nil

	case PassKeyring:
		kr, err := pc.openKeyring()
		if err != nil {
			return nil, err
		}
		item, err := kr.Get(pc.KeyringKey)
		if err != nil {
			return nil, errors.Wrapf(err, "reading %q from keyring %q", pc.KeyringKey, pc.KeyringService)
		}
		return item.Data, nil

	default:
		return PromptPassphrase(os.Stdin, os.Stderr, prompt, false)
	}
}

// SavePassphrase stores inPass in the OS keyring so a later start with source "keyring" finds it.
func (pc PassphraseConfig) SavePassphrase(inPass []byte) error {
	kr, err := pc.openKeyring()
	if err != nil {
		return err
	}
	err = kr.Set(keyring.Item{
		Key:         pc.KeyringKey,
		Data:        append([]byte(nil), inPass...),
		Label:       "keyagent store passphrase",
		Description: "unlocks " + pc.KeyringService,
	})
	return errors.Wrapf(err, "writing %q to keyring %q", pc.KeyringKey, pc.KeyringService)
}

func (pc PassphraseConfig) openKeyring() (keyring.Keyring, error) {
	krCfg := keyring.Config{
		ServiceName:              pc.KeyringService,
		KeychainTrustApplication: true,
		FileDir:                  "~/.keyagent/keyring",
		FilePasswordFunc:         keyring.TerminalPrompt,
		KeyCtlScope:              "user",
	}
	if pc.KeyringBackend != "" {
		krCfg.AllowedBackends = []keyring.BackendType{keyring.BackendType(pc.KeyringBackend)}
	}

	kr, err := keyring.Open(krCfg)
	if err != nil {
		return nil, errors.Wrapf(err, "opening keyring %q", pc.KeyringService)
	}
	return kr, nil
}

// PromptPassphrase writes prompt to out and reads a passphrase from in without echo when in is a terminal.
// If confirm is set, the passphrase is asked for twice and must match.
func PromptPassphrase(in *os.File, out io.Writer, prompt string, confirm bool) ([]byte, error) {
	read := func(p string) ([]byte, error) {
		fmt.Fprint(out, p)
		if term.IsTerminal(int(in.Fd())) {
			pass, err := term.ReadPassword(int(in.Fd()))
			fmt.Fprintln(out)
			return pass, err
		}
		return readLine(in)
	}

	pass, err := read(prompt)
	if err != nil {
		return nil, errors.Wrap(err, "reading passphrase")
	}
	if len(pass) == 0 {
		return nil, ski.ErrCode_InvalidArgument.ErrWithMsg("empty passphrase")
	}

	if confirm {
		again, err := read("Again: ")
		if err != nil {
			ski.Zero(pass)
			return nil, errors.Wrap(err, "reading passphrase")
		}
		match := bytes.Equal(pass, again)
		ski.Zero(again)
		if !match {
			ski.Zero(pass)
			return nil, ski.ErrCode_InvalidArgument.ErrWithMsg("passphrases do not match")
		}
	}
	return pass, nil
}

// readLine reads one line from r one byte at a time so nothing past the newline is consumed.
func readLine(r io.Reader) ([]byte, error) {
	var (
		line []byte
		b    [1]byte
	)
	for {
		n, err := r.Read(b[:])
		if n == 1 {
			if b[0] == '\n' {
				break
			}
			line = append(line, b[0])
			continue
		}
		if err == io.EOF && len(line) > 0 {
			break
		}
		if err != nil {
			return nil, err
		}
	}
	return bytes.TrimRight(line, "\r"), nil
}
