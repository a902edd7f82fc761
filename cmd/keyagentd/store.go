package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/plan-systems/plan-keyagent/config"
	"github.com/plan-systems/plan-keyagent/ctx"
	"github.com/plan-systems/plan-keyagent/keystore"
	"github.com/plan-systems/plan-keyagent/ski"
)

var saveToKeyring bool

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a new key store",
	Long:  "Creates the key store named by store.path, protected by a new passphrase.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		pass, err := newPassphrase(cfg, "New key store passphrase: ")
		if err != nil {
			return err
		}
		defer ski.Zero(pass)

		st, err := keystore.Init(cfg.Store.Path, pass, cfg.KDFParams(), ctx.NewLogger("keystore"))
		if err != nil {
			return err
		}
		if err = st.Close(); err != nil {
			return err
		}

		if saveToKeyring {
			if err = cfg.Passphrase.SavePassphrase(pass); err != nil {
				return err
			}
		}

		fmt.Printf("created %s\n", cfg.Store.Path)
		return nil
	},
}

var rekeyCmd = &cobra.Command{
	Use:   "rekey",
	Short: "Change the key store passphrase",
	Long: `Changes the key store passphrase (and argon2id cost, from store.kdf).
Only the master key is rewrapped; key records are untouched.  Stop the agent first.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		oldPass, err := cfg.Passphrase.Passphrase("Current passphrase: ")
		if err != nil {
			return err
		}
		st, err := keystore.Open(cfg.Store.Path, oldPass, ctx.NewLogger("keystore"))
		ski.Zero(oldPass)
		if err != nil {
			return err
		}
		defer st.Close()

		newPass, err := config.PromptPassphrase(os.Stdin, os.Stderr, "New passphrase: ", true)
		if err != nil {
			return err
		}
		defer ski.Zero(newPass)

		if err = st.Rekey(newPass, cfg.KDFParams()); err != nil {
			return err
		}

		if saveToKeyring || cfg.Passphrase.Source == config.PassKeyring {
			if err = cfg.Passphrase.SavePassphrase(newPass); err != nil {
				return err
			}
		}

		fmt.Println("passphrase changed")
		return nil
	},
}

func init() {
	for _, cmd := range []*cobra.Command{initCmd, rekeyCmd} {
		cmd.Flags().BoolVar(&saveToKeyring, "save-to-keyring", false, "also store the passphrase in the OS keyring")
	}
}

// newPassphrase takes the passphrase from the env var when that is the configured source, otherwise prompts twice.
func newPassphrase(cfg *config.Config, prompt string) ([]byte, error) {
	if cfg.Passphrase.Source == config.PassEnv {
		return cfg.Passphrase.Passphrase(prompt)
	}
	return config.PromptPassphrase(os.Stdin, os.Stderr, prompt, true)
}
