package main

import (
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/plan-systems/plan-keyagent/audit"
	"github.com/plan-systems/plan-keyagent/ctx"
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Inspect the audit journal (stop the agent first)",
}

var auditVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Check the journal's hash chain",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		journal, err := openJournal()
		if err != nil {
			return err
		}
		defer journal.Close()

		n, err := journal.Verify()
		if err != nil {
			return errors.Wrapf(err, "journal broken after %d good events", n)
		}
		fmt.Printf("%d events, chain intact\n", n)
		return nil
	},
}

var auditShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print every journal event",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		journal, err := openJournal()
		if err != nil {
			return err
		}
		defer journal.Close()

		return journal.Events(func(ev audit.Event) error {
			fmt.Printf("%s  %-16s %-7s session=%s uid=%d nickname=%q %s\n",
				ev.Time.Format(time.RFC3339), ev.Kind, ev.Outcome, ev.SessionID, ev.PeerUID, ev.Nickname, ev.Detail)
			return nil
		})
	},
}

func init() {
	auditCmd.AddCommand(auditVerifyCmd, auditShowCmd)
}

func openJournal() (*audit.Journal, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if cfg.Audit.JournalDir == "" {
		return nil, errors.New("audit.journal_dir is not set")
	}
	return audit.OpenJournal(cfg.Audit.JournalDir, ctx.NewLogger("journal"))
}
