package main

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/goccy/go-json"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/plan-systems/plan-keyagent/client"
	"github.com/plan-systems/plan-keyagent/config"
	"github.com/plan-systems/plan-keyagent/keystore"
	"github.com/plan-systems/plan-keyagent/plan"
)

var generateCmd = &cobra.Command{
	Use:     "generate <nickname> <user> <host> [port]",
	Short:   "Generate a key pair for user@host",
	Example: "keyagent generate box1 alice box1.example.com 22",
	Args:    cobra.RangeArgs(3, 4),
	RunE: func(cmd *cobra.Command, args []string) error {
		port := 22
		if len(args) == 4 {
			var err error
			if port, err = strconv.Atoi(args[3]); err != nil {
				return errors.Errorf("bad port %q", args[3])
			}
		}

		return withClient(func(ctx context.Context, cl *client.Client) error {
			if _, err := cl.Generate(ctx, args[0], args[1], args[2], port); err != nil {
				return err
			}
			rec, err := cl.Get(ctx, args[0])
			if err != nil {
				return err
			}
			return printRecord(rec)
		})
	},
}

var showCmd = &cobra.Command{
	Use:   "show <nickname>",
	Short: "Show a key's public details",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, cl *client.Client) error {
			rec, err := cl.Get(ctx, args[0])
			if err != nil {
				return err
			}
			return printRecord(rec)
		})
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List all keys",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, cl *client.Client) error {
			recs, err := cl.List(ctx)
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(recs)
			}

			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NICKNAME\tTARGET\tFINGERPRINT\tCREATED")
			for _, rec := range recs {
				fmt.Fprintf(tw, "%s\t%s@%s:%d\t%s\t%s\n",
					rec.Nickname, rec.User, rec.Host, rec.Port, rec.Fingerprint, rec.CreatedAt.Format(time.DateTime))
			}
			return tw.Flush()
		})
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete <nickname>",
	Short: "Delete a key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, cl *client.Client) error {
			removed, err := cl.Delete(ctx, args[0])
			if err != nil {
				return err
			}
			if removed {
				fmt.Printf("deleted %s\n", args[0])
			} else {
				fmt.Printf("%s did not exist\n", args[0])
			}
			return nil
		})
	},
}

var exportOut string

var exportCmd = &cobra.Command{
	Use:   "export <nickname>",
	Short: "Export a private key as a passphrase-protected OpenSSH key (needs approval)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if exportOut != "" && plan.FileExists(exportOut) {
			return errors.Errorf("'%s' already exists", exportOut)
		}

		exportPass, err := config.PromptPassphrase(os.Stdin, os.Stderr, "Passphrase for the exported key: ", true)
		if err != nil {
			return err
		}

		return withClient(func(ctx context.Context, cl *client.Client) error {
			pemBytes, err := cl.Export(ctx, args[0], exportPass)
			if err != nil {
				return err
			}
			if exportOut == "" {
				_, err = os.Stdout.Write(pemBytes)
				return err
			}
			return os.WriteFile(exportOut, pemBytes, plan.PrivateFileMode)
		})
	},
}

var (
	signPurpose string
	signIn      string
)

var signCmd = &cobra.Command{
	Use:   "sign <nickname>",
	Short: "Sign data (stdin or --in) with a key (needs approval)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var (
			data []byte
			err  error
		)
		if signIn == "" || signIn == "-" {
			if passEnv == "" {
				return errors.New("signing stdin needs --pass-env (stdin can't carry both the data and the passphrase)")
			}
			data, err = io.ReadAll(os.Stdin)
		} else {
			data, err = os.ReadFile(signIn)
		}
		if err != nil {
			return errors.Wrap(err, "reading data to sign")
		}

		return withClient(func(ctx context.Context, cl *client.Client) error {
			sig, err := cl.Confirm(ctx, args[0], data, signPurpose)
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(sig)
			}
			fmt.Printf("%s %s\n", sig.Format, base64.StdEncoding.EncodeToString(sig.Blob))
			return nil
		})
	},
}

func init() {
	exportCmd.Flags().StringVarP(&exportOut, "out", "o", "", "write the key here (mode 0600) instead of stdout")
	signCmd.Flags().StringVarP(&signPurpose, "purpose", "p", "", "why the key is needed (shown to the approver)")
	signCmd.Flags().StringVarP(&signIn, "in", "i", "-", "file to sign")
}

func printRecord(rec *keystore.KeyRecord) error {
	if asJSON {
		return printJSON(rec)
	}
	fmt.Printf("nickname:    %s\n", rec.Nickname)
	fmt.Printf("target:      %s@%s:%d\n", rec.User, rec.Host, rec.Port)
	fmt.Printf("type:        %s\n", rec.KeyType)
	fmt.Printf("fingerprint: %s\n", rec.Fingerprint)
	fmt.Printf("created:     %s\n", rec.CreatedAt.Format(time.RFC3339))
	fmt.Printf("public key:  %s\n", rec.PublicKey)
	return nil
}

func printJSON(v interface{}) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
