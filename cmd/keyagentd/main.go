package main

import (
	"fmt"
	"os"

	"github.com/plan-systems/klog"
	"github.com/spf13/cobra"

	"github.com/plan-systems/plan-keyagent/config"
	"github.com/plan-systems/plan-keyagent/ctx"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "keyagentd",
	Short: "keyagentd holds SSH keys and serves them to local clients",
	Long: `keyagentd keeps SSH key pairs encrypted in a local store and serves them over a unix socket.
Clients authenticate with the store passphrase; every use of a private key must be approved.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDaemon()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default "+config.DefaultConfigFile+")")
	rootCmd.PersistentFlags().AddGoFlagSet(ctx.LogFlags)

	rootCmd.AddCommand(initCmd, rekeyCmd, auditCmd)
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

func main() {
	ctx.LogFlags.Set("logtostderr", "true")
	defer klog.Flush()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "keyagentd: %v\n", err)
		klog.Flush()
		os.Exit(1)
	}
}
