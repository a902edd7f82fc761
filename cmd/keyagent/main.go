package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/plan-systems/klog"
	"github.com/spf13/cobra"

	"github.com/plan-systems/plan-keyagent/client"
	"github.com/plan-systems/plan-keyagent/config"
	"github.com/plan-systems/plan-keyagent/ctx"
)

var (
	configPath  string
	socketPath  string
	passEnv     string
	dialTimeout time.Duration
	asJSON      bool
)

var rootCmd = &cobra.Command{
	Use:          "keyagent",
	Short:        "keyagent talks to a running keyagentd",
	SilenceUsage: true,
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&configPath, "config", "c", "", "config file used to find the agent socket (default "+config.DefaultConfigFile+")")
	flags.StringVarP(&socketPath, "socket", "s", "", "agent socket (overrides the config file)")
	flags.StringVar(&passEnv, "pass-env", "", "read the agent passphrase from this environment variable instead of prompting")
	flags.DurationVar(&dialTimeout, "timeout", 5*time.Second, "how long to wait for the agent")
	flags.BoolVar(&asJSON, "json", false, "print results as JSON")
	flags.AddGoFlagSet(ctx.LogFlags)

	rootCmd.AddCommand(generateCmd, showCmd, listCmd, deleteCmd, exportCmd, signCmd)
}

// connect dials the agent and authenticates the session.
func connect(ctx context.Context) (*client.Client, error) {
	path := socketPath
	if path == "" {
		cfg, err := config.Load(configPath)
		if err != nil {
			return nil, err
		}
		path = cfg.Agent.Socket
	}

	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	cl, err := client.Dial(dialCtx, path)
	if err != nil {
		return nil, err
	}

	var pass []byte
	if passEnv != "" {
		pass = []byte(os.Getenv(passEnv))
	} else {
		pass, err = config.PromptPassphrase(os.Stdin, os.Stderr, "Agent passphrase: ", false)
		if err != nil {
			cl.Close()
			return nil, err
		}
	}

	if err = cl.Authenticate(ctx, pass); err != nil {
		cl.Close()
		return nil, err
	}
	return cl, nil
}

// withClient runs fn on an authenticated session, closing it afterwards.
func withClient(fn func(ctx context.Context, cl *client.Client) error) error {
	ctx := context.Background()
	cl, err := connect(ctx)
	if err != nil {
		return err
	}
	defer cl.Close()
	return fn(ctx, cl)
}

func main() {
	ctx.LogFlags.Set("logtostderr", "true")
	defer klog.Flush()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "keyagent: %v\n", err)
		klog.Flush()
		os.Exit(1)
	}
}
