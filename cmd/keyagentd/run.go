package main

import (
	"os"

	"github.com/plan-systems/plan-keyagent/agent"
	"github.com/plan-systems/plan-keyagent/audit"
	"github.com/plan-systems/plan-keyagent/auth"
	"github.com/plan-systems/plan-keyagent/ctx"
	"github.com/plan-systems/plan-keyagent/keystore"
	"github.com/plan-systems/plan-keyagent/metrics"
	"github.com/plan-systems/plan-keyagent/pservice"
	"github.com/plan-systems/plan-keyagent/ski"
)

func runDaemon() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	pass, err := cfg.Passphrase.Passphrase("Key store passphrase: ")
	if err != nil {
		return err
	}
	st, err := keystore.Open(cfg.Store.Path, pass, ctx.NewLogger("keystore"))
	ski.Zero(pass)
	if err != nil {
		return err
	}
	defer st.Close()

	sinks := audit.Multi{}
	if cfg.Audit.LogEvents {
		sinks = append(sinks, audit.LogSink{Log: ctx.NewLogger("audit")})
	}
	if cfg.Audit.JournalDir != "" {
		journal, err := audit.OpenJournal(cfg.Audit.JournalDir, ctx.NewLogger("journal"))
		if err != nil {
			return err
		}
		defer journal.Close()
		sinks = append(sinks, journal)
	}

	approver, err := cfg.Approver(os.Stdin, os.Stderr)
	if err != nil {
		return err
	}

	root := ctx.NewContext("keyagentd")
	if err = root.CtxStart(nil, nil, nil); err != nil {
		return err
	}
	abort := func(inErr error) error {
		root.CtxStop("startup failed", nil)
		root.CtxWait()
		return inErr
	}

	svc := pservice.NewService(cfg.ServiceConfig(), agent.Deps{
		Store:    st,
		Auth:     auth.New(st, cfg.AuthConfig()),
		Approver: approver,
		Audit:    sinks,
		Log:      ctx.NewLogger("agent"),
	})
	if err = svc.Start(); err != nil {
		return abort(err)
	}
	root.CtxAddChild(svc)
	root.CtxGo(func() {
		svc.CtxWait()
		root.CtxStop("agent stopped: "+svc.CtxStopReason(), nil)
	})

	if cfg.Metrics.Enabled {
		ms, err := metrics.NewServer(cfg.Metrics.Addr, ctx.NewLogger("metrics"))
		if err == nil {
			err = ms.Start()
		}
		if err != nil {
			return abort(err)
		}
		root.CtxAddChild(ms)
	}

	root.AttachInterruptHandler()
	root.Infof(0, "agent ready on %s (approval: %s)", svc.SocketPath(), cfg.Approval.Mode)

	root.CtxWait()

	root.Infof(0, "stopped: %s", root.CtxStopReason())
	return nil
}
