package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plan-systems/plan-keyagent/agent"
	"github.com/plan-systems/plan-keyagent/ski"
)

const sampleTOML = `
[agent]
socket = "/tmp/ka-test/agent.sock"
max_sessions = 4
auth_timeout = "10s"
idle_timeout = "2m"

[store]
path = "/tmp/ka-test/keys.db"

[store.kdf]
time = 2
memory = 32768
threads = 2
key_len = 32

[auth]
max_failures = 5
base_backoff = "100ms"

[approval]
mode = "policy"

[[approval.rules]]
nickname = "prod-*"
allow = false

[[approval.rules]]
purpose = "git *"
ops = ["confirm"]
allow = true

[metrics]
enabled = true
addr = "127.0.0.1:9999"
`

func writeConfig(t *testing.T, body string) string {
	pathname := filepath.Join(t.TempDir(), "keyagent.toml")
	require.NoError(t, os.WriteFile(pathname, []byte(body), 0600))
	return pathname
}

func TestLoadFile(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleTOML))
	require.NoError(t, err)

	assert.Equal(t, "/tmp/ka-test/agent.sock", cfg.Agent.Socket)
	assert.Equal(t, 4, cfg.Agent.MaxSessions)
	assert.Equal(t, 10*time.Second, cfg.Agent.AuthTimeout)
	assert.Equal(t, 2*time.Minute, cfg.Agent.IdleTimeout)
	assert.Equal(t, 5*time.Second, cfg.Agent.ShutdownGrace, "default kept")

	assert.Equal(t, ski.KDFParams{Time: 2, Memory: 32768, Threads: 2, KeyLen: 32}, cfg.KDFParams())

	authCfg := cfg.AuthConfig()
	assert.Equal(t, 5, authCfg.MaxFailures)
	assert.Equal(t, 100*time.Millisecond, authCfg.BaseBackoff)
	assert.Equal(t, 5*time.Second, authCfg.MaxBackoff)

	rules := cfg.PolicyRules()
	require.Len(t, rules, 2)
	assert.Equal(t, "prod-*", rules[0].Nickname)
	assert.Equal(t, []agent.Op{agent.OpConfirm}, rules[1].Ops)
	assert.True(t, rules[1].Allow)

	svcCfg := cfg.ServiceConfig()
	assert.Equal(t, cfg.Agent.Socket, svcCfg.SocketPath)
	assert.Equal(t, 4, svcCfg.MaxSessions)

	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, "127.0.0.1:9999", cfg.Metrics.Addr)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("KEYAGENT_AGENT_MAX__SESSIONS", "7")
	t.Setenv("KEYAGENT_AGENT_IDLE__TIMEOUT", "90s")
	t.Setenv("KEYAGENT_APPROVAL_MODE", "prompt")

	cfg, err := Load(writeConfig(t, sampleTOML))
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Agent.MaxSessions)
	assert.Equal(t, 90*time.Second, cfg.Agent.IdleTimeout)
	assert.Equal(t, ApprovalPrompt, cfg.Approval.Mode)
}

func TestDefaultsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.False(t, strings.HasPrefix(cfg.Store.Path, "~"), "home expanded")
	assert.False(t, strings.HasPrefix(cfg.Agent.Socket, "~"))

	approver, err := cfg.Approver(nil, nil)
	require.NoError(t, err)
	assert.IsType(t, agent.AutoDeny{}, approver)
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]func(*Config){
		"no socket":        func(c *Config) { c.Agent.Socket = "" },
		"negative max":     func(c *Config) { c.Agent.MaxSessions = -1 },
		"weak kdf":         func(c *Config) { c.Store.KDF.Time = 0 },
		"short key":        func(c *Config) { c.Store.KDF.KeyLen = 8 },
		"no failures":      func(c *Config) { c.Auth.MaxFailures = 0 },
		"bad mode":         func(c *Config) { c.Approval.Mode = "yolo" },
		"prompt timeout":   func(c *Config) { c.Approval.Mode = ApprovalPrompt; c.Approval.PromptTimeout = 0 },
		"bad rule op":      func(c *Config) { c.Approval.Mode = ApprovalPolicy; c.Approval.Rules = []RuleConfig{{Ops: []string{"delete"}}} },
		"bad glob":         func(c *Config) { c.Approval.Mode = ApprovalPolicy; c.Approval.Rules = []RuleConfig{{Nickname: "[x"}} },
		"metrics no addr":  func(c *Config) { c.Metrics.Enabled = true; c.Metrics.Addr = "" },
		"bad pass source":  func(c *Config) { c.Passphrase.Source = "carrier pigeon" },
		"env without name": func(c *Config) { c.Passphrase.Source = PassEnv; c.Passphrase.EnvVar = "" },
	}
	for name, mutate := range cases {
		cfg := Default()
		mutate(cfg)
		assert.Error(t, cfg.Validate(), name)
	}
}

func TestLoadBadFile(t *testing.T) {
	_, err := Load(writeConfig(t, "[agent\nsocket ="))
	assert.Error(t, err)

	_, err = Load(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)
}

func TestApproverModes(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleTOML))
	require.NoError(t, err)

	approver, err := cfg.Approver(nil, nil)
	require.NoError(t, err)
	assert.IsType(t, &agent.PolicyApprove{}, approver)

	cfg.Approval.Mode = ApprovalPrompt
	approver, err = cfg.Approver(strings.NewReader(""), nil)
	require.NoError(t, err)
	assert.IsType(t, &agent.PromptApprove{}, approver)
}

func TestPassphraseFromEnv(t *testing.T) {
	pc := Default().Passphrase
	pc.Source = PassEnv
	pc.EnvVar = "KEYAGENT_TEST_PASS_ONLY"
	t.Setenv(pc.EnvVar, "hunter2")

	pass, err := pc.Passphrase("")
	require.NoError(t, err)
	assert.Equal(t, []byte("hunter2"), pass)

	_, set := os.LookupEnv(pc.EnvVar)
	assert.False(t, set, "env var cleared after reading")

	_, err = pc.Passphrase("")
	assert.Error(t, err)
}

func TestPromptPassphrase(t *testing.T) {
	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()

	_, err = w.WriteString("s3cret\r\ns3cret\nother\nnope\n")
	require.NoError(t, err)
	w.Close()

	var out strings.Builder
	pass, err := PromptPassphrase(r, &out, "Passphrase: ", true)
	require.NoError(t, err)
	assert.Equal(t, []byte("s3cret"), pass)
	assert.Contains(t, out.String(), "Passphrase: ")
	assert.Contains(t, out.String(), "Again: ")

	_, err = PromptPassphrase(r, &out, "Passphrase: ", true)
	assert.True(t, ski.IsError(err, ski.ErrCode_InvalidArgument), "mismatch")

	_, err = PromptPassphrase(r, &out, "Passphrase: ", false)
	assert.Error(t, err, "input exhausted")
}
