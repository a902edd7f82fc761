// Package config loads the agent's TOML configuration, overlaid by KEYAGENT_* environment variables.
package config

import (
	"io"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	toml "github.com/knadh/koanf/parsers/toml/v2"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/mitchellh/go-homedir"
	"github.com/pkg/errors"

	"github.com/plan-systems/plan-keyagent/agent"
	"github.com/plan-systems/plan-keyagent/auth"
	"github.com/plan-systems/plan-keyagent/plan"
	"github.com/plan-systems/plan-keyagent/pservice"
	"github.com/plan-systems/plan-keyagent/ski"
)

// EnvPrefix prefixes every environment override, e.g. KEYAGENT_AGENT_MAX__SESSIONS=4.
// A single underscore separates sections; a double underscore is a literal underscore.
const EnvPrefix = "KEYAGENT_"

// DefaultConfigFile is read when no config file is named and it exists.
const DefaultConfigFile = "~/.keyagent/keyagent.toml"

// Approval modes
const (
	ApprovalDeny   = "deny"
	ApprovalPrompt = "prompt"
	ApprovalPolicy = "policy"
)

// Passphrase sources
const (
	PassPrompt  = "prompt"
	PassKeyring = "keyring"
	PassEnv     = "env"
)

// Config is the complete daemon configuration.
type Config struct {
	Agent      AgentConfig      `koanf:"agent"`
	Store      StoreConfig      `koanf:"store"`
	Auth       AuthConfig       `koanf:"auth"`
	Approval   ApprovalConfig   `koanf:"approval"`
	Audit      AuditConfig      `koanf:"audit"`
	Metrics    MetricsConfig    `koanf:"metrics"`
	Passphrase PassphraseConfig `koanf:"passphrase"`
}

// AgentConfig covers the listener.
type AgentConfig struct {
	Socket        string        `koanf:"socket"`
	MaxSessions   int           `koanf:"max_sessions"`
	AuthTimeout   time.Duration `koanf:"auth_timeout"`
	IdleTimeout   time.Duration `koanf:"idle_timeout"`
	ShutdownGrace time.Duration `koanf:"shutdown_grace"`
}

// StoreConfig locates the key store and sets the KDF cost used when it is created or rekeyed.
type StoreConfig struct {
	Path string    `koanf:"path"`
	KDF  KDFConfig `koanf:"kdf"`
}

// KDFConfig are argon2id parameters.
type KDFConfig struct {
	Time    uint32 `koanf:"time"`
	Memory  uint32 `koanf:"memory"` // KiB
	Threads uint8  `koanf:"threads"`
	KeyLen  uint32 `koanf:"key_len"`
}

// AuthConfig bounds passphrase guessing.
type AuthConfig struct {
	MaxFailures       int           `koanf:"max_failures"`
	BaseBackoff       time.Duration `koanf:"base_backoff"`
	MaxBackoff        time.Duration `koanf:"max_backoff"`
	AttemptsPerSecond float64       `koanf:"attempts_per_second"`
	Burst             int           `koanf:"burst"`
}

// ApprovalConfig picks how key use is confirmed.
type ApprovalConfig struct {
	Mode          string        `koanf:"mode"`
	PromptTimeout time.Duration `koanf:"prompt_timeout"`
	Rules         []RuleConfig  `koanf:"rules"`
}

// RuleConfig is one policy rule; see agent.PolicyRule.
type RuleConfig struct {
	Nickname string   `koanf:"nickname"`
	Purpose  string   `koanf:"purpose"`
	Ops      []string `koanf:"ops"`
	Allow    bool     `koanf:"allow"`
}

// AuditConfig selects where audit events go.  An empty JournalDir disables the journal.
type AuditConfig struct {
	JournalDir string `koanf:"journal_dir"`
	LogEvents  bool   `koanf:"log_events"`
}

// MetricsConfig controls the optional loopback prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `koanf:"enabled"`
	Addr    string `koanf:"addr"`
}

// PassphraseConfig says where the daemon gets the store passphrase.
type PassphraseConfig struct {
	Source         string `koanf:"source"`
	EnvVar         string `koanf:"env_var"`
	KeyringService string `koanf:"keyring_service"`
	KeyringKey     string `koanf:"keyring_key"`
	KeyringBackend string `koanf:"keyring_backend"` // empty means any available
}

// Default returns the configuration used for anything the file and environment leave unset.
func Default() *Config {
	return &Config{
		Agent: AgentConfig{
			Socket:        "~/.keyagent/agent.sock",
			MaxSessions:   16,
			AuthTimeout:   30 * time.Second,
			IdleTimeout:   15 * time.Minute,
			ShutdownGrace: 5 * time.Second,
		},
		Store: StoreConfig{
			Path: "~/.keyagent/keys.db",
			KDF: KDFConfig{
				Time:    ski.DefaultKDF.Time,
				Memory:  ski.DefaultKDF.Memory,
				Threads: ski.DefaultKDF.Threads,
				KeyLen:  ski.DefaultKDF.KeyLen,
			},
		},
		Auth: AuthConfig{
			MaxFailures:       auth.DefaultConfig.MaxFailures,
			BaseBackoff:       auth.DefaultConfig.BaseBackoff,
			MaxBackoff:        auth.DefaultConfig.MaxBackoff,
			AttemptsPerSecond: auth.DefaultConfig.AttemptsPerSecond,
			Burst:             auth.DefaultConfig.Burst,
		},
		Approval: ApprovalConfig{
			Mode:          ApprovalDeny,
			PromptTimeout: 30 * time.Second,
		},
		Audit: AuditConfig{
			JournalDir: "~/.keyagent/audit",
			LogEvents:  true,
		},
		Metrics: MetricsConfig{
			Addr: "127.0.0.1:9465",
		},
		Passphrase: PassphraseConfig{
			Source:         PassPrompt,
			EnvVar:         "KEYAGENTD_PASSPHRASE",
			KeyringService: "plan-keyagent",
			KeyringKey:     "store-passphrase",
		},
	}
}

// Load reads configPath (if not empty) over the defaults, then applies KEYAGENT_* overrides.
// If configPath is empty, DefaultConfigFile is used when it exists.
func Load(configPath string) (*Config, error) {
	cfg := Default()
	k := koanf.New(".")

	if configPath == "" {
		if pathname, err := homedir.Expand(DefaultConfigFile); err == nil && plan.FileExists(pathname) {
			configPath = pathname
		}
	} else {
		pathname, err := homedir.Expand(configPath)
		if err != nil {
			return nil, errors.Wrapf(err, "error expanding '%s'", configPath)
		}
		configPath = pathname
	}

	if configPath != "" {
		if err := k.Load(file.Provider(configPath), toml.Parser()); err != nil {
			return nil, errors.Wrap(err, "failed to load config file")
		}
	}

	err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		s = strings.TrimPrefix(s, EnvPrefix)
		s = strings.ToLower(s)
		s = strings.ReplaceAll(s, "__", "%UNDERSCORE%")
		s = strings.ReplaceAll(s, "_", ".")
		return strings.ReplaceAll(s, "%UNDERSCORE%", "_")
	}), nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load environment variables")
	}

	err = k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{
		DecoderConfig: &mapstructure.DecoderConfig{
			TagName:          "koanf",
			WeaklyTypedInput: true,
			Result:           cfg,
			DecodeHook: mapstructure.ComposeDecodeHookFunc(
				mapstructure.StringToTimeDurationHookFunc(),
				mapstructure.StringToSliceHookFunc(","),
			),
		},
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal config")
	}

	if err = cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}
	return cfg, nil
}

// Validate checks every section and expands ~ in paths.
func (cfg *Config) Validate() error {
	var err error

	if cfg.Agent.Socket == "" {
		return errors.New("agent.socket is required")
	}
	if cfg.Agent.Socket, err = homedir.Expand(cfg.Agent.Socket); err != nil {
		return errors.Wrap(err, "agent.socket")
	}
	if cfg.Agent.MaxSessions < 0 {
		return errors.Errorf("agent.max_sessions must be >= 0, got %d", cfg.Agent.MaxSessions)
	}
	if cfg.Agent.AuthTimeout < 0 || cfg.Agent.IdleTimeout < 0 || cfg.Agent.ShutdownGrace < 0 {
		return errors.New("agent timeouts must not be negative")
	}

	if cfg.Store.Path == "" {
		return errors.New("store.path is required")
	}
	if cfg.Store.Path, err = homedir.Expand(cfg.Store.Path); err != nil {
		return errors.Wrap(err, "store.path")
	}
	if err = cfg.KDFParams().Validate(); err != nil {
		return errors.Wrap(err, "store.kdf")
	}

	if cfg.Auth.MaxFailures <= 0 {
		return errors.Errorf("auth.max_failures must be > 0, got %d", cfg.Auth.MaxFailures)
	}
	if cfg.Auth.AttemptsPerSecond <= 0 || cfg.Auth.Burst <= 0 {
		return errors.New("auth.attempts_per_second and auth.burst must be > 0")
	}

	switch cfg.Approval.Mode {
	case ApprovalDeny:
	case ApprovalPrompt:
		if cfg.Approval.PromptTimeout <= 0 {
			return errors.New("approval.prompt_timeout must be > 0")
		}
	case ApprovalPolicy:
		if _, err = agent.NewPolicyApprove(cfg.PolicyRules()); err != nil {
			return errors.Wrap(err, "approval.rules")
		}
	default:
		return errors.Errorf("approval.mode must be %q, %q, or %q, got %q", ApprovalDeny, ApprovalPrompt, ApprovalPolicy, cfg.Approval.Mode)
	}

	if cfg.Audit.JournalDir != "" {
		if cfg.Audit.JournalDir, err = homedir.Expand(cfg.Audit.JournalDir); err != nil {
			return errors.Wrap(err, "audit.journal_dir")
		}
	}

	if cfg.Metrics.Enabled && cfg.Metrics.Addr == "" {
		return errors.New("metrics.addr is required when metrics are enabled")
	}

	switch cfg.Passphrase.Source {
	case PassPrompt:
	case PassEnv:
		if cfg.Passphrase.EnvVar == "" {
			return errors.New("passphrase.env_var is required")
		}
	case PassKeyring:
		if cfg.Passphrase.KeyringService == "" || cfg.Passphrase.KeyringKey == "" {
			return errors.New("passphrase.keyring_service and passphrase.keyring_key are required")
		}
	default:
		return errors.Errorf("passphrase.source must be %q, %q, or %q, got %q", PassPrompt, PassKeyring, PassEnv, cfg.Passphrase.Source)
	}

	return nil
}

// KDFParams returns the store's argon2id parameters.
func (cfg *Config) KDFParams() ski.KDFParams {
	return ski.KDFParams{
		Time:    cfg.Store.KDF.Time,
		Memory:  cfg.Store.KDF.Memory,
		Threads: cfg.Store.KDF.Threads,
		KeyLen:  cfg.Store.KDF.KeyLen,
	}
}

// AuthConfig returns the authenticator settings.
func (cfg *Config) AuthConfig() auth.Config {
	return auth.Config{
		MaxFailures:       cfg.Auth.MaxFailures,
		BaseBackoff:       cfg.Auth.BaseBackoff,
		MaxBackoff:        cfg.Auth.MaxBackoff,
		AttemptsPerSecond: cfg.Auth.AttemptsPerSecond,
		Burst:             cfg.Auth.Burst,
	}
}

// ServiceConfig returns the listener settings.
func (cfg *Config) ServiceConfig() pservice.Config {
	svcCfg := pservice.DefaultConfig(cfg.Agent.Socket)
	svcCfg.MaxSessions = cfg.Agent.MaxSessions
	svcCfg.AuthTimeout = cfg.Agent.AuthTimeout
	svcCfg.IdleTimeout = cfg.Agent.IdleTimeout
	svcCfg.ShutdownGrace = cfg.Agent.ShutdownGrace
	return svcCfg
}

// PolicyRules converts the configured rules.
func (cfg *Config) PolicyRules() []agent.PolicyRule {
	rules := make([]agent.PolicyRule, 0, len(cfg.Approval.Rules))
	for _, rule := range cfg.Approval.Rules {
		ops := make([]agent.Op, 0, len(rule.Ops))
		for _, op := range rule.Ops {
			ops = append(ops, agent.Op(strings.TrimSpace(op)))
		}
		rules = append(rules, agent.PolicyRule{
			Nickname: rule.Nickname,
			Purpose:  rule.Purpose,
			Ops:      ops,
			Allow:    rule.Allow,
		})
	}
	return rules
}

// Approver builds the configured Approver.  Prompts are written to out and answered on in.
func (cfg *Config) Approver(in io.Reader, out io.Writer) (agent.Approver, error) {
	switch cfg.Approval.Mode {
	case ApprovalPrompt:
		return agent.NewPromptApprove(in, out, cfg.Approval.PromptTimeout), nil
	case ApprovalPolicy:
		return agent.NewPolicyApprove(cfg.PolicyRules())
	default:
		return agent.AutoDeny{}, nil
	}
}
